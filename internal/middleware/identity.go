// Package middleware carries the request-scoped gin middleware the HTTP
// surface needs: trusted-identity extraction for the share-gate
// and access logging. An upstream gateway is assumed to authenticate the
// caller and forward identity on these headers; this service never
// authenticates end users itself.
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/geoharmony/orchestrator/internal/logger"
)

const (
	HeaderUser        = "X-Harmony-User"
	HeaderIsAdmin     = "X-Harmony-Admin"
	HeaderAccessToken = "X-Harmony-Access-Token"

	ctxKeyUser        = "harmony.user"
	ctxKeyIsAdmin     = "harmony.isAdmin"
	ctxKeyAccessToken = "harmony.accessToken"
)

// Identity reads the trusted identity headers set by the upstream gateway
// into request-scoped gin keys the handlers and share-gate read back.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxKeyUser, c.GetHeader(HeaderUser))
		c.Set(ctxKeyIsAdmin, c.GetHeader(HeaderIsAdmin) == "true")
		c.Set(ctxKeyAccessToken, c.GetHeader(HeaderAccessToken))
		c.Next()
	}
}

// AccessToken returns the caller's forwarded credential, used to refresh the
// access token carried by a job's step operations on resume/skip-preview.
func AccessToken(c *gin.Context) string {
	v, _ := c.Get(ctxKeyAccessToken)
	s, _ := v.(string)
	return s
}

// RequestingUser returns the identity Identity() attached to the request.
func RequestingUser(c *gin.Context) string {
	v, _ := c.Get(ctxKeyUser)
	s, _ := v.(string)
	return s
}

// IsAdmin reports whether the request carried the trusted admin header.
func IsAdmin(c *gin.Context) bool {
	v, _ := c.Get(ctxKeyIsAdmin)
	b, _ := v.(bool)
	return b
}

// AccessLog logs one line per request at Info level.
func AccessLog(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"user", RequestingUser(c),
		)
	}
}
