package handlers

import "github.com/gin-gonic/gin"

// Health handles GET /healthz, a bare liveness probe.
func Health(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}
