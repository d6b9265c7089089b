// Package handlers implements the HTTP surface: the worker poll/update
// endpoints, job status reads and admin actions, the STAC endpoints, and
// the operational endpoints (/healthz, /metrics).
package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/geoharmony/orchestrator/internal/apierr"
)

// errorBody is the error wire shape: "{ code: string, description: string }".
type errorBody struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// RespondError renders err as the documented error body and status. Any
// error that isn't already an *apierr.Error is wrapped as harmony.ServiceError
// so driver/internal detail never reaches a client.
func RespondError(c *gin.Context, err error) {
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		apiErr = apierr.Service(err)
	}
	c.JSON(apiErr.Status, errorBody{Code: apiErr.Code, Description: apiErr.Description()})
}

// RespondOK writes a 200 JSON payload.
func RespondOK(c *gin.Context, payload any) {
	c.JSON(200, payload)
}
