package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/geoharmony/orchestrator/internal/apierr"
	"github.com/geoharmony/orchestrator/internal/dispatch"
	"github.com/geoharmony/orchestrator/internal/domain"
	"github.com/geoharmony/orchestrator/internal/observability"
)

// WorkerHandler implements the worker poll/update surface.
type WorkerHandler struct {
	engine *dispatch.Engine
}

func NewWorkerHandler(engine *dispatch.Engine) *WorkerHandler {
	return &WorkerHandler{engine: engine}
}

// GetWork handles GET /service/work?serviceID=<string>.
func (h *WorkerHandler) GetWork(c *gin.Context) {
	serviceID := c.Query("serviceID")
	if serviceID == "" {
		RespondError(c, apierr.Validationf("serviceID is required"))
		return
	}

	result, err := h.engine.GetWork(c.Request.Context(), serviceID)
	if err != nil {
		RespondError(c, err)
		return
	}
	if result == nil {
		c.Status(404)
		return
	}

	observability.WorkDispatched.WithLabelValues(serviceID).Inc()
	resp := gin.H{"workItem": result.WorkItem}
	if result.MaxCmrGranules != nil {
		resp["maxCmrGranules"] = *result.MaxCmrGranules
	}
	RespondOK(c, resp)
}

// updateWorkBody is the wire shape of PUT /service/work/{id}: only
// these fields are trusted, everything else the worker echoes back is
// ignored.
type updateWorkBody struct {
	Status             domain.WorkItemStatus `json:"status"`
	Results            []string              `json:"results"`
	OutputGranuleSizes []int64               `json:"outputGranuleSizes"`
	ErrorMessage       string                `json:"errorMessage"`
	ScrollID           string                `json:"scrollID"`
	Hits               *int                  `json:"hits"`
}

// UpdateWork handles PUT /service/work/{id}.
func (h *WorkerHandler) UpdateWork(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		RespondError(c, apierr.Validationf("invalid work item id %q", c.Param("id")))
		return
	}

	var body updateWorkBody
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, apierr.Validation(err))
		return
	}

	err = h.engine.UpdateWork(c.Request.Context(), id, dispatch.UpdateWorkRequest{
		Status:             body.Status,
		Results:            body.Results,
		OutputGranuleSizes: body.OutputGranuleSizes,
		ErrorMessage:       body.ErrorMessage,
		ScrollID:           body.ScrollID,
		Hits:               body.Hits,
	})
	if err != nil {
		RespondError(c, err)
		return
	}

	observability.WorkUpdated.WithLabelValues(string(body.Status)).Inc()
	c.Status(204)
}
