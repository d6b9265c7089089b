package dispatch

import (
	"github.com/google/uuid"

	"github.com/geoharmony/orchestrator/internal/domain"
)

// WorkItemView is the wire-shaped WorkItem a polling worker receives from
// get-work: only the fields a worker needs to execute a step.
type WorkItemView struct {
	ID                  uint64                `json:"id"`
	JobID               uuid.UUID             `json:"jobID"`
	ServiceID           string                `json:"serviceID"`
	WorkflowStepIndex   int                   `json:"workflowStepIndex"`
	StacCatalogLocation string                `json:"stacCatalogLocation,omitempty"`
	ScrollID            string                `json:"scrollID,omitempty"`
	Operation           domain.DataOperation  `json:"operation"`
}

// GetWorkResult is the full get-work response, including the maxCmrGranules
// hint the query-index step uses to bound how many granules it pages in.
type GetWorkResult struct {
	WorkItem       WorkItemView
	MaxCmrGranules *int
}

// UpdateWorkRequest is what a worker posts to update-work: the server
// trusts only these fields, ignoring everything else the worker might echo
// back about the item.
type UpdateWorkRequest struct {
	Status             domain.WorkItemStatus
	Results            []string
	OutputGranuleSizes []int64
	ErrorMessage       string
	ScrollID           string
	Hits               *int
}
