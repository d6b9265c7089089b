package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// WorkItemStatus is a WorkItem's lifecycle state.
type WorkItemStatus string

const (
	WorkItemReady      WorkItemStatus = "READY"
	WorkItemRunning    WorkItemStatus = "RUNNING"
	WorkItemSuccessful WorkItemStatus = "SUCCESSFUL"
	WorkItemFailed     WorkItemStatus = "FAILED"
	WorkItemCanceled   WorkItemStatus = "CANCELED"
)

// WorkItem is a unit of work at one WorkflowStep, executed by one polling
// worker.
type WorkItem struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	JobID             uuid.UUID `gorm:"type:uuid;not null;index" json:"jobID"`
	ServiceID         string    `gorm:"column:service_id;not null;index" json:"serviceID"`
	WorkflowStepIndex int       `gorm:"column:workflow_step_index;not null;index" json:"workflowStepIndex"`

	Status     WorkItemStatus `gorm:"column:status;not null;index" json:"status"`
	RetryCount int            `gorm:"column:retry_count;not null;default:0" json:"retryCount"`

	StacCatalogLocation string `gorm:"column:stac_catalog_location" json:"stacCatalogLocation,omitempty"`

	Outputs            datatypes.JSON `gorm:"column:outputs;type:jsonb" json:"-"`
	OutputGranuleSizes  datatypes.JSON `gorm:"column:output_granule_sizes;type:jsonb" json:"-"`

	ScrollID string `gorm:"column:scroll_id" json:"scrollID,omitempty"`
	Hits     *int   `gorm:"column:hits" json:"hits,omitempty"`

	ErrorMessage string `gorm:"column:error_message" json:"-"`

	StartedAt *time.Time    `gorm:"column:started_at" json:"startedAt,omitempty"`
	Duration  time.Duration `gorm:"column:duration" json:"-"`

	CreatedAt time.Time `gorm:"column:created_at;not null;index" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;index" json:"updatedAt"`
}

func (WorkItem) TableName() string { return "work_items" }

// OutputURIs decodes the stored output-catalog URIs.
func (w *WorkItem) OutputURIs() ([]string, error) {
	if len(w.Outputs) == 0 {
		return nil, nil
	}
	return decodeStringSlice(w.Outputs)
}

// SetOutputURIs serializes the output-catalog URIs for storage.
func (w *WorkItem) SetOutputURIs(uris []string) error {
	b, err := encodeStringSlice(uris)
	if err != nil {
		return err
	}
	w.Outputs = b
	return nil
}

// GranuleSizes decodes the stored per-output granule sizes.
func (w *WorkItem) GranuleSizes() ([]int64, error) {
	if len(w.OutputGranuleSizes) == 0 {
		return nil, nil
	}
	return decodeInt64Slice(w.OutputGranuleSizes)
}

// SetGranuleSizes serializes per-output granule sizes for storage.
func (w *WorkItem) SetGranuleSizes(sizes []int64) error {
	b, err := encodeInt64Slice(sizes)
	if err != nil {
		return err
	}
	w.OutputGranuleSizes = b
	return nil
}
