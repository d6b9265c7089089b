package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// WorkflowStep is one row per (job, stepIndex), a single stage of a job's
// pipeline.
type WorkflowStep struct {
	ID    uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	JobID uuid.UUID `gorm:"type:uuid;not null;index:idx_workflow_steps_job_step,unique" json:"jobID"`

	StepIndex int `gorm:"column:step_index;not null;index:idx_workflow_steps_job_step,unique" json:"stepIndex"`

	ServiceID string `gorm:"column:service_id;not null;index" json:"serviceID"`

	WorkItemCount       int  `gorm:"column:work_item_count;not null;default:0" json:"workItemCount"`
	HasAggregatedOutput bool `gorm:"column:has_aggregated_output;not null;default:false" json:"hasAggregatedOutput"`

	// Operation is the serialized DataOperation template items at this step
	// should carry.
	Operation datatypes.JSON `gorm:"column:operation;type:jsonb" json:"-"`

	CreatedAt time.Time `gorm:"column:created_at;not null" json:"-"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null" json:"-"`
}

func (WorkflowStep) TableName() string { return "workflow_steps" }

// DataOperation decodes the step's stored operation template.
func (w *WorkflowStep) DataOperation() (DataOperation, error) {
	return DecodeDataOperation(w.Operation)
}

// SetDataOperation validates and serializes op into the step's stored
// template.
func (w *WorkflowStep) SetDataOperation(op DataOperation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	b, err := EncodeDataOperation(op)
	if err != nil {
		return err
	}
	w.Operation = b
	return nil
}
