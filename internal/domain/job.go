// Package domain holds the persistent entities: Job, WorkflowStep,
// WorkItem, JobLink, and the DataOperation message they carry between
// steps.
package domain

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Status is a Job's lifecycle state.
type Status string

const (
	StatusAccepted            Status = "ACCEPTED"
	StatusRunning             Status = "RUNNING"
	StatusRunningWithErrors   Status = "RUNNING_WITH_ERRORS"
	StatusPaused              Status = "PAUSED"
	StatusPreviewing          Status = "PREVIEWING"
	StatusSuccessful          Status = "SUCCESSFUL"
	StatusCompleteWithErrors  Status = "COMPLETE_WITH_ERRORS"
	StatusFailed              Status = "FAILED"
	StatusCanceled            Status = "CANCELED"
)

// Terminal reports whether no further mutation of the job is accepted.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccessful, StatusCompleteWithErrors, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// DefaultMessage is the canonical user-visible message for a status.
func (s Status) DefaultMessage() string {
	switch s {
	case StatusAccepted:
		return "The job has been accepted and is waiting to be processed"
	case StatusRunning, StatusRunningWithErrors:
		return "The job is being processed"
	case StatusPaused:
		return "The job is paused"
	case StatusPreviewing:
		return "The job is generating a preview"
	case StatusSuccessful:
		return "The job has completed successfully"
	case StatusCompleteWithErrors:
		return "The job has completed with errors"
	case StatusFailed:
		return "The job failed with an unknown error"
	case StatusCanceled:
		return "The job was canceled"
	default:
		return ""
	}
}

// isDefaultMessageForAnyStatus reports whether msg is empty or the canonical
// default for any status (used for default-message substitution).
func isDefaultMessageForAnyStatus(msg string) bool {
	for _, s := range []Status{
		StatusAccepted, StatusRunning, StatusPaused, StatusPreviewing,
		StatusSuccessful, StatusCompleteWithErrors, StatusFailed, StatusCanceled,
	} {
		if s.DefaultMessage() == msg {
			return true
		}
	}
	return msg == ""
}

const maxMessageLen = 4096
const maxRequestLen = 4096

var requestURLPattern = regexp.MustCompile(`^https?://.+`)

// Job is the user-visible unit of work, from admission to terminal state.
type Job struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	JobID     uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"jobID"`
	Username  string    `gorm:"column:username;not null;index" json:"username"`

	Status   Status `gorm:"column:status;not null;index" json:"status"`
	Message  string `gorm:"column:message;not null" json:"message"`
	Progress int    `gorm:"column:progress;not null;default:0" json:"progress"`

	NumInputGranules int            `gorm:"column:num_input_granules;not null;default:0" json:"numInputGranules"`
	CollectionIDs    datatypes.JSON `gorm:"column:collection_ids;type:jsonb" json:"-"`

	IsAsync      bool `gorm:"column:is_async;not null;default:false" json:"isAsync"`
	IgnoreErrors bool `gorm:"column:ignore_errors;not null;default:false" json:"ignoreErrors"`

	// PreviewRequested is set at admission when the request opted into a
	// preview pass; it decides whether the first dispatch moves the job to
	// PREVIEWING instead of RUNNING.
	PreviewRequested bool `gorm:"column:preview_requested;not null;default:false" json:"-"`

	Request string `gorm:"column:request;not null" json:"request"`

	BatchesCompleted int `gorm:"column:batches_completed;not null;default:0" json:"-"`

	// hadFailureUnderIgnoreErrors records whether any WorkItem belonging to
	// this job ever reached FAILED while ignoreErrors was in effect; it
	// drives the COMPLETE_WITH_ERRORS vs SUCCESSFUL decision at finalize
	// time.
	HadFailureUnderIgnoreErrors bool `gorm:"column:had_failure_under_ignore_errors;not null;default:false" json:"-"`

	CreatedAt time.Time `gorm:"column:created_at;not null;index" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;index" json:"updatedAt"`

	// originalStatus is captured at load time for optimistic-conflict
	// detection; it is never persisted. Transitions are always applied to a
	// freshly re-read, FOR-UPDATE-locked row, so this field is testing
	// support, not a CAS guard.
	originalStatus Status `gorm:"-" json:"-"`
}

func (Job) TableName() string { return "jobs" }

// CaptureOriginalStatus snapshots the status at load time.
func (j *Job) CaptureOriginalStatus() {
	j.originalStatus = j.Status
}

// OriginalStatus returns the status captured by CaptureOriginalStatus.
func (j *Job) OriginalStatus() Status { return j.originalStatus }

// Validate enforces the Job invariants and truncates oversized strings
// before persistence.
func (j *Job) Validate() error {
	if j.Progress < 0 || j.Progress > 100 {
		return fmt.Errorf("progress %d out of range [0,100]", j.Progress)
	}
	if j.Request != "" && !requestURLPattern.MatchString(j.Request) {
		return fmt.Errorf("request URL %q does not match https?://.+", j.Request)
	}
	if len(j.Message) > maxMessageLen {
		j.Message = j.Message[:maxMessageLen]
	}
	if len(j.Request) > maxRequestLen {
		j.Request = j.Request[:maxRequestLen]
	}
	if j.Message == "" || isDefaultMessageForAnyStatus(j.Message) {
		j.Message = j.Status.DefaultMessage()
	}
	if j.Status == StatusSuccessful {
		j.Progress = 100
	}
	return nil
}
