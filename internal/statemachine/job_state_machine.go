// Package statemachine implements the explicit Job status transition
// table. Every status change goes through ApplyEvent; nothing mutates
// Job.Status directly anywhere else in this codebase.
package statemachine

import (
	"fmt"

	"github.com/geoharmony/orchestrator/internal/apierr"
	"github.com/geoharmony/orchestrator/internal/domain"
)

type Event string

const (
	EventCreate              Event = "CREATE"
	EventDispatch            Event = "DISPATCH"
	EventWorkSucceeded       Event = "WORK_SUCCEEDED"
	EventWorkFailed          Event = "WORK_FAILED"
	EventWorkItemUpdate      Event = "WORK_ITEM_UPDATE"
	EventCancel              Event = "CANCEL"
	EventPause               Event = "PAUSE"
	EventResume              Event = "RESUME"
	EventSkipPreview         Event = "SKIP_PREVIEW"
	EventFail                Event = "FAIL"
	EventComplete            Event = "COMPLETE"
	EventCompleteWithErrors  Event = "COMPLETE_WITH_ERRORS"
)

// Options carries the event-specific decisions the bare (status, event)
// pair can't express: whether the request opted into preview, whether the
// job tolerates errors, and (for CANCEL) whether a repeat should be
// accepted idempotently instead of rejected as a conflict.
type Options struct {
	PreviewRequested bool
	IgnoreErrors     bool
	IgnoreRepeats    bool
}

// transition describes one edge out of a status.
type transition struct {
	to func(Options) domain.Status
}

var table = map[domain.Status]map[Event]transition{
	domain.StatusAccepted: {
		EventDispatch: {to: func(o Options) domain.Status {
			if o.PreviewRequested {
				return domain.StatusPreviewing
			}
			return domain.StatusRunning
		}},
		EventPause:  {to: func(Options) domain.Status { return domain.StatusPaused }},
		EventCancel: {to: func(Options) domain.Status { return domain.StatusCanceled }},
		EventFail:   {to: func(Options) domain.Status { return domain.StatusFailed }},
	},
	domain.StatusRunning: {
		EventCancel: {to: func(Options) domain.Status { return domain.StatusCanceled }},
		EventWorkFailed: {to: func(o Options) domain.Status {
			if o.IgnoreErrors {
				return domain.StatusRunningWithErrors
			}
			return domain.StatusFailed
		}},
		EventFail:     {to: func(Options) domain.Status { return domain.StatusFailed }},
		EventComplete: {to: func(Options) domain.Status { return domain.StatusSuccessful }},
		EventCompleteWithErrors: {to: func(Options) domain.Status { return domain.StatusCompleteWithErrors }},
	},
	domain.StatusRunningWithErrors: {
		EventCancel: {to: func(Options) domain.Status { return domain.StatusCanceled }},
		EventWorkFailed: {to: func(o Options) domain.Status {
			if o.IgnoreErrors {
				return domain.StatusRunningWithErrors
			}
			return domain.StatusFailed
		}},
		EventFail:     {to: func(Options) domain.Status { return domain.StatusFailed }},
		EventComplete: {to: func(Options) domain.Status { return domain.StatusSuccessful }},
		EventCompleteWithErrors: {to: func(Options) domain.Status { return domain.StatusCompleteWithErrors }},
	},
	domain.StatusPaused: {
		EventResume: {to: func(Options) domain.Status { return domain.StatusRunning }},
		EventCancel: {to: func(Options) domain.Status { return domain.StatusCanceled }},
		EventFail:   {to: func(Options) domain.Status { return domain.StatusFailed }},
	},
	domain.StatusPreviewing: {
		EventSkipPreview: {to: func(Options) domain.Status { return domain.StatusRunning }},
		EventCancel:      {to: func(Options) domain.Status { return domain.StatusCanceled }},
		EventFail:        {to: func(Options) domain.Status { return domain.StatusFailed }},
		EventWorkFailed: {to: func(o Options) domain.Status {
			if o.IgnoreErrors {
				return domain.StatusRunningWithErrors
			}
			return domain.StatusFailed
		}},
	},
}

// userInvokableEvents is the subset of events an owner/admin can request
// directly (as opposed to WORK_SUCCEEDED/WORK_FAILED/WORK_ITEM_UPDATE,
// which only the dispatch engine fires).
var userInvokableEvents = map[Event]bool{
	EventCancel:      true,
	EventPause:       true,
	EventResume:      true,
	EventSkipPreview: true,
}

// ApplyEvent validates and applies event against job, returning the
// updated Job. job must already be loaded under a row lock within the
// caller's transaction: transitions act on a freshly re-read,
// FOR-UPDATE-locked row, never an in-memory snapshot. Terminal jobs reject
// every event with apierr.Conflict, except an idempotent repeat CANCEL
// when opts.IgnoreRepeats is set.
func ApplyEvent(job *domain.Job, event Event, opts Options) (*domain.Job, error) {
	if job.Status.Terminal() {
		if event == EventCancel && job.Status == domain.StatusCanceled && opts.IgnoreRepeats {
			return job, nil
		}
		return nil, apierr.Conflict(fmt.Errorf("job %s is in terminal state %s: cannot apply %s", job.JobID, job.Status, event))
	}

	statusTable, ok := table[job.Status]
	if !ok {
		return nil, apierr.Conflict(fmt.Errorf("job %s has no transitions defined from status %s", job.JobID, job.Status))
	}
	tr, ok := statusTable[event]
	if !ok {
		return nil, apierr.Conflict(fmt.Errorf("event %s is not valid from status %s", event, job.Status))
	}

	next := tr.to(opts)
	job.Status = next
	if job.Message == "" || isDefaultMessageForOtherStatus(job.Message, next) {
		job.Message = next.DefaultMessage()
	}
	if next == domain.StatusSuccessful {
		job.Progress = 100
	}
	return job, nil
}

func isDefaultMessageForOtherStatus(msg string, next domain.Status) bool {
	if msg == next.DefaultMessage() {
		return false
	}
	for _, s := range []domain.Status{
		domain.StatusAccepted, domain.StatusRunning, domain.StatusRunningWithErrors,
		domain.StatusPaused, domain.StatusPreviewing, domain.StatusSuccessful,
		domain.StatusCompleteWithErrors, domain.StatusFailed, domain.StatusCanceled,
	} {
		if s.DefaultMessage() == msg {
			return true
		}
	}
	return false
}

// ValidEventsFor returns the subset of user-invokable events currently
// applicable to job, for the HTTP layer to decide which actions to offer.
func ValidEventsFor(job *domain.Job) []Event {
	if job.Status.Terminal() {
		return nil
	}
	statusTable, ok := table[job.Status]
	if !ok {
		return nil
	}
	out := make([]Event, 0, len(statusTable))
	for ev := range statusTable {
		if userInvokableEvents[ev] {
			out = append(out, ev)
		}
	}
	return out
}
