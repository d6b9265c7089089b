// Package dispatch implements the work-dispatch engine: get-work's fair
// per-user queueing with synchronous priority, and update-work's
// terminal-status handling (success chaining, retry, and failure
// propagation).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/geoharmony/orchestrator/internal/apierr"
	"github.com/geoharmony/orchestrator/internal/config"
	"github.com/geoharmony/orchestrator/internal/domain"
	"github.com/geoharmony/orchestrator/internal/logger"
	"github.com/geoharmony/orchestrator/internal/repos"
	"github.com/geoharmony/orchestrator/internal/statemachine"
)

// queryIndexStepIndex is the fixed position of the granule-index query
// step in every job's pipeline: always the first step.
// WorkflowStep.stepIndex values are 1-based.
const queryIndexStepIndex = 1

var errNoWork = errors.New("no dispatchable work")

type Engine struct {
	log        *logger.Logger
	db         *gorm.DB
	cfg        config.Config
	jobs       repos.JobRepo
	steps      repos.WorkflowStepRepo
	items      repos.WorkItemRepo
	links      repos.JobLinkRepo
	chainer    *Chainer
}

func NewEngine(log *logger.Logger, db *gorm.DB, cfg config.Config, jobs repos.JobRepo, steps repos.WorkflowStepRepo, items repos.WorkItemRepo, links repos.JobLinkRepo, chainer *Chainer) *Engine {
	return &Engine{
		log:     log.With("component", "DispatchEngine"),
		db:      db,
		cfg:     cfg,
		jobs:    jobs,
		steps:   steps,
		items:   items,
		links:   links,
		chainer: chainer,
	}
}

// GetWork selects and claims the next WorkItem for serviceID per the fair
// per-user, synchronous-priority policy. A nil result with a nil
// error means no work is currently dispatchable.
func (e *Engine) GetWork(ctx context.Context, serviceID string) (*GetWorkResult, error) {
	var result *GetWorkResult

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidates, err := e.items.CandidateUsers(ctx, tx, serviceID)
		if err != nil {
			return fmt.Errorf("list candidate users: %w", err)
		}
		if len(candidates) == 0 {
			return errNoWork
		}

		// The user whose jobs have waited longest for this service wins:
		// the oldest LastDispatch value.
		winner := candidates[0]
		for _, c := range candidates[1:] {
			if c.LastDispatch.Before(winner.LastDispatch) {
				winner = c
			}
		}

		job, err := e.items.OldestEligibleJob(ctx, tx, serviceID, winner.Username)
		if err != nil {
			return fmt.Errorf("find oldest eligible job: %w", err)
		}
		if job == nil {
			return errNoWork
		}

		// Lock the job row for the duration of the claim so a concurrent
		// cancel/pause can't race the dispatch.
		lockedJob, err := e.jobs.FindByID(ctx, tx, job.JobID, true)
		if err != nil {
			return fmt.Errorf("lock job %s: %w", job.JobID, err)
		}
		if lockedJob == nil || lockedJob.Status.Terminal() {
			return errNoWork
		}

		// First dispatch moves an admitted job out of ACCEPTED:
		// RUNNING, or PREVIEWING when the request opted into preview.
		if lockedJob.Status == domain.StatusAccepted {
			dispatched, err := statemachine.ApplyEvent(lockedJob, statemachine.EventDispatch, statemachine.Options{PreviewRequested: lockedJob.PreviewRequested})
			if err != nil {
				return fmt.Errorf("apply DISPATCH to job %s: %w", lockedJob.JobID, err)
			}
			if err := e.jobs.Save(ctx, tx, dispatched); err != nil {
				return fmt.Errorf("save dispatched job %s: %w", lockedJob.JobID, err)
			}
			lockedJob = dispatched
		}

		item, err := e.items.ClaimOldestReady(ctx, tx, lockedJob.JobID, serviceID)
		if err != nil {
			return fmt.Errorf("claim oldest ready item for job %s: %w", lockedJob.JobID, err)
		}
		if item == nil {
			return errNoWork
		}

		step, err := e.steps.ByJobAndIndex(ctx, tx, lockedJob.JobID, item.WorkflowStepIndex, false)
		if err != nil {
			return fmt.Errorf("load workflow step %d of job %s: %w", item.WorkflowStepIndex, lockedJob.JobID, err)
		}
		if step == nil {
			return fmt.Errorf("work item %d references missing workflow step %d of job %s", item.ID, item.WorkflowStepIndex, lockedJob.JobID)
		}
		op, err := step.DataOperation()
		if err != nil {
			return fmt.Errorf("decode operation for step %d of job %s: %w", item.WorkflowStepIndex, lockedJob.JobID, err)
		}

		view := WorkItemView{
			ID:                  item.ID,
			JobID:               item.JobID,
			ServiceID:           item.ServiceID,
			WorkflowStepIndex:   item.WorkflowStepIndex,
			StacCatalogLocation: item.StacCatalogLocation,
			ScrollID:            item.ScrollID,
			Operation:           op,
		}
		out := &GetWorkResult{WorkItem: view}

		if item.WorkflowStepIndex == queryIndexStepIndex {
			hint, ok, err := e.maxCmrGranulesHint(ctx, tx, lockedJob)
			if err != nil {
				return fmt.Errorf("compute maxCmrGranules hint for job %s: %w", lockedJob.JobID, err)
			}
			if !ok {
				// Enough items already queued downstream; revert the claim
				// and report no work for this call.
				if revertErr := e.revertClaim(ctx, tx, item); revertErr != nil {
					return fmt.Errorf("revert claim on job %s: %w", lockedJob.JobID, revertErr)
				}
				return errNoWork
			}
			out.MaxCmrGranules = &hint
		}

		result = out
		return nil
	})

	if errors.Is(err, errNoWork) {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Service(err)
	}
	return result, nil
}

// maxCmrGranulesHint computes job.numInputGranules minus the STAC items
// already produced by completed items of the query-index step, capped at
// cmrMaxPageSize. ok is false when the hint is non-positive, meaning no
// more query-index work should be handed out.
func (e *Engine) maxCmrGranulesHint(ctx context.Context, tx *gorm.DB, job *domain.Job) (int, bool, error) {
	produced, err := e.items.CountByStepStatus(ctx, tx, job.JobID, queryIndexStepIndex, domain.WorkItemSuccessful)
	if err != nil {
		return 0, false, err
	}
	hint := job.NumInputGranules - int(produced)
	if hint <= 0 {
		return 0, false, nil
	}
	if e.cfg.CMRMaxPageSize > 0 && hint > e.cfg.CMRMaxPageSize {
		hint = e.cfg.CMRMaxPageSize
	}
	return hint, true, nil
}

func (e *Engine) revertClaim(ctx context.Context, tx *gorm.DB, item *domain.WorkItem) error {
	item.Status = domain.WorkItemReady
	item.StartedAt = nil
	return e.items.Save(ctx, tx, item)
}

// UpdateWork applies a worker's terminal-status report to a WorkItem.
// Repeat reports of the same terminal status are idempotent no-ops.
func (e *Engine) UpdateWork(ctx context.Context, workItemID uint64, upd UpdateWorkRequest) error {
	if upd.Status == domain.WorkItemReady || upd.Status == domain.WorkItemCanceled {
		return apierr.Validationf("workers may only report SUCCESSFUL or FAILED, got %s", upd.Status)
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := e.items.ByID(ctx, tx, workItemID, true)
		if err != nil {
			return fmt.Errorf("load work item %d: %w", workItemID, err)
		}
		if item == nil {
			return apierr.NotFound(fmt.Errorf("work item %d not found", workItemID))
		}

		if item.Status == upd.Status {
			// Repeat identical terminal update: idempotent no-op.
			return nil
		}
		if item.Status == domain.WorkItemSuccessful || item.Status == domain.WorkItemFailed || item.Status == domain.WorkItemCanceled {
			return apierr.Conflict(fmt.Errorf("work item %d already terminal at %s, cannot apply %s", workItemID, item.Status, upd.Status))
		}

		job, err := e.jobs.FindByID(ctx, tx, item.JobID, true)
		if err != nil {
			return fmt.Errorf("load job %s: %w", item.JobID, err)
		}
		if job == nil {
			return apierr.NotFound(fmt.Errorf("job %s not found for work item %d", item.JobID, workItemID))
		}

		switch upd.Status {
		case domain.WorkItemSuccessful:
			return e.handleSuccess(ctx, tx, job, item, upd)
		case domain.WorkItemFailed:
			return e.handleFailure(ctx, tx, job, item, upd)
		default:
			return apierr.Validationf("unsupported terminal status %s", upd.Status)
		}
	})

	if err != nil {
		var apiErr *apierr.Error
		if errors.As(err, &apiErr) {
			return apiErr
		}
		return apierr.Service(err)
	}
	return nil
}

func (e *Engine) handleSuccess(ctx context.Context, tx *gorm.DB, job *domain.Job, item *domain.WorkItem, upd UpdateWorkRequest) error {
	now := time.Now()
	item.Status = domain.WorkItemSuccessful
	if item.StartedAt != nil {
		item.Duration = now.Sub(*item.StartedAt)
	}
	if err := item.SetOutputURIs(upd.Results); err != nil {
		return fmt.Errorf("encode output uris: %w", err)
	}
	if err := item.SetGranuleSizes(upd.OutputGranuleSizes); err != nil {
		return fmt.Errorf("encode output granule sizes: %w", err)
	}
	item.ScrollID = upd.ScrollID
	item.Hits = upd.Hits
	item.UpdatedAt = now

	if err := e.items.Save(ctx, tx, item); err != nil {
		return fmt.Errorf("save successful work item %d: %w", item.ID, err)
	}
	if err := e.steps.DecrementRemainingCount(ctx, tx, job.JobID, item.WorkflowStepIndex); err != nil {
		return fmt.Errorf("decrement remaining count for step %d: %w", item.WorkflowStepIndex, err)
	}

	return e.chainer.OnSuccess(ctx, tx, job, item)
}

func (e *Engine) handleFailure(ctx context.Context, tx *gorm.DB, job *domain.Job, item *domain.WorkItem, upd UpdateWorkRequest) error {
	msg := upd.ErrorMessage
	if msg == "" {
		msg = domain.StatusFailed.DefaultMessage()
	}

	if item.RetryCount < e.cfg.WorkItemRetryLimit {
		item.RetryCount++
		item.Status = domain.WorkItemReady
		item.StartedAt = nil
		item.ErrorMessage = msg
		item.UpdatedAt = time.Now()
		return e.items.Save(ctx, tx, item)
	}

	item.Status = domain.WorkItemFailed
	item.ErrorMessage = msg
	item.UpdatedAt = time.Now()
	if err := e.items.Save(ctx, tx, item); err != nil {
		return fmt.Errorf("save failed work item %d: %w", item.ID, err)
	}

	remaining, err := e.items.RemainingForJob(ctx, tx, job.JobID)
	if err != nil {
		return fmt.Errorf("count remaining items for job %s: %w", job.JobID, err)
	}

	if job.IgnoreErrors && remaining > 0 {
		job.HadFailureUnderIgnoreErrors = true
		updated, err := statemachine.ApplyEvent(job, statemachine.EventWorkFailed, statemachine.Options{IgnoreErrors: true})
		if err != nil {
			return fmt.Errorf("apply WORK_FAILED (ignoreErrors) to job %s: %w", job.JobID, err)
		}
		return e.jobs.Save(ctx, tx, updated)
	}

	updated, err := statemachine.ApplyEvent(job, statemachine.EventWorkFailed, statemachine.Options{IgnoreErrors: false})
	if err != nil {
		return fmt.Errorf("apply WORK_FAILED to job %s: %w", job.JobID, err)
	}
	updated.Message = msg
	if err := e.jobs.Save(ctx, tx, updated); err != nil {
		return fmt.Errorf("save failed job %s: %w", job.JobID, err)
	}
	return e.items.CancelReadyAndRunningForJob(ctx, tx, job.JobID)
}
