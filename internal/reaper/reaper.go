// Package reaper deletes WorkItem and WorkflowStep rows belonging to jobs
// that finished long ago, so the tables don't grow without bound: collect
// the owning id set first, then batch-delete each dependent table by that
// set, tolerating a row already gone. Jobs themselves are retained; only
// their WorkItems, WorkflowSteps, and JobLinks are reclaimed.
package reaper

import (
	"context"

	"github.com/google/uuid"

	"github.com/geoharmony/orchestrator/internal/config"
	"github.com/geoharmony/orchestrator/internal/logger"
	"github.com/geoharmony/orchestrator/internal/observability"
	"github.com/geoharmony/orchestrator/internal/repos"
	"github.com/geoharmony/orchestrator/internal/scheduling"
)

// Result reports what a single Reaper pass deleted.
type Result struct {
	JobIDs           []uuid.UUID
	WorkItemsDeleted int
	StepsDeleted     int
}

// Reaper periodically deletes the WorkItem/WorkflowStep/JobLink rows of
// jobs that have been terminal and idle for longer than reapAge.
type Reaper struct {
	log   *logger.Logger
	cfg   config.Config
	jobs  repos.JobRepo
	steps repos.WorkflowStepRepo
	items repos.WorkItemRepo
	links repos.JobLinkRepo
}

func NewReaper(log *logger.Logger, cfg config.Config, jobs repos.JobRepo, steps repos.WorkflowStepRepo, items repos.WorkItemRepo, links repos.JobLinkRepo) *Reaper {
	return &Reaper{
		log:   log.With("component", "WorkReaper"),
		cfg:   cfg,
		jobs:  jobs,
		steps: steps,
		items: items,
		links: links,
	}
}

// Start runs the reaper on its configured cadence until ctx is canceled.
func (r *Reaper) Start(ctx context.Context) {
	scheduling.RunPeriodically(ctx, r.log, r.cfg.ReaperSchedule, r.cfg.ReaperTickInterval, func(tickCtx context.Context) {
		result, err := r.Run(tickCtx)
		if err != nil {
			r.log.Error("reaper pass failed", "error", err)
			return
		}
		if len(result.JobIDs) > 0 {
			r.log.Info("reaper purged idle terminal jobs", "jobs", len(result.JobIDs), "workItems", result.WorkItemsDeleted, "steps", result.StepsDeleted)
			observability.ReaperDeletedWorkItems.Add(float64(result.WorkItemsDeleted))
			observability.ReaperDeletedWorkflowSteps.Add(float64(result.StepsDeleted))
		}
	})
}

// Run executes one reaper pass. It only ever selects jobs already in a
// terminal state (JobRepo.TerminalNotUpdatedForMinutes enforces this at the
// query layer), so a non-terminal job's rows are never touched. A pass run
// twice in a row against the same quiescent state is a no-op: the second
// pass's candidate query finds the same jobs, but their WorkItem/
// WorkflowStep rows are already gone, so the deletes affect zero rows.
func (r *Reaper) Run(ctx context.Context) (Result, error) {
	minutes := int(r.cfg.ReapAge.Minutes())
	jobs, err := r.jobs.TerminalNotUpdatedForMinutes(ctx, nil, minutes)
	if err != nil {
		return Result{}, err
	}
	if len(jobs) == 0 {
		return Result{}, nil
	}

	jobIDs := make([]uuid.UUID, 0, len(jobs))
	for _, j := range jobs {
		jobIDs = append(jobIDs, j.JobID)
	}

	itemIDs, err := r.items.IDsForJobs(ctx, nil, jobIDs)
	if err != nil {
		return Result{}, err
	}
	if err := r.items.DeleteByIDs(ctx, nil, itemIDs); err != nil {
		return Result{}, err
	}

	stepIDs, err := r.steps.IDsForJobs(ctx, nil, jobIDs)
	if err != nil {
		return Result{}, err
	}
	if err := r.steps.DeleteByIDs(ctx, nil, stepIDs); err != nil {
		return Result{}, err
	}

	if err := r.links.DeleteForJobs(ctx, nil, jobIDs); err != nil {
		return Result{}, err
	}

	return Result{JobIDs: jobIDs, WorkItemsDeleted: len(itemIDs), StepsDeleted: len(stepIDs)}, nil
}
