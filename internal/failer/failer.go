// Package failer reclaims WorkItems a worker claimed but never finished
// reporting on. The terminal-status handling is delegated to
// dispatch.Engine.UpdateWork so a reclaimed item goes through exactly the
// same retry/fail/chain logic as a worker-reported failure.
package failer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/geoharmony/orchestrator/internal/config"
	"github.com/geoharmony/orchestrator/internal/dispatch"
	"github.com/geoharmony/orchestrator/internal/domain"
	"github.com/geoharmony/orchestrator/internal/logger"
	"github.com/geoharmony/orchestrator/internal/observability"
	"github.com/geoharmony/orchestrator/internal/repos"
	"github.com/geoharmony/orchestrator/internal/scheduling"
)

const stuckItemMessage = "work item exceeded its allotted run time and was reclaimed"

// Result reports what a single Failer pass touched; used by tests and by
// the /metrics counters.
type Result struct {
	JobIDs      []uuid.UUID
	WorkItemIDs []uint64
}

// Failer periodically reclaims WorkItems stuck in RUNNING.
type Failer struct {
	log    *logger.Logger
	cfg    config.Config
	items  repos.WorkItemRepo
	engine *dispatch.Engine
}

func NewFailer(log *logger.Logger, cfg config.Config, items repos.WorkItemRepo, engine *dispatch.Engine) *Failer {
	return &Failer{
		log:    log.With("component", "WorkFailer"),
		cfg:    cfg,
		items:  items,
		engine: engine,
	}
}

// Start runs the failer on its configured cadence until ctx is canceled.
func (f *Failer) Start(ctx context.Context) {
	scheduling.RunPeriodically(ctx, f.log, f.cfg.FailerSchedule, f.cfg.FailerTickInterval, func(tickCtx context.Context) {
		result, err := f.Run(tickCtx)
		if err != nil {
			f.log.Error("failer pass failed", "error", err)
			return
		}
		if len(result.WorkItemIDs) > 0 {
			f.log.Info("failer reclaimed stuck work items", "count", len(result.WorkItemIDs))
			observability.FailerReclaimed.Add(float64(len(result.WorkItemIDs)))
		}
	})
}

// Run executes one failer pass: every RUNNING WorkItem whose updatedAt is
// older than its (job, service, step)-specific failDuration is reported as
// FAILED through the normal update-work path. READY items are
// never touched, and a pass immediately following another finds nothing,
// since a reclaimed item is no longer RUNNING.
func (f *Failer) Run(ctx context.Context) (Result, error) {
	// now is the widest possible cutoff: every RUNNING item is a candidate,
	// and each is checked against its own failDuration below. A single
	// cutoff can't be computed up front because failDuration varies per
	// (job, service, step).
	candidates, err := f.items.RunningOlderThan(ctx, nil, time.Now())
	if err != nil {
		return Result{}, err
	}

	var result Result
	jobsSeen := make(map[uuid.UUID]bool)

	for _, item := range candidates {
		failDuration, err := f.failDurationFor(ctx, item)
		if err != nil {
			f.log.Warn("compute failDuration failed, skipping item", "workItemID", item.ID, "error", err)
			continue
		}
		if time.Since(item.UpdatedAt) < failDuration {
			continue
		}

		if err := f.engine.UpdateWork(ctx, item.ID, dispatch.UpdateWorkRequest{
			Status:       domain.WorkItemFailed,
			ErrorMessage: stuckItemMessage,
		}); err != nil {
			f.log.Warn("reclaim stuck work item failed", "workItemID", item.ID, "error", err)
			continue
		}

		result.WorkItemIDs = append(result.WorkItemIDs, item.ID)
		if !jobsSeen[item.JobID] {
			jobsSeen[item.JobID] = true
			result.JobIDs = append(result.JobIDs, item.JobID)
		}
	}

	return result, nil
}

// failDurationFor implements the outlier-detection rule: twice the
// slowest of at least two successful items at the same step, falling back
// to the configured global default when fewer than two exist.
func (f *Failer) failDurationFor(ctx context.Context, item *domain.WorkItem) (time.Duration, error) {
	durations, err := f.items.DurationsForSuccessfulSteps(ctx, nil, item.JobID, item.WorkflowStepIndex)
	if err != nil {
		return 0, err
	}
	if len(durations) < 2 {
		return f.cfg.FailDuration, nil
	}

	max := durations[0]
	for _, d := range durations[1:] {
		if d > max {
			max = d
		}
	}
	return 2 * max, nil
}
