package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/geoharmony/orchestrator/internal/config"
	"github.com/geoharmony/orchestrator/internal/domain"
	"github.com/geoharmony/orchestrator/internal/logger"
	"github.com/geoharmony/orchestrator/internal/repos"
)

func newTestReaper(t *testing.T) (*Reaper, *gorm.DB, repos.JobRepo, repos.WorkItemRepo, repos.WorkflowStepRepo) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&domain.Job{}, &domain.WorkflowStep{}, &domain.WorkItem{}, &domain.JobLink{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := logger.Noop()
	cfg := config.Config{ReapAge: 10 * time.Minute}

	jobs := repos.NewJobRepo(db, log)
	steps := repos.NewWorkflowStepRepo(db, log)
	items := repos.NewWorkItemRepo(db, log)
	links := repos.NewJobLinkRepo(db, log)

	return NewReaper(log, cfg, jobs, steps, items, links), db, jobs, items, steps
}

func backdateJob(db *gorm.DB, jobID uuid.UUID, when time.Time) error {
	return db.Model(&domain.Job{}).Where("job_id = ?", jobID).UpdateColumn("updated_at", when).Error
}

// TestRunDeletesOnlyIdleTerminalJobRows: a terminal job
// idle past reapAge has its WorkItem/WorkflowStep rows deleted, while a
// non-terminal job's rows (even if equally old) are left alone.
func TestRunDeletesOnlyIdleTerminalJobRows(t *testing.T) {
	r, db, jobs, items, steps := newTestReaper(t)
	ctx := context.Background()

	done := &domain.Job{JobID: uuid.New(), Username: "alice", Status: domain.StatusSuccessful, Request: "https://example.com/r", Progress: 100}
	if err := jobs.Save(ctx, nil, done); err != nil {
		t.Fatalf("save done job: %v", err)
	}
	doneStep := &domain.WorkflowStep{JobID: done.JobID, StepIndex: 1, ServiceID: "transform"}
	if err := doneStep.SetDataOperation(domain.DataOperation{}); err != nil {
		t.Fatalf("set op: %v", err)
	}
	if err := steps.Save(ctx, nil, doneStep); err != nil {
		t.Fatalf("save done step: %v", err)
	}
	doneItem := &domain.WorkItem{JobID: done.JobID, ServiceID: "transform", WorkflowStepIndex: 1, Status: domain.WorkItemSuccessful}
	if err := items.Save(ctx, nil, doneItem); err != nil {
		t.Fatalf("save done item: %v", err)
	}
	if err := backdateJob(db, done.JobID, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("backdate done job: %v", err)
	}

	running := &domain.Job{JobID: uuid.New(), Username: "bob", Status: domain.StatusRunning, Request: "https://example.com/r"}
	if err := jobs.Save(ctx, nil, running); err != nil {
		t.Fatalf("save running job: %v", err)
	}
	runningStep := &domain.WorkflowStep{JobID: running.JobID, StepIndex: 1, ServiceID: "transform"}
	if err := runningStep.SetDataOperation(domain.DataOperation{}); err != nil {
		t.Fatalf("set op: %v", err)
	}
	if err := steps.Save(ctx, nil, runningStep); err != nil {
		t.Fatalf("save running step: %v", err)
	}
	runningItem := &domain.WorkItem{JobID: running.JobID, ServiceID: "transform", WorkflowStepIndex: 1, Status: domain.WorkItemRunning}
	if err := items.Save(ctx, nil, runningItem); err != nil {
		t.Fatalf("save running item: %v", err)
	}
	if err := backdateJob(db, running.JobID, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("backdate running job: %v", err)
	}

	result, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("run reaper: %v", err)
	}
	if len(result.JobIDs) != 1 || result.JobIDs[0] != done.JobID {
		t.Fatalf("expected only the terminal job reaped, got %v", result.JobIDs)
	}
	if result.WorkItemsDeleted != 1 || result.StepsDeleted != 1 {
		t.Fatalf("expected 1 item and 1 step deleted, got items=%d steps=%d", result.WorkItemsDeleted, result.StepsDeleted)
	}

	if remaining, err := items.ByID(ctx, nil, doneItem.ID, false); err != nil || remaining != nil {
		t.Fatalf("expected done job's work item deleted, got %v (err=%v)", remaining, err)
	}
	if remaining, err := items.ByID(ctx, nil, runningItem.ID, false); err != nil || remaining == nil {
		t.Fatalf("expected running job's work item untouched, got nil (err=%v)", err)
	}

	// A second pass over the same state deletes nothing further.
	second, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.WorkItemsDeleted != 0 || second.StepsDeleted != 0 {
		t.Fatalf("expected no-op second pass, got items=%d steps=%d", second.WorkItemsDeleted, second.StepsDeleted)
	}
}
