package deadletter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/geoharmony/orchestrator/internal/config"
	"github.com/geoharmony/orchestrator/internal/domain"
	"github.com/geoharmony/orchestrator/internal/logger"
	"github.com/geoharmony/orchestrator/internal/repos"
)

func newTestMonitor(t *testing.T) (*Monitor, repos.JobRepo) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&domain.Job{}, &domain.WorkflowStep{}, &domain.WorkItem{}, &domain.JobLink{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	jobs := repos.NewJobRepo(db, logger.Noop())
	cfg := config.Config{DeadLetterStreamName: "harmony.deadletter", DeadLetterGroupName: "harmony-workflow"}
	return NewMonitor(logger.Noop(), cfg, nil, jobs), jobs
}

func entryWithBody(t *testing.T, body string) redis.XMessage {
	t.Helper()
	return redis.XMessage{ID: "1-1", Values: map[string]interface{}{"body": body}}
}

func TestProcessFailsExistingJob(t *testing.T) {
	m, jobs := newTestMonitor(t)
	ctx := context.Background()

	job := &domain.Job{Username: "alice", Status: domain.StatusRunning, Request: "https://example.com/r"}
	if err := jobs.Save(ctx, nil, job); err != nil {
		t.Fatalf("save job: %v", err)
	}

	raw, _ := json.Marshal(message{RequestID: job.JobID})
	transient, err := m.process(ctx, entryWithBody(t, string(raw)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transient {
		t.Fatalf("expected non-transient outcome")
	}

	reloaded, err := jobs.FindByID(ctx, nil, job.JobID, false)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != domain.StatusFailed {
		t.Fatalf("expected job FAILED, got %s", reloaded.Status)
	}
	if reloaded.Message != genericFailureMessage {
		t.Fatalf("expected generic failure message, got %q", reloaded.Message)
	}
}

func TestProcessUnknownJobIsNonTransientAndNotAnError(t *testing.T) {
	m, _ := newTestMonitor(t)
	ctx := context.Background()

	raw, _ := json.Marshal(message{RequestID: uuid.New()})
	transient, err := m.process(ctx, entryWithBody(t, string(raw)))
	if err == nil {
		t.Fatalf("expected an error describing the missing job")
	}
	if transient {
		t.Fatalf("expected a missing job to be treated as non-transient (message still gets acked)")
	}
}

func TestProcessMalformedBodyIsNonTransient(t *testing.T) {
	m, _ := newTestMonitor(t)
	transient, err := m.process(context.Background(), entryWithBody(t, "not-json"))
	if err == nil {
		t.Fatalf("expected a decode error")
	}
	if transient {
		t.Fatalf("expected a malformed body to be treated as non-transient")
	}
}

func TestProcessAlreadyTerminalJobIsNoop(t *testing.T) {
	m, jobs := newTestMonitor(t)
	ctx := context.Background()

	job := &domain.Job{Username: "alice", Status: domain.StatusSuccessful, Request: "https://example.com/r"}
	if err := jobs.Save(ctx, nil, job); err != nil {
		t.Fatalf("save job: %v", err)
	}

	raw, _ := json.Marshal(message{RequestID: job.JobID})
	transient, err := m.process(ctx, entryWithBody(t, string(raw)))
	if err != nil {
		t.Fatalf("expected an already-terminal job to be treated as already handled, got err=%v", err)
	}
	if transient {
		t.Fatalf("expected non-transient outcome")
	}

	reloaded, err := jobs.FindByID(ctx, nil, job.JobID, false)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != domain.StatusSuccessful {
		t.Fatalf("expected job status to remain untouched, got %s", reloaded.Status)
	}
}

func TestIsBusyGroupErr(t *testing.T) {
	if isBusyGroupErr(nil) {
		t.Fatalf("nil should not be a BUSYGROUP error")
	}
	if !isBusyGroupErr(errBusyGroup{}) {
		t.Fatalf("expected a BUSYGROUP-containing error to be recognized")
	}
}

type errBusyGroup struct{}

func (errBusyGroup) Error() string { return "BUSYGROUP Consumer Group name already exists" }
