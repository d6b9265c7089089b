package dispatch

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/geoharmony/orchestrator/internal/config"
	"github.com/geoharmony/orchestrator/internal/domain"
	"github.com/geoharmony/orchestrator/internal/logger"
	"github.com/geoharmony/orchestrator/internal/objectstore"
	"github.com/geoharmony/orchestrator/internal/repos"
)

type harness struct {
	db      *gorm.DB
	jobs    repos.JobRepo
	steps   repos.WorkflowStepRepo
	items   repos.WorkItemRepo
	links   repos.JobLinkRepo
	store   objectstore.Store
	cfg     config.Config
	engine  *Engine
	chainer *Chainer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&domain.Job{}, &domain.WorkflowStep{}, &domain.WorkItem{}, &domain.JobLink{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := logger.Noop()
	store, err := objectstore.NewLocalStore(log, t.TempDir(), objectstore.NewLinkSigner("test-secret"))
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}

	cfg := config.Config{
		WorkItemRetryLimit:              2,
		AggregateStacCatalogMaxPageSize: 2000,
	}

	jobs := repos.NewJobRepo(db, log)
	steps := repos.NewWorkflowStepRepo(db, log)
	items := repos.NewWorkItemRepo(db, log)
	links := repos.NewJobLinkRepo(db, log)

	chainer := NewChainer(log, cfg, store, jobs, steps, items, links)
	engine := NewEngine(log, db, cfg, jobs, steps, items, links, chainer)

	return &harness{db: db, jobs: jobs, steps: steps, items: items, links: links, store: store, cfg: cfg, engine: engine, chainer: chainer}
}

func (h *harness) newJob(t *testing.T, numInputGranules int) *domain.Job {
	t.Helper()
	job := &domain.Job{
		JobID:            uuid.New(),
		Username:         "alice",
		Status:           domain.StatusRunning,
		NumInputGranules: numInputGranules,
		Request:          "https://example.com/request",
	}
	if err := h.jobs.Save(context.Background(), nil, job); err != nil {
		t.Fatalf("save job: %v", err)
	}
	return job
}

func (h *harness) newStep(t *testing.T, jobID uuid.UUID, stepIndex int, serviceID string, aggregated bool) *domain.WorkflowStep {
	t.Helper()
	step := &domain.WorkflowStep{
		JobID:               jobID,
		StepIndex:           stepIndex,
		ServiceID:           serviceID,
		HasAggregatedOutput: aggregated,
	}
	if err := step.SetDataOperation(domain.DataOperation{}); err != nil {
		t.Fatalf("set data operation: %v", err)
	}
	if err := h.steps.Save(context.Background(), nil, step); err != nil {
		t.Fatalf("save step: %v", err)
	}
	return step
}

func (h *harness) newReadyItem(t *testing.T, jobID uuid.UUID, stepIndex int, serviceID string) *domain.WorkItem {
	t.Helper()
	item := &domain.WorkItem{
		JobID:             jobID,
		ServiceID:         serviceID,
		WorkflowStepIndex: stepIndex,
		Status:            domain.WorkItemReady,
	}
	if err := h.items.Save(context.Background(), nil, item); err != nil {
		t.Fatalf("save item: %v", err)
	}
	return item
}

func (h *harness) reloadJob(t *testing.T, jobID uuid.UUID) *domain.Job {
	t.Helper()
	job, err := h.jobs.FindByID(context.Background(), nil, jobID, false)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if job == nil {
		t.Fatalf("job %s not found", jobID)
	}
	return job
}

func (h *harness) mergeWorkItem(ctx context.Context, jobID uuid.UUID) (*domain.WorkItem, error) {
	var items []*domain.WorkItem
	err := h.db.WithContext(ctx).Where("job_id = ? AND workflow_step_index = ?", jobID, 2).Find(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

func (h *harness) reloadItem(t *testing.T, id uint64) *domain.WorkItem {
	t.Helper()
	item, err := h.items.ByID(context.Background(), nil, id, false)
	if err != nil {
		t.Fatalf("reload item: %v", err)
	}
	if item == nil {
		t.Fatalf("item %d not found", id)
	}
	return item
}
