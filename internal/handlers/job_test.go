package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/geoharmony/orchestrator/internal/domain"
	"github.com/geoharmony/orchestrator/internal/logger"
	"github.com/geoharmony/orchestrator/internal/middleware"
	"github.com/geoharmony/orchestrator/internal/objectstore"
	"github.com/geoharmony/orchestrator/internal/repos"
	"github.com/geoharmony/orchestrator/internal/sharegate"
)

// allowAllGate lets every read through, mirroring the admin-bypass rule
// without needing a real permission client.
type allowAllGate struct{}

func (allowAllGate) CanRead(ctx context.Context, req sharegate.Request) (bool, error) {
	return true, nil
}

type denyAllGate struct{}

func (denyAllGate) CanRead(ctx context.Context, req sharegate.Request) (bool, error) {
	return false, nil
}

func newJobTestHandler(t *testing.T, gate sharegate.Gate) (*JobHandler, repos.JobRepo, repos.JobLinkRepo) {
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
	jobs := repos.NewJobRepo(db, log)
	steps := repos.NewWorkflowStepRepo(db, log)
	items := repos.NewWorkItemRepo(db, log)
	links := repos.NewJobLinkRepo(db, log)
	return NewJobHandler(log, db, jobs, steps, items, links, store, gate), jobs, links
}

func withIdentity(req *http.Request, user string, isAdmin bool) *http.Request {
	req.Header.Set(middleware.HeaderUser, user)
	if isAdmin {
		req.Header.Set(middleware.HeaderIsAdmin, "true")
	}
	return req
}

func TestJobHandlerGetJobNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _, _ := newJobTestHandler(t, allowAllGate{})

	r := gin.New()
	r.Use(middleware.Identity())
	r.GET("/jobs/:jobID", h.GetJob)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/jobs/"+uuid.New().String(), nil), "alice", false)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestJobHandlerGetJobInvalidID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _, _ := newJobTestHandler(t, allowAllGate{})

	r := gin.New()
	r.Use(middleware.Identity())
	r.GET("/jobs/:jobID", h.GetJob)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/jobs/not-a-uuid", nil), "alice", false)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestJobHandlerGetJobDeniedReadsAsNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, jobs, _ := newJobTestHandler(t, denyAllGate{})
	ctx := context.Background()

	job := &domain.Job{Username: "alice", Status: domain.StatusRunning, Request: "https://example.com/r"}
	if err := jobs.Save(ctx, nil, job); err != nil {
		t.Fatalf("save job: %v", err)
	}

	r := gin.New()
	r.Use(middleware.Identity())
	r.GET("/jobs/:jobID", h.GetJob)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/jobs/"+job.JobID.String(), nil), "mallory", false)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a denied read (indistinguishable from not-found), got %d", rec.Code)
	}
}

func TestJobHandlerGetJobReturnsStatusAndActions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, jobs, links := newJobTestHandler(t, allowAllGate{})
	ctx := context.Background()

	job := &domain.Job{Username: "alice", Status: domain.StatusRunning, Request: "https://example.com/r", Progress: 40}
	if err := jobs.Save(ctx, nil, job); err != nil {
		t.Fatalf("save job: %v", err)
	}
	if err := links.Append(ctx, nil, []*domain.JobLink{{JobID: job.JobID, Href: "https://example.com/out.tif", Rel: "data"}}); err != nil {
		t.Fatalf("append link: %v", err)
	}

	r := gin.New()
	r.Use(middleware.Identity())
	r.GET("/jobs/:jobID", h.GetJob)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/jobs/"+job.JobID.String(), nil), "alice", false)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestJobHandlerListJobsNonAdminScopedToSelf(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, jobs, _ := newJobTestHandler(t, allowAllGate{})
	ctx := context.Background()

	for _, u := range []string{"alice", "bob"} {
		job := &domain.Job{Username: u, Status: domain.StatusRunning, Request: "https://example.com/r"}
		if err := jobs.Save(ctx, nil, job); err != nil {
			t.Fatalf("save job: %v", err)
		}
	}

	r := gin.New()
	r.Use(middleware.Identity())
	r.GET("/jobs", h.ListJobs)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/jobs?owner=bob", nil), "alice", false)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); !strings.Contains(body, `"username":"alice"`) || strings.Contains(body, `"username":"bob"`) {
		t.Fatalf("expected non-admin ?owner= to be ignored, scoped to requesting user only, got %s", body)
	}
}

func TestJobHandlerCancelRequiresOwnerOrAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, jobs, _ := newJobTestHandler(t, allowAllGate{})
	ctx := context.Background()

	job := &domain.Job{Username: "alice", Status: domain.StatusRunning, Request: "https://example.com/r"}
	if err := jobs.Save(ctx, nil, job); err != nil {
		t.Fatalf("save job: %v", err)
	}

	r := gin.New()
	r.Use(middleware.Identity())
	r.POST("/jobs/:jobID/cancel", h.Cancel)

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/jobs/"+job.JobID.String()+"/cancel", nil), "mallory", false)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a non-owner/non-admin cancel, got %d", rec.Code)
	}

	req2 := withIdentity(httptest.NewRequest(http.MethodPost, "/jobs/"+job.JobID.String()+"/cancel", nil), "alice", false)
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for owner cancel, got %d: %s", rec2.Code, rec2.Body.String())
	}

	reloaded, err := jobs.FindByID(ctx, nil, job.JobID, false)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != domain.StatusCanceled {
		t.Fatalf("expected job CANCELED, got %s", reloaded.Status)
	}
}

func TestJobHandlerCancelRepeatIdempotentOnlyWithIgnoreRepeats(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, jobs, _ := newJobTestHandler(t, allowAllGate{})
	ctx := context.Background()

	job := &domain.Job{Username: "alice", Status: domain.StatusCanceled, Request: "https://example.com/r"}
	if err := jobs.Save(ctx, nil, job); err != nil {
		t.Fatalf("save job: %v", err)
	}

	r := gin.New()
	r.Use(middleware.Identity())
	r.POST("/jobs/:jobID/cancel", h.Cancel)

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/jobs/"+job.JobID.String()+"/cancel?ignoreRepeats=true", nil), "alice", false)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected repeat cancel with ignoreRepeats to be idempotent, got %d: %s", rec.Code, rec.Body.String())
	}

	req2 := withIdentity(httptest.NewRequest(http.MethodPost, "/jobs/"+job.JobID.String()+"/cancel", nil), "alice", false)
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusConflict {
		t.Fatalf("expected repeat cancel without ignoreRepeats to conflict, got %d: %s", rec2.Code, rec2.Body.String())
	}
}

func TestJobHandlerCancelCancelsActiveWorkItems(t *testing.T) {
	gin.SetMode(gin.TestMode)
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
	jobs := repos.NewJobRepo(db, log)
	steps := repos.NewWorkflowStepRepo(db, log)
	items := repos.NewWorkItemRepo(db, log)
	links := repos.NewJobLinkRepo(db, log)
	h := NewJobHandler(log, db, jobs, steps, items, links, store, allowAllGate{})
	ctx := context.Background()

	job := &domain.Job{Username: "alice", Status: domain.StatusRunning, Request: "https://example.com/r"}
	if err := jobs.Save(ctx, nil, job); err != nil {
		t.Fatalf("save job: %v", err)
	}
	ready := &domain.WorkItem{JobID: job.JobID, ServiceID: "transform", WorkflowStepIndex: 1, Status: domain.WorkItemReady}
	running := &domain.WorkItem{JobID: job.JobID, ServiceID: "transform", WorkflowStepIndex: 1, Status: domain.WorkItemRunning}
	finished := &domain.WorkItem{JobID: job.JobID, ServiceID: "transform", WorkflowStepIndex: 1, Status: domain.WorkItemSuccessful}
	for _, it := range []*domain.WorkItem{ready, running, finished} {
		if err := items.Save(ctx, nil, it); err != nil {
			t.Fatalf("save item: %v", err)
		}
	}

	r := gin.New()
	r.Use(middleware.Identity())
	r.POST("/jobs/:jobID/cancel", h.Cancel)

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/jobs/"+job.JobID.String()+"/cancel", nil), "alice", false)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	for _, tc := range []struct {
		item *domain.WorkItem
		want domain.WorkItemStatus
	}{
		{ready, domain.WorkItemCanceled},
		{running, domain.WorkItemCanceled},
		{finished, domain.WorkItemSuccessful},
	} {
		reloaded, err := items.ByID(ctx, nil, tc.item.ID, false)
		if err != nil {
			t.Fatalf("reload item %d: %v", tc.item.ID, err)
		}
		if reloaded.Status != tc.want {
			t.Fatalf("expected item %d to be %s after cancel, got %s", tc.item.ID, tc.want, reloaded.Status)
		}
	}
}

func TestJobHandlerGetJobRejectsInvalidLinkType(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, jobs, _ := newJobTestHandler(t, allowAllGate{})
	ctx := context.Background()

	job := &domain.Job{Username: "alice", Status: domain.StatusRunning, Request: "https://example.com/r"}
	if err := jobs.Save(ctx, nil, job); err != nil {
		t.Fatalf("save job: %v", err)
	}

	r := gin.New()
	r.Use(middleware.Identity())
	r.GET("/jobs/:jobID", h.GetJob)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/jobs/"+job.JobID.String()+"?linkType=ftp", nil), "alice", false)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid linkType, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); !strings.Contains(body, "harmony.RequestValidationError") {
		t.Fatalf("expected harmony.RequestValidationError code, got %s", body)
	}

	req2 := withIdentity(httptest.NewRequest(http.MethodGet, "/jobs/"+job.JobID.String()+"?linkType=s3", nil), "alice", false)
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 for linkType=s3, got %d: %s", rec2.Code, rec2.Body.String())
	}
}
