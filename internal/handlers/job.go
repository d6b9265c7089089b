package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/geoharmony/orchestrator/internal/apierr"
	"github.com/geoharmony/orchestrator/internal/domain"
	"github.com/geoharmony/orchestrator/internal/logger"
	"github.com/geoharmony/orchestrator/internal/middleware"
	"github.com/geoharmony/orchestrator/internal/objectstore"
	"github.com/geoharmony/orchestrator/internal/repos"
	"github.com/geoharmony/orchestrator/internal/sharegate"
	"github.com/geoharmony/orchestrator/internal/statemachine"
)

// JobHandler implements the job status/list/admin-action surface.
type JobHandler struct {
	log   *logger.Logger
	db    *gorm.DB
	jobs  repos.JobRepo
	steps repos.WorkflowStepRepo
	items repos.WorkItemRepo
	links repos.JobLinkRepo
	store objectstore.Store
	gate  sharegate.Gate

	linkSignExpiry  time.Duration
	defaultPageSize int
}

func NewJobHandler(log *logger.Logger, db *gorm.DB, jobs repos.JobRepo, steps repos.WorkflowStepRepo, items repos.WorkItemRepo, links repos.JobLinkRepo, store objectstore.Store, gate sharegate.Gate) *JobHandler {
	return &JobHandler{
		log:            log.With("component", "JobHandler"),
		db:             db,
		jobs:           jobs,
		steps:          steps,
		items:          items,
		links:          links,
		store:          store,
		gate:            gate,
		linkSignExpiry:  time.Hour,
		defaultPageSize: 20,
	}
}

// WithDefaultPageSize overrides the default page size for link and job
// listings (the defaultResultPageSize configuration value).
func (h *JobHandler) WithDefaultPageSize(n int) *JobHandler {
	if n > 0 {
		h.defaultPageSize = n
	}
	return h
}

// jobLinkView is a JobLink reshaped per the linkType selector.
type jobLinkView struct {
	Href     string `json:"href"`
	Title    string `json:"title,omitempty"`
	Type     string `json:"type,omitempty"`
	Rel      string `json:"rel"`
	BBox     string `json:"bbox,omitempty"`
	Temporal string `json:"temporal,omitempty"`
}

// jobStatusView is the wire shape of a job status read: the job's
// public fields, its output links, and the actions currently valid from
// its status (exposed via statemachine.ValidEventsFor).
type jobStatusView struct {
	JobID            uuid.UUID     `json:"jobID"`
	Username         string        `json:"username"`
	Status           domain.Status `json:"status"`
	Message          string        `json:"message"`
	Progress         int           `json:"progress"`
	NumInputGranules int           `json:"numInputGranules"`
	Request          string        `json:"request"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
	Links            []jobLinkView `json:"links"`
	Actions          []string      `json:"actions"`
}

func parseJobID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apierr.Validationf("Invalid format for Job ID '%s'. Job ID must be a UUID.", raw)
	}
	return id, nil
}

// authorizeRead loads job and enforces share-gate read access, returning the
// *apierr.Error ready to render on denial/not-found.
func (h *JobHandler) authorizeRead(c *gin.Context, jobID uuid.UUID) (*domain.Job, error) {
	job, err := h.jobs.FindByID(c.Request.Context(), nil, jobID, false)
	if err != nil {
		return nil, apierr.Service(err)
	}
	if job == nil {
		return nil, apierr.NotFound(fmt.Errorf("job %s not found", jobID))
	}

	collectionIDs, err := domain.DecodeCollectionIDs(job.CollectionIDs)
	if err != nil {
		return nil, apierr.Service(err)
	}

	allowed, err := h.gate.CanRead(c.Request.Context(), sharegate.Request{
		Job: sharegate.Job{
			Owner:         job.Username,
			CollectionIDs: collectionIDs,
		},
		RequestingUser: middleware.RequestingUser(c),
		IsAdmin:        middleware.IsAdmin(c),
	})
	if err != nil {
		return nil, apierr.Service(err)
	}
	if !allowed {
		return nil, apierr.NotFound(fmt.Errorf("job %s not found", jobID))
	}
	return job, nil
}

// renderLink reshapes a JobLink per the ?linkType= selector: "s3" rewrites
// to the raw object-store key, "none" drops the href entirely, and
// anything else (the default) re-signs an http(s) download URL so links
// never go stale past their original signature's expiry.
func (h *JobHandler) renderLink(link *domain.JobLink, linkType string) jobLinkView {
	v := jobLinkView{
		Title:    link.Title,
		Type:     link.Type,
		Rel:      link.Rel,
		BBox:     link.BBox,
		Temporal: link.Temporal,
	}
	switch {
	case link.Rel == "s3-access":
		// S3-native links are preserved as stored regardless of linkType.
		v.Href = link.Href
	case linkType == "none":
		// href omitted.
	case linkType == "s3":
		v.Href = "s3://" + link.Key
	default:
		href := link.Href
		if link.Key != "" && h.store != nil {
			if signed, err := h.store.Sign(link.Key, h.linkSignExpiry); err == nil {
				href = signed
			}
		}
		v.Href = href
	}
	return v
}

// GetJob handles GET /jobs/:jobID.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := parseJobID(c.Param("jobID"))
	if err != nil {
		RespondError(c, err)
		return
	}
	job, err := h.authorizeRead(c, jobID)
	if err != nil {
		RespondError(c, err)
		return
	}

	linkType, err := parseLinkType(c)
	if err != nil {
		RespondError(c, err)
		return
	}
	links, _, err := h.links.ForJob(c.Request.Context(), nil, jobID, repos.Page{Limit: 10000}, "", false)
	if err != nil {
		RespondError(c, apierr.Service(err))
		return
	}
	views := make([]jobLinkView, 0, len(links))
	for _, l := range links {
		views = append(views, h.renderLink(l, linkType))
	}

	actions := make([]string, 0)
	for _, ev := range statemachine.ValidEventsFor(job) {
		actions = append(actions, string(ev))
	}

	RespondOK(c, jobStatusView{
		JobID:            job.JobID,
		Username:         job.Username,
		Status:           job.Status,
		Message:          job.Message,
		Progress:         job.Progress,
		NumInputGranules: job.NumInputGranules,
		Request:          job.Request,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
		Links:            views,
		Actions:          actions,
	})
}

// ListJobs handles GET /jobs. Non-admins are always scoped to their own
// username regardless of an ?owner= query param; a user can never
// enumerate another user's jobs through the list endpoint.
func (h *JobHandler) ListJobs(c *gin.Context) {
	owner := middleware.RequestingUser(c)
	if middleware.IsAdmin(c) {
		if q := c.Query("owner"); q != "" {
			owner = q
		} else {
			owner = ""
		}
	}

	limit, offset, err := parsePagination(c, h.defaultPageSize, 1, 2000)
	if err != nil {
		RespondError(c, err)
		return
	}

	jobs, total, err := h.jobs.ListJobs(c.Request.Context(), nil, repos.JobFilter{Owner: owner}, repos.Page{Limit: limit, Offset: offset})
	if err != nil {
		RespondError(c, apierr.Service(err))
		return
	}

	out := make([]gin.H, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, gin.H{
			"jobID":    job.JobID,
			"username": job.Username,
			"status":   job.Status,
			"message":  job.Message,
			"progress": job.Progress,
		})
	}
	RespondOK(c, gin.H{"jobs": out, "total": total, "limit": limit, "offset": offset})
}

// parsePagination parses ?limit=&offset=, applying a default and bounds.
func parsePagination(c *gin.Context, def, min, max int) (limit, offset int, err error) {
	limit = def
	if q := c.Query("limit"); q != "" {
		n, parseErr := strconv.Atoi(q)
		if parseErr != nil || n < min || n > max {
			return 0, 0, apierr.Validationf("limit must be an integer between %d and %d", min, max)
		}
		limit = n
	}
	if q := c.Query("offset"); q != "" {
		n, parseErr := strconv.Atoi(q)
		if parseErr != nil || n < 0 {
			return 0, 0, apierr.Validationf("offset must be a non-negative integer")
		}
		offset = n
	}
	return limit, offset, nil
}

// action applies a single statemachine event to the job identified by
// :jobID, requiring admin or owner. The load, transition, and
// any follow-on writes (canceling work items, refreshing step credentials)
// share one transaction under the job's row lock.
func (h *JobHandler) action(c *gin.Context, event statemachine.Event, opts statemachine.Options) {
	jobID, err := parseJobID(c.Param("jobID"))
	if err != nil {
		RespondError(c, err)
		return
	}
	ctx := c.Request.Context()

	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := h.jobs.FindByID(ctx, tx, jobID, true)
		if err != nil {
			return apierr.Service(err)
		}
		if job == nil {
			return apierr.NotFound(fmt.Errorf("job %s not found", jobID))
		}
		if !middleware.IsAdmin(c) && middleware.RequestingUser(c) != job.Username {
			return apierr.NotFound(fmt.Errorf("job %s not found", jobID))
		}

		opts.IgnoreErrors = job.IgnoreErrors
		updated, err := statemachine.ApplyEvent(job, event, opts)
		if err != nil {
			return err
		}
		if err := h.jobs.Save(ctx, tx, updated); err != nil {
			return apierr.Service(err)
		}

		if event == statemachine.EventCancel && updated.Status == domain.StatusCanceled {
			if err := h.items.CancelReadyAndRunningForJob(ctx, tx, jobID); err != nil {
				return apierr.Service(err)
			}
		}

		if event == statemachine.EventResume || event == statemachine.EventSkipPreview {
			if err := h.refreshStepCredentials(c, tx, jobID); err != nil {
				return apierr.Service(err)
			}
		}
		return nil
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// refreshStepCredentials rewrites the access token carried by every step's
// operation template from the caller's forwarded credential; every other
// operation field is left untouched.
func (h *JobHandler) refreshStepCredentials(c *gin.Context, tx *gorm.DB, jobID uuid.UUID) error {
	token := middleware.AccessToken(c)
	if token == "" {
		return nil
	}
	steps, err := h.steps.ForJob(c.Request.Context(), tx, jobID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		op, err := step.DataOperation()
		if err != nil {
			return fmt.Errorf("decode operation for step %d of job %s: %w", step.StepIndex, jobID, err)
		}
		if err := step.SetDataOperation(op.WithRefreshedAccessToken(token)); err != nil {
			return fmt.Errorf("encode operation for step %d of job %s: %w", step.StepIndex, jobID, err)
		}
		if err := h.steps.Save(c.Request.Context(), tx, step); err != nil {
			return err
		}
	}
	return nil
}

func (h *JobHandler) Cancel(c *gin.Context) {
	h.action(c, statemachine.EventCancel, statemachine.Options{IgnoreRepeats: c.Query("ignoreRepeats") == "true"})
}

func (h *JobHandler) Pause(c *gin.Context) {
	h.action(c, statemachine.EventPause, statemachine.Options{})
}

func (h *JobHandler) Resume(c *gin.Context) {
	h.action(c, statemachine.EventResume, statemachine.Options{})
}

func (h *JobHandler) SkipPreview(c *gin.Context) {
	h.action(c, statemachine.EventSkipPreview, statemachine.Options{})
}
