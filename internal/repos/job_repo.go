// Package repos implements the transactional repositories over Jobs,
// WorkflowSteps, WorkItems, and JobLinks. Every method accepts an optional
// *gorm.DB transaction handle and falls back to the repo's own connection
// when nil.
package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/geoharmony/orchestrator/internal/domain"
	"github.com/geoharmony/orchestrator/internal/logger"
)

type Page struct {
	Limit  int
	Offset int
}

type JobFilter struct {
	Owner  string
	Status []domain.Status
}

type JobRepo interface {
	Save(ctx context.Context, tx *gorm.DB, job *domain.Job) error
	FindByID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, forUpdate bool) (*domain.Job, error)
	FindByOwnerAndRequestID(ctx context.Context, tx *gorm.DB, owner string, jobID uuid.UUID, forUpdate bool) (*domain.Job, error)
	ListJobs(ctx context.Context, tx *gorm.DB, filter JobFilter, page Page) ([]*domain.Job, int64, error)

	// NotUpdatedForMinutes returns RUNNING jobs whose updatedAt is older
	// than now-N minutes.
	NotUpdatedForMinutes(ctx context.Context, tx *gorm.DB, minutes int) ([]*domain.Job, error)

	// TerminalNotUpdatedForMinutes returns jobs in a terminal state whose
	// updatedAt is older than now-N minutes: the reaper's discovery query.
	// Never returns a non-terminal job.
	TerminalNotUpdatedForMinutes(ctx context.Context, tx *gorm.DB, minutes int) ([]*domain.Job, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{db: db, log: baseLog.With("repo", "JobRepo")}
}

func (r *jobRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

// Save assigns JobID/CreatedAt on insert, bumps UpdatedAt on update, and
// runs entity validation before writing.
func (r *jobRepo) Save(ctx context.Context, tx *gorm.DB, job *domain.Job) error {
	if job.JobID == uuid.Nil {
		job.JobID = uuid.New()
	}
	if err := job.Validate(); err != nil {
		return err
	}
	now := time.Now()
	conn := r.conn(tx).WithContext(ctx)
	if job.ID == 0 {
		job.CreatedAt = now
		job.UpdatedAt = now
		return conn.Create(job).Error
	}
	job.UpdatedAt = now
	return conn.Save(job).Error
}

func (r *jobRepo) FindByID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, forUpdate bool) (*domain.Job, error) {
	conn := r.conn(tx).WithContext(ctx)
	if forUpdate {
		conn = conn.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var job domain.Job
	err := conn.Where("job_id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.CaptureOriginalStatus()
	return &job, nil
}

func (r *jobRepo) FindByOwnerAndRequestID(ctx context.Context, tx *gorm.DB, owner string, jobID uuid.UUID, forUpdate bool) (*domain.Job, error) {
	conn := r.conn(tx).WithContext(ctx)
	if forUpdate {
		conn = conn.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var job domain.Job
	err := conn.Where("job_id = ? AND username = ?", jobID, owner).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.CaptureOriginalStatus()
	return &job, nil
}

// ListJobs returns jobs ordered by createdAt descending with a total count
// for the page.
func (r *jobRepo) ListJobs(ctx context.Context, tx *gorm.DB, filter JobFilter, page Page) ([]*domain.Job, int64, error) {
	conn := r.conn(tx).WithContext(ctx).Model(&domain.Job{})
	if filter.Owner != "" {
		conn = conn.Where("username = ?", filter.Owner)
	}
	if len(filter.Status) > 0 {
		conn = conn.Where("status IN ?", filter.Status)
	}

	var total int64
	if err := conn.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 20
	}
	var jobs []*domain.Job
	err := conn.Order("created_at DESC").Limit(limit).Offset(page.Offset).Find(&jobs).Error
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (r *jobRepo) NotUpdatedForMinutes(ctx context.Context, tx *gorm.DB, minutes int) ([]*domain.Job, error) {
	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)
	var jobs []*domain.Job
	err := r.conn(tx).WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.StatusRunning, cutoff).
		Find(&jobs).Error
	return jobs, err
}

// terminalStatuses lists every Status.Terminal() value explicitly, since
// the database can't evaluate the Go-side predicate in a WHERE clause.
var terminalStatuses = []domain.Status{
	domain.StatusSuccessful, domain.StatusCompleteWithErrors, domain.StatusFailed, domain.StatusCanceled,
}

func (r *jobRepo) TerminalNotUpdatedForMinutes(ctx context.Context, tx *gorm.DB, minutes int) ([]*domain.Job, error) {
	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)
	var jobs []*domain.Job
	err := r.conn(tx).WithContext(ctx).
		Where("status IN ? AND updated_at < ?", terminalStatuses, cutoff).
		Find(&jobs).Error
	return jobs, err
}
