package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/geoharmony/orchestrator/internal/domain"
	"github.com/geoharmony/orchestrator/internal/logger"
)

type JobLinkRepo interface {
	Append(ctx context.Context, tx *gorm.DB, links []*domain.JobLink) error
	ForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, page Page, rel string, spatioTemporalOnly bool) ([]*domain.JobLink, int64, error)
	DeleteForJobs(ctx context.Context, tx *gorm.DB, jobIDs []uuid.UUID) error
}

type jobLinkRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobLinkRepo(db *gorm.DB, baseLog *logger.Logger) JobLinkRepo {
	return &jobLinkRepo{db: db, log: baseLog.With("repo", "JobLinkRepo")}
}

func (r *jobLinkRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

// Append adds links to a job's result set. Links are append-only during a
// job's active life.
func (r *jobLinkRepo) Append(ctx context.Context, tx *gorm.DB, links []*domain.JobLink) error {
	if len(links) == 0 {
		return nil
	}
	now := time.Now()
	for _, l := range links {
		l.CreatedAt = now
	}
	return r.conn(tx).WithContext(ctx).Create(&links).Error
}

func (r *jobLinkRepo) ForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, page Page, rel string, spatioTemporalOnly bool) ([]*domain.JobLink, int64, error) {
	conn := r.conn(tx).WithContext(ctx).Model(&domain.JobLink{}).Where("job_id = ?", jobID)
	if rel != "" {
		conn = conn.Where("rel = ?", rel)
	}
	if spatioTemporalOnly {
		conn = conn.Where("bbox <> '' OR temporal <> ''")
	}
	var total int64
	if err := conn.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	limit := page.Limit
	if limit <= 0 {
		limit = 20
	}
	var links []*domain.JobLink
	err := conn.Order("id ASC").Limit(limit).Offset(page.Offset).Find(&links).Error
	if err != nil {
		return nil, 0, err
	}
	return links, total, nil
}

// DeleteForJobs removes the links belonging to the given jobs; used by the
// reaper.
func (r *jobLinkRepo) DeleteForJobs(ctx context.Context, tx *gorm.DB, jobIDs []uuid.UUID) error {
	if len(jobIDs) == 0 {
		return nil
	}
	return r.conn(tx).WithContext(ctx).Where("job_id IN ?", jobIDs).Delete(&domain.JobLink{}).Error
}
