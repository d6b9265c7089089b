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

type WorkflowStepRepo interface {
	Save(ctx context.Context, tx *gorm.DB, step *domain.WorkflowStep) error
	SaveAll(ctx context.Context, tx *gorm.DB, steps []*domain.WorkflowStep) error
	ForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*domain.WorkflowStep, error)
	ByJobAndIndex(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepIndex int, forUpdate bool) (*domain.WorkflowStep, error)
	DecrementRemainingCount(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepIndex int) error
	UpdateWorkItemCount(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepIndex int, count int) error
	IncrementWorkItemCount(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepIndex int, delta int) error
	IDsForJobs(ctx context.Context, tx *gorm.DB, jobIDs []uuid.UUID) ([]uint64, error)
	DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []uint64) error
}

type workflowStepRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorkflowStepRepo(db *gorm.DB, baseLog *logger.Logger) WorkflowStepRepo {
	return &workflowStepRepo{db: db, log: baseLog.With("repo", "WorkflowStepRepo")}
}

func (r *workflowStepRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *workflowStepRepo) Save(ctx context.Context, tx *gorm.DB, step *domain.WorkflowStep) error {
	now := time.Now()
	conn := r.conn(tx).WithContext(ctx)
	if step.ID == 0 {
		step.CreatedAt = now
		step.UpdatedAt = now
		return conn.Create(step).Error
	}
	step.UpdatedAt = now
	return conn.Save(step).Error
}

func (r *workflowStepRepo) SaveAll(ctx context.Context, tx *gorm.DB, steps []*domain.WorkflowStep) error {
	if len(steps) == 0 {
		return nil
	}
	now := time.Now()
	for _, s := range steps {
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		if s.UpdatedAt.IsZero() {
			s.UpdatedAt = now
		}
	}
	return r.conn(tx).WithContext(ctx).Create(&steps).Error
}

func (r *workflowStepRepo) ForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) ([]*domain.WorkflowStep, error) {
	var steps []*domain.WorkflowStep
	err := r.conn(tx).WithContext(ctx).Where("job_id = ?", jobID).Order("step_index ASC").Find(&steps).Error
	return steps, err
}

func (r *workflowStepRepo) ByJobAndIndex(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepIndex int, forUpdate bool) (*domain.WorkflowStep, error) {
	conn := r.conn(tx).WithContext(ctx)
	if forUpdate {
		conn = conn.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var step domain.WorkflowStep
	err := conn.Where("job_id = ? AND step_index = ?", jobID, stepIndex).First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// DecrementRemainingCount decrements a step's expected workItemCount by one,
// floored at zero, used as successes are recorded.
func (r *workflowStepRepo) DecrementRemainingCount(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepIndex int) error {
	return r.conn(tx).WithContext(ctx).
		Model(&domain.WorkflowStep{}).
		Where("job_id = ? AND step_index = ? AND work_item_count > 0", jobID, stepIndex).
		UpdateColumn("work_item_count", gorm.Expr("work_item_count - 1")).Error
}

// UpdateWorkItemCount overwrites a step's expected count, used when the
// first-stage hit count shrinks the estimate.
func (r *workflowStepRepo) UpdateWorkItemCount(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepIndex int, count int) error {
	return r.conn(tx).WithContext(ctx).
		Model(&domain.WorkflowStep{}).
		Where("job_id = ? AND step_index = ?", jobID, stepIndex).
		Update("work_item_count", count).Error
}

// IncrementWorkItemCount adds delta (possibly negative) to a step's expected
// count, used as non-aggregating chaining fans individual items out one
// success at a time.
func (r *workflowStepRepo) IncrementWorkItemCount(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepIndex int, delta int) error {
	return r.conn(tx).WithContext(ctx).
		Model(&domain.WorkflowStep{}).
		Where("job_id = ? AND step_index = ?", jobID, stepIndex).
		UpdateColumn("work_item_count", gorm.Expr("work_item_count + ?", delta)).Error
}

func (r *workflowStepRepo) IDsForJobs(ctx context.Context, tx *gorm.DB, jobIDs []uuid.UUID) ([]uint64, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	var ids []uint64
	err := r.conn(tx).WithContext(ctx).Model(&domain.WorkflowStep{}).
		Where("job_id IN ?", jobIDs).Pluck("id", &ids).Error
	return ids, err
}

func (r *workflowStepRepo) DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.conn(tx).WithContext(ctx).Where("id IN ?", ids).Delete(&domain.WorkflowStep{}).Error
}
