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

// dispatchableJobStatuses is the set a job must be in for its READY items to
// be eligible for get-work.
var dispatchableJobStatuses = []domain.Status{
	domain.StatusAccepted, domain.StatusRunning, domain.StatusRunningWithErrors, domain.StatusPreviewing,
}

// userWait describes how recently a user received dispatch attention for
// this service (the most recent updatedAt among the user's dispatch-eligible
// jobs), the quantity fair queueing sorts by.
type userWait struct {
	Username     string
	LastDispatch time.Time
}

type WorkItemRepo interface {
	Save(ctx context.Context, tx *gorm.DB, item *domain.WorkItem) error
	SaveAll(ctx context.Context, tx *gorm.DB, items []*domain.WorkItem) error
	ByID(ctx context.Context, tx *gorm.DB, id uint64, forUpdate bool) (*domain.WorkItem, error)

	// CandidateUsers returns, for serviceID, each user with at least one
	// READY item, along with how recently that user received dispatch
	// attention: the most recent updatedAt among the user's dispatch-eligible
	// jobs holding any item of this service. Claimed items keep
	// their job in the recency computation, so a user who just received work
	// goes to the back of the queue even when that job has no READY items
	// left.
	CandidateUsers(ctx context.Context, tx *gorm.DB, serviceID string) ([]userWait, error)

	// OldestEligibleJob picks the job fair queueing should dispatch next for
	// a given user and service: the oldest job by updatedAt, with
	// synchronous jobs outranking asynchronous ones regardless of age.
	OldestEligibleJob(ctx context.Context, tx *gorm.DB, serviceID, username string) (*domain.Job, error)

	// ClaimOldestReady locks and flips the oldest READY item of (jobID,
	// serviceID) to RUNNING, setting startedAt and touching the job's
	// updatedAt, all within tx.
	ClaimOldestReady(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string) (*domain.WorkItem, error)

	CountByStepStatus(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepIndex int, status domain.WorkItemStatus) (int64, error)
	AllSucceededForStep(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepIndex int) (bool, error)

	// SuccessfulForStep returns every SUCCESSFUL item of (jobID, stepIndex),
	// oldest first, for aggregated result chaining.
	SuccessfulForStep(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepIndex int) ([]*domain.WorkItem, error)
	RemainingForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (int64, error)

	RunningOlderThan(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]*domain.WorkItem, error)
	DurationsForSuccessfulSteps(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepIndex int) ([]time.Duration, error)

	CancelReadyAndRunningForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) error

	IDsForJobs(ctx context.Context, tx *gorm.DB, jobIDs []uuid.UUID) ([]uint64, error)
	DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []uint64) error
}

type workItemRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorkItemRepo(db *gorm.DB, baseLog *logger.Logger) WorkItemRepo {
	return &workItemRepo{db: db, log: baseLog.With("repo", "WorkItemRepo")}
}

func (r *workItemRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *workItemRepo) Save(ctx context.Context, tx *gorm.DB, item *domain.WorkItem) error {
	now := time.Now()
	conn := r.conn(tx).WithContext(ctx)
	if item.ID == 0 {
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		if item.UpdatedAt.IsZero() {
			item.UpdatedAt = now
		}
		return conn.Create(item).Error
	}
	item.UpdatedAt = now
	return conn.Save(item).Error
}

func (r *workItemRepo) SaveAll(ctx context.Context, tx *gorm.DB, items []*domain.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	now := time.Now()
	for _, it := range items {
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		if it.UpdatedAt.IsZero() {
			it.UpdatedAt = now
		}
	}
	return r.conn(tx).WithContext(ctx).Create(&items).Error
}

func (r *workItemRepo) ByID(ctx context.Context, tx *gorm.DB, id uint64, forUpdate bool) (*domain.WorkItem, error) {
	conn := r.conn(tx).WithContext(ctx)
	if forUpdate {
		conn = conn.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var item domain.WorkItem
	err := conn.Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *workItemRepo) CandidateUsers(ctx context.Context, tx *gorm.DB, serviceID string) ([]userWait, error) {
	var out []userWait
	err := r.conn(tx).WithContext(ctx).
		Table("work_items AS wi").
		Select("jobs.username AS username, MAX(jobs.updated_at) AS last_dispatch").
		Joins("JOIN jobs ON jobs.job_id = wi.job_id").
		Where("wi.service_id = ? AND jobs.status IN ?", serviceID, dispatchableJobStatuses).
		Group("jobs.username").
		Having("SUM(CASE WHEN wi.status = ? THEN 1 ELSE 0 END) > 0", domain.WorkItemReady).
		Find(&out).Error
	return out, err
}

func (r *workItemRepo) OldestEligibleJob(ctx context.Context, tx *gorm.DB, serviceID, username string) (*domain.Job, error) {
	var job domain.Job
	err := r.conn(tx).WithContext(ctx).
		Table("jobs").
		Select("jobs.*").
		Joins("JOIN work_items ON work_items.job_id = jobs.job_id").
		Where("jobs.username = ? AND jobs.status IN ? AND work_items.status = ? AND work_items.service_id = ?",
			username, dispatchableJobStatuses, domain.WorkItemReady, serviceID).
		Group("jobs.id").
		// Synchronous jobs outrank asynchronous ones regardless of age;
		// within a priority tier the oldest (by updatedAt) wins.
		Order("jobs.is_async ASC, jobs.updated_at ASC").
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (r *workItemRepo) ClaimOldestReady(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, serviceID string) (*domain.WorkItem, error) {
	conn := r.conn(tx).WithContext(ctx)
	var item domain.WorkItem
	err := conn.
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("job_id = ? AND service_id = ? AND status = ?", jobID, serviceID, domain.WorkItemReady).
		Order("created_at ASC").
		Limit(1).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	item.Status = domain.WorkItemRunning
	item.StartedAt = &now
	item.UpdatedAt = now
	if err := conn.Save(&item).Error; err != nil {
		return nil, err
	}
	if err := conn.Model(&domain.Job{}).Where("job_id = ?", jobID).Update("updated_at", now).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *workItemRepo) CountByStepStatus(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepIndex int, status domain.WorkItemStatus) (int64, error) {
	var count int64
	err := r.conn(tx).WithContext(ctx).Model(&domain.WorkItem{}).
		Where("job_id = ? AND workflow_step_index = ? AND status = ?", jobID, stepIndex, status).
		Count(&count).Error
	return count, err
}

// AllSucceededForStep reports whether every WorkItem of (jobID, stepIndex)
// has reached SUCCESSFUL or FAILED (none remain READY/RUNNING): the
// "every WorkItem of the step has reached SUCCESSFUL" aggregation gate,
// widened to also treat a FAILED terminal item as having "reached" its
// terminal state so an ignoreErrors job's aggregation isn't stuck forever
// waiting on an item that will never succeed.
func (r *workItemRepo) AllSucceededForStep(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepIndex int) (bool, error) {
	var pending int64
	err := r.conn(tx).WithContext(ctx).Model(&domain.WorkItem{}).
		Where("job_id = ? AND workflow_step_index = ? AND status IN ?", jobID, stepIndex, []domain.WorkItemStatus{domain.WorkItemReady, domain.WorkItemRunning}).
		Count(&pending).Error
	if err != nil {
		return false, err
	}
	return pending == 0, nil
}

func (r *workItemRepo) SuccessfulForStep(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepIndex int) ([]*domain.WorkItem, error) {
	var items []*domain.WorkItem
	err := r.conn(tx).WithContext(ctx).
		Where("job_id = ? AND workflow_step_index = ? AND status = ?", jobID, stepIndex, domain.WorkItemSuccessful).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

func (r *workItemRepo) RemainingForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (int64, error) {
	var count int64
	err := r.conn(tx).WithContext(ctx).Model(&domain.WorkItem{}).
		Where("job_id = ? AND status IN ?", jobID, []domain.WorkItemStatus{domain.WorkItemReady, domain.WorkItemRunning}).
		Count(&count).Error
	return count, err
}

func (r *workItemRepo) RunningOlderThan(ctx context.Context, tx *gorm.DB, cutoff time.Time) ([]*domain.WorkItem, error) {
	var items []*domain.WorkItem
	err := r.conn(tx).WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.WorkItemRunning, cutoff).
		Find(&items).Error
	return items, err
}

func (r *workItemRepo) DurationsForSuccessfulSteps(ctx context.Context, tx *gorm.DB, jobID uuid.UUID, stepIndex int) ([]time.Duration, error) {
	var items []*domain.WorkItem
	err := r.conn(tx).WithContext(ctx).
		Where("job_id = ? AND workflow_step_index = ? AND status = ?", jobID, stepIndex, domain.WorkItemSuccessful).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	out := make([]time.Duration, 0, len(items))
	for _, it := range items {
		out = append(out, it.Duration)
	}
	return out, nil
}

// CancelReadyAndRunningForJob cancels every READY/RUNNING item of a job in
// one statement, used when a job fails or is canceled.
func (r *workItemRepo) CancelReadyAndRunningForJob(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) error {
	return r.conn(tx).WithContext(ctx).Model(&domain.WorkItem{}).
		Where("job_id = ? AND status IN ?", jobID, []domain.WorkItemStatus{domain.WorkItemReady, domain.WorkItemRunning}).
		Updates(map[string]interface{}{"status": domain.WorkItemCanceled, "updated_at": time.Now()}).Error
}

func (r *workItemRepo) IDsForJobs(ctx context.Context, tx *gorm.DB, jobIDs []uuid.UUID) ([]uint64, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	var ids []uint64
	err := r.conn(tx).WithContext(ctx).Model(&domain.WorkItem{}).
		Where("job_id IN ?", jobIDs).Pluck("id", &ids).Error
	return ids, err
}

func (r *workItemRepo) DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	return r.conn(tx).WithContext(ctx).Where("id IN ?", ids).Delete(&domain.WorkItem{}).Error
}
