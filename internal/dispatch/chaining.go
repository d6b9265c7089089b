package dispatch

import (
	"context"
	"fmt"
	"math"
	"path"
	"time"

	"gorm.io/gorm"

	"github.com/geoharmony/orchestrator/internal/config"
	"github.com/geoharmony/orchestrator/internal/domain"
	"github.com/geoharmony/orchestrator/internal/logger"
	"github.com/geoharmony/orchestrator/internal/objectstore"
	"github.com/geoharmony/orchestrator/internal/repos"
	"github.com/geoharmony/orchestrator/internal/statemachine"
)

const noCatalogsMessage = "could not create the next work items for the request"

// CompletionPolicy decides which terminal event a job takes once its
// terminal step has exhausted every item: SUCCESSFUL or
// COMPLETE_WITH_ERRORS. Injectable; the default below is one reasonable
// choice, not the only one.
type CompletionPolicy func(job *domain.Job) statemachine.Event

// DefaultCompletionPolicy coarsens to COMPLETE_WITH_ERRORS if the job ever
// recorded a permanent WorkItem failure while ignoreErrors was set, even if
// every terminal-step item ultimately succeeded.
func DefaultCompletionPolicy(job *domain.Job) statemachine.Event {
	if job.HadFailureUnderIgnoreErrors {
		return statemachine.EventCompleteWithErrors
	}
	return statemachine.EventComplete
}

// Chainer turns a succeeded WorkItem's output catalogs
// into the next step's WorkItems, streaming for non-aggregating steps and
// deferred/paginated for aggregating ones, and finalizing the job once its
// terminal step is exhausted.
type Chainer struct {
	log   *logger.Logger
	cfg   config.Config
	store objectstore.Store
	jobs  repos.JobRepo
	steps repos.WorkflowStepRepo
	items repos.WorkItemRepo
	links repos.JobLinkRepo

	completionPolicy CompletionPolicy
}

func NewChainer(log *logger.Logger, cfg config.Config, store objectstore.Store, jobs repos.JobRepo, steps repos.WorkflowStepRepo, items repos.WorkItemRepo, links repos.JobLinkRepo) *Chainer {
	return &Chainer{
		log:              log.With("component", "ResultChainer"),
		cfg:              cfg,
		store:            store,
		jobs:             jobs,
		steps:            steps,
		items:            items,
		links:            links,
		completionPolicy: DefaultCompletionPolicy,
	}
}

// WithCompletionPolicy overrides the default terminal-event policy.
func (c *Chainer) WithCompletionPolicy(policy CompletionPolicy) *Chainer {
	c.completionPolicy = policy
	return c
}

// OnSuccess runs result chaining for a just-succeeded item, within the
// caller's transaction.
func (c *Chainer) OnSuccess(ctx context.Context, tx *gorm.DB, job *domain.Job, item *domain.WorkItem) error {
	uris, err := item.OutputURIs()
	if err != nil {
		return fmt.Errorf("decode output uris for item %d: %w", item.ID, err)
	}

	if item.WorkflowStepIndex == queryIndexStepIndex {
		if len(uris) == 0 {
			return c.failNoCatalogs(ctx, tx, job)
		}
		if err := c.reconcileHitCount(ctx, tx, job, item); err != nil {
			return fmt.Errorf("reconcile hit count for job %s: %w", job.JobID, err)
		}
	}

	nextIndex := item.WorkflowStepIndex + 1
	nextStep, err := c.steps.ByJobAndIndex(ctx, tx, job.JobID, nextIndex, true)
	if err != nil {
		return fmt.Errorf("load step %d of job %s: %w", nextIndex, job.JobID, err)
	}

	if nextStep == nil {
		return c.finalizeTerminalItem(ctx, tx, job, item)
	}

	if !nextStep.HasAggregatedOutput {
		return c.chainPerItem(ctx, tx, job, nextStep, uris)
	}
	return c.chainAggregated(ctx, tx, job, item.WorkflowStepIndex, nextStep)
}

// chainPerItem creates one new WorkItem at nextStep per output catalog URI.
func (c *Chainer) chainPerItem(ctx context.Context, tx *gorm.DB, job *domain.Job, nextStep *domain.WorkflowStep, uris []string) error {
	if len(uris) == 0 {
		return nil
	}
	now := time.Now()
	newItems := make([]*domain.WorkItem, 0, len(uris))
	for _, uri := range uris {
		newItems = append(newItems, &domain.WorkItem{
			JobID:               job.JobID,
			ServiceID:           nextStep.ServiceID,
			WorkflowStepIndex:   nextStep.StepIndex,
			Status:              domain.WorkItemReady,
			StacCatalogLocation: uri,
			CreatedAt:           now,
			UpdatedAt:           now,
		})
	}
	if err := c.items.SaveAll(ctx, tx, newItems); err != nil {
		return fmt.Errorf("create step %d work items: %w", nextStep.StepIndex, err)
	}
	return c.steps.IncrementWorkItemCount(ctx, tx, job.JobID, nextStep.StepIndex, len(newItems))
}

// chainAggregated defers until every WorkItem of the current step has
// reached SUCCESSFUL, then concatenates their catalogs, pages the result,
// and creates exactly one new WorkItem at nextStep pointing at the head
// page.
func (c *Chainer) chainAggregated(ctx context.Context, tx *gorm.DB, job *domain.Job, currentStepIndex int, nextStep *domain.WorkflowStep) error {
	allDone, err := c.items.AllSucceededForStep(ctx, tx, job.JobID, currentStepIndex)
	if err != nil {
		return fmt.Errorf("check completion of step %d: %w", currentStepIndex, err)
	}
	if !allDone {
		return nil
	}

	succeeded, err := c.items.SuccessfulForStep(ctx, tx, job.JobID, currentStepIndex)
	if err != nil {
		return fmt.Errorf("list successful items of step %d: %w", currentStepIndex, err)
	}

	var allItems []string
	for _, it := range succeeded {
		uris, err := it.OutputURIs()
		if err != nil {
			return fmt.Errorf("decode output uris for item %d: %w", it.ID, err)
		}
		for _, uri := range uris {
			cat, err := readCatalog(ctx, c.store, uri)
			if err != nil {
				return err
			}
			allItems = append(allItems, cat.Items...)
		}
	}

	keyForPage := func(pageIndex int) string {
		return path.Join("jobs", job.JobID.String(), "steps", fmt.Sprintf("%d", nextStep.StepIndex), fmt.Sprintf("aggregate-%d.json", pageIndex))
	}
	pages := paginateCatalogs(keyForPage, allItems, c.cfg.AggregateStacCatalogMaxPageSize)
	for i, page := range pages {
		if err := writeCatalog(ctx, c.store, keyForPage(i), page); err != nil {
			return fmt.Errorf("write aggregate catalog page %d for step %d: %w", i, nextStep.StepIndex, err)
		}
	}

	now := time.Now()
	newItem := &domain.WorkItem{
		JobID:               job.JobID,
		ServiceID:           nextStep.ServiceID,
		WorkflowStepIndex:   nextStep.StepIndex,
		Status:              domain.WorkItemReady,
		StacCatalogLocation: keyForPage(0),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := c.items.Save(ctx, tx, newItem); err != nil {
		return fmt.Errorf("create aggregated work item for step %d: %w", nextStep.StepIndex, err)
	}
	return c.steps.UpdateWorkItemCount(ctx, tx, job.JobID, nextStep.StepIndex, 1)
}

// reconcileHitCount applies the "different total hit count" edge case: a
// smaller reported hit count shrinks numInputGranules and the next
// step's workItemCount; a larger one is ignored.
func (c *Chainer) reconcileHitCount(ctx context.Context, tx *gorm.DB, job *domain.Job, item *domain.WorkItem) error {
	if item.Hits == nil || *item.Hits >= job.NumInputGranules {
		return nil
	}
	diff := job.NumInputGranules - *item.Hits
	job.NumInputGranules = *item.Hits
	if err := c.jobs.Save(ctx, tx, job); err != nil {
		return fmt.Errorf("shrink numInputGranules: %w", err)
	}

	nextStep, err := c.steps.ByJobAndIndex(ctx, tx, job.JobID, item.WorkflowStepIndex+1, true)
	if err != nil {
		return err
	}
	if nextStep == nil {
		return nil
	}
	newCount := nextStep.WorkItemCount - diff
	if newCount < 0 {
		newCount = 0
	}
	return c.steps.UpdateWorkItemCount(ctx, tx, job.JobID, nextStep.StepIndex, newCount)
}

// failNoCatalogs fails the job when the first-stage query-index item
// produced no output catalogs at all.
func (c *Chainer) failNoCatalogs(ctx context.Context, tx *gorm.DB, job *domain.Job) error {
	updated, err := statemachine.ApplyEvent(job, statemachine.EventFail, statemachine.Options{})
	if err != nil {
		return fmt.Errorf("apply FAIL to job %s: %w", job.JobID, err)
	}
	updated.Message = noCatalogsMessage
	if err := c.jobs.Save(ctx, tx, updated); err != nil {
		return fmt.Errorf("save failed job %s: %w", job.JobID, err)
	}
	return c.items.CancelReadyAndRunningForJob(ctx, tx, job.JobID)
}

// finalizeTerminalItem handles a success at the job's terminal step: append
// its outputs to the job's links, advance progress, and complete the job
// once the terminal step has exhausted every item.
func (c *Chainer) finalizeTerminalItem(ctx context.Context, tx *gorm.DB, job *domain.Job, item *domain.WorkItem) error {
	uris, err := item.OutputURIs()
	if err != nil {
		return fmt.Errorf("decode output uris for item %d: %w", item.ID, err)
	}
	if len(uris) > 0 {
		now := time.Now()
		newLinks := make([]*domain.JobLink, 0, len(uris))
		for _, uri := range uris {
			href, err := c.store.Sign(uri, 24*time.Hour)
			if err != nil {
				return fmt.Errorf("sign output link %s: %w", uri, err)
			}
			newLinks = append(newLinks, &domain.JobLink{
				JobID:     job.JobID,
				Href:      href,
				Key:       uri,
				Rel:       "data",
				CreatedAt: now,
			})
		}
		if err := c.links.Append(ctx, tx, newLinks); err != nil {
			return fmt.Errorf("append job links for job %s: %w", job.JobID, err)
		}
	}

	job.BatchesCompleted++

	terminalStep, err := c.steps.ByJobAndIndex(ctx, tx, job.JobID, item.WorkflowStepIndex, true)
	if err != nil {
		return fmt.Errorf("load terminal step %d of job %s: %w", item.WorkflowStepIndex, job.JobID, err)
	}
	successfulCount, err := c.items.CountByStepStatus(ctx, tx, job.JobID, item.WorkflowStepIndex, domain.WorkItemSuccessful)
	if err != nil {
		return fmt.Errorf("count successful terminal items for job %s: %w", job.JobID, err)
	}
	expected := successfulCount
	if terminalStep != nil {
		expected += int64(terminalStep.WorkItemCount)
	}
	if expected > 0 {
		computed := int(math.Round(100 * float64(successfulCount) / float64(expected)))
		if computed > job.Progress {
			job.Progress = computed
		}
	}

	allDone, err := c.items.AllSucceededForStep(ctx, tx, job.JobID, item.WorkflowStepIndex)
	if err != nil {
		return fmt.Errorf("check terminal step completion for job %s: %w", job.JobID, err)
	}
	if !allDone {
		return c.jobs.Save(ctx, tx, job)
	}

	// One s3-access link per job, added alongside the final data links so
	// consumers can reach the whole staging prefix natively.
	prefix := path.Join("jobs", job.JobID.String()) + "/"
	if err := c.links.Append(ctx, tx, []*domain.JobLink{{
		JobID: job.JobID,
		Href:  "s3://" + prefix,
		Key:   prefix,
		Title: "Results in AWS S3",
		Rel:   "s3-access",
	}}); err != nil {
		return fmt.Errorf("append s3-access link for job %s: %w", job.JobID, err)
	}

	event := c.completionPolicy(job)
	updated, err := statemachine.ApplyEvent(job, event, statemachine.Options{IgnoreErrors: job.IgnoreErrors})
	if err != nil {
		return fmt.Errorf("apply %s to job %s: %w", event, job.JobID, err)
	}
	return c.jobs.Save(ctx, tx, updated)
}
