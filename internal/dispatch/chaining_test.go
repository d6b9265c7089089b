package dispatch

import (
	"bytes"
	"context"
	"testing"

	"github.com/geoharmony/orchestrator/internal/domain"
)

// TestAggregationWithPaging exercises scenario 4: two items at a step each
// producing one catalog entry chain into a paginated aggregate when the
// next step's page size is 1, with prev/next links stitching the pages.
func TestAggregationWithPaging(t *testing.T) {
	h := newHarness(t)
	h.cfg.AggregateStacCatalogMaxPageSize = 1
	h.chainer = NewChainer(h.chainer.log, h.cfg, h.store, h.jobs, h.steps, h.items, h.links)
	ctx := context.Background()

	job := h.newJob(t, 2)
	h.newStep(t, job.JobID, 1, "transform", false)
	h.newStep(t, job.JobID, 2, "merge", true)

	itemA := h.newReadyItem(t, job.JobID, 1, "transform")
	itemB := h.newReadyItem(t, job.JobID, 1, "transform")

	if err := h.store.PutObject(ctx, "cat-a.json", bytes.NewReader([]byte(`{"items":["granule-a"]}`)), "application/json"); err != nil {
		t.Fatalf("seed catalog a: %v", err)
	}
	if err := h.store.PutObject(ctx, "cat-b.json", bytes.NewReader([]byte(`{"items":["granule-b"]}`)), "application/json"); err != nil {
		t.Fatalf("seed catalog b: %v", err)
	}

	itemA.Status = domain.WorkItemSuccessful
	if err := itemA.SetOutputURIs([]string{"cat-a.json"}); err != nil {
		t.Fatalf("set outputs a: %v", err)
	}
	if err := h.items.Save(ctx, nil, itemA); err != nil {
		t.Fatalf("save item a: %v", err)
	}

	// Chaining on item A's success defers: item B hasn't succeeded yet, so
	// no aggregate WorkItem should appear.
	if err := h.chainer.OnSuccess(ctx, nil, job, itemA); err != nil {
		t.Fatalf("chain item a: %v", err)
	}
	if item, err := h.mergeWorkItem(ctx, job.JobID); err != nil {
		t.Fatalf("query merge item: %v", err)
	} else if item != nil {
		t.Fatalf("expected no merge item before both step items succeed")
	}

	itemB.Status = domain.WorkItemSuccessful
	if err := itemB.SetOutputURIs([]string{"cat-b.json"}); err != nil {
		t.Fatalf("set outputs b: %v", err)
	}
	if err := h.items.Save(ctx, nil, itemB); err != nil {
		t.Fatalf("save item b: %v", err)
	}

	if err := h.chainer.OnSuccess(ctx, nil, job, itemB); err != nil {
		t.Fatalf("chain item b: %v", err)
	}

	mergeStep, err := h.steps.ByJobAndIndex(ctx, nil, job.JobID, 2, false)
	if err != nil {
		t.Fatalf("load merge step: %v", err)
	}
	if mergeStep.WorkItemCount != 1 {
		t.Fatalf("expected merge step workItemCount=1, got %d", mergeStep.WorkItemCount)
	}

	newItem, err := h.mergeWorkItem(ctx, job.JobID)
	if err != nil {
		t.Fatalf("query merge item: %v", err)
	}
	if newItem == nil {
		t.Fatalf("expected one merge work item to be created")
	}

	headCatalog, err := readCatalog(ctx, h.store, newItem.StacCatalogLocation)
	if err != nil {
		t.Fatalf("read head catalog: %v", err)
	}
	if len(headCatalog.Items) != 1 || headCatalog.Items[0] != "granule-a" {
		t.Fatalf("expected head catalog to carry granule-a, got %v", headCatalog.Items)
	}
	nextHref := headCatalog.nextHref()
	if nextHref == "" {
		t.Fatalf("expected head catalog to carry a next link")
	}

	tailCatalog, err := readCatalog(ctx, h.store, nextHref)
	if err != nil {
		t.Fatalf("read tail catalog: %v", err)
	}
	if len(tailCatalog.Items) != 1 || tailCatalog.Items[0] != "granule-b" {
		t.Fatalf("expected tail catalog to carry granule-b, got %v", tailCatalog.Items)
	}
	if tailCatalog.nextHref() != "" {
		t.Fatalf("tail catalog should have no next link")
	}
	hasPrev := false
	for _, l := range tailCatalog.Links {
		if l.Rel == "prev" {
			hasPrev = true
		}
	}
	if !hasPrev {
		t.Fatalf("tail catalog should carry a prev link back to the head")
	}
}
