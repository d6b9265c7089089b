package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/geoharmony/orchestrator/internal/domain"
)

// TestFairQueueAcrossUsers exercises scenario 5: with READY items spread
// across three users, successive get-work calls rotate between users by who
// waited longest, synchronous jobs outrank a user's older asynchronous ones,
// and receiving work sends a user to the back of the queue.
func TestFairQueueAcrossUsers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)

	mkJob := func(user string, async bool, age time.Duration) *domain.Job {
		t.Helper()
		job := &domain.Job{
			JobID:            uuid.New(),
			Username:         user,
			Status:           domain.StatusRunning,
			IsAsync:          async,
			NumInputGranules: 1,
			Request:          "https://example.com/request",
		}
		if err := h.jobs.Save(ctx, nil, job); err != nil {
			t.Fatalf("save job for %s: %v", user, err)
		}
		h.newStep(t, job.JobID, 2, "foo", false)
		h.newReadyItem(t, job.JobID, 2, "foo")
		if err := h.db.Model(&domain.Job{}).Where("job_id = ?", job.JobID).
			UpdateColumn("updated_at", base.Add(age)).Error; err != nil {
			t.Fatalf("backdate job for %s: %v", user, err)
		}
		return job
	}

	j1 := mkJob("bob", true, 1*time.Second)
	j3 := mkJob("bob", false, 2*time.Second)
	j4 := mkJob("joe", true, 1*time.Second)
	j6 := mkJob("bill", true, 3*time.Second)
	j7 := mkJob("bill", true, 4*time.Second)

	want := []uuid.UUID{j4.JobID, j3.JobID, j6.JobID, j1.JobID, j7.JobID}
	for i, expected := range want {
		got, err := h.engine.GetWork(ctx, "foo")
		if err != nil {
			t.Fatalf("get-work call %d: %v", i+1, err)
		}
		if got == nil {
			t.Fatalf("get-work call %d: expected work from job %s, got none", i+1, expected)
		}
		if got.WorkItem.JobID != expected {
			t.Fatalf("get-work call %d: expected job %s, got %s", i+1, expected, got.WorkItem.JobID)
		}
	}

	final, err := h.engine.GetWork(ctx, "foo")
	if err != nil {
		t.Fatalf("final get-work: %v", err)
	}
	if final != nil {
		t.Fatalf("expected no work once every item is claimed, got job %s", final.WorkItem.JobID)
	}
}

// TestGetWorkClaimsEachItemOnce confirms a READY item is handed to at most
// one caller: two back-to-back polls for a single-item service return the
// item exactly once.
func TestGetWorkClaimsEachItemOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := h.newJob(t, 1)
	h.newStep(t, job.JobID, 2, "transform", false)
	item := h.newReadyItem(t, job.JobID, 2, "transform")

	first, err := h.engine.GetWork(ctx, "transform")
	if err != nil {
		t.Fatalf("first get-work: %v", err)
	}
	if first == nil || first.WorkItem.ID != item.ID {
		t.Fatalf("expected the READY item on the first poll, got %+v", first)
	}

	second, err := h.engine.GetWork(ctx, "transform")
	if err != nil {
		t.Fatalf("second get-work: %v", err)
	}
	if second != nil {
		t.Fatalf("expected no work on the second poll, item %d was already claimed", second.WorkItem.ID)
	}
}

// TestGetWorkFiresDispatchOnAcceptedJob confirms the first claim moves an
// admitted job out of ACCEPTED, to RUNNING by default and to PREVIEWING when
// the request opted into preview.
func TestGetWorkFiresDispatchOnAcceptedJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	plain := &domain.Job{JobID: uuid.New(), Username: "dana", Status: domain.StatusAccepted, NumInputGranules: 1, Request: "https://example.com/r"}
	if err := h.jobs.Save(ctx, nil, plain); err != nil {
		t.Fatalf("save job: %v", err)
	}
	h.newStep(t, plain.JobID, 2, "transform", false)
	h.newReadyItem(t, plain.JobID, 2, "transform")

	if got, err := h.engine.GetWork(ctx, "transform"); err != nil || got == nil {
		t.Fatalf("expected work from the accepted job, got %+v err=%v", got, err)
	}
	if reloaded := h.reloadJob(t, plain.JobID); reloaded.Status != domain.StatusRunning {
		t.Fatalf("expected RUNNING after first dispatch, got %s", reloaded.Status)
	}

	preview := &domain.Job{JobID: uuid.New(), Username: "erin", Status: domain.StatusAccepted, PreviewRequested: true, NumInputGranules: 1, Request: "https://example.com/r"}
	if err := h.jobs.Save(ctx, nil, preview); err != nil {
		t.Fatalf("save preview job: %v", err)
	}
	h.newStep(t, preview.JobID, 2, "preview-transform", false)
	h.newReadyItem(t, preview.JobID, 2, "preview-transform")

	if got, err := h.engine.GetWork(ctx, "preview-transform"); err != nil || got == nil {
		t.Fatalf("expected work from the preview job, got %+v err=%v", got, err)
	}
	if reloaded := h.reloadJob(t, preview.JobID); reloaded.Status != domain.StatusPreviewing {
		t.Fatalf("expected PREVIEWING after first dispatch of a preview job, got %s", reloaded.Status)
	}
}
