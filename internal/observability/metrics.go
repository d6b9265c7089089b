// Package observability exposes the Prometheus counters for dispatch
// throughput, failer reclaims, reaper deletions, and dead-letter outcomes.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_work_dispatched_total",
		Help: "WorkItems handed out by get-work, by serviceID.",
	}, []string{"serviceID"})

	WorkUpdated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_work_updated_total",
		Help: "update-work calls accepted, by terminal status.",
	}, []string{"status"})

	FailerReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harmony_failer_reclaimed_total",
		Help: "WorkItems reclaimed by the work-failer across all passes.",
	})

	ReaperDeletedWorkItems = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harmony_reaper_deleted_work_items_total",
		Help: "WorkItem rows deleted by the work-reaper across all passes.",
	})

	ReaperDeletedWorkflowSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harmony_reaper_deleted_workflow_steps_total",
		Help: "WorkflowStep rows deleted by the work-reaper across all passes.",
	})

	DeadLetterProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harmony_dead_letter_processed_total",
		Help: "Dead-letter messages processed, by outcome.",
	}, []string{"outcome"})
)

// Handler returns the gin-compatible /metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
