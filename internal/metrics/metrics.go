// Package metrics holds the prometheus collectors of the approval service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "loan_approvals"

type collectors struct {
	actionsTotal      *prometheus.CounterVec
	actionLatency     *prometheus.HistogramVec
	votesTotal        *prometheus.CounterVec
	decisionsTotal    *prometheus.CounterVec
	resolutionErrors  *prometheus.CounterVec
	reconcileFixes    *prometheus.CounterVec
	eventPublishTotal *prometheus.CounterVec
}

var singleton = sync.OnceValue(func() *collectors {
	return &collectors{
		actionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Total number of approval actions processed.",
		}, []string{"action", "result"}),
		actionLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_latency_seconds",
			Help:      "Latency distribution for approval actions.",
			Buckets:   []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		}, []string{"action"}),
		votesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committee_votes_total",
			Help:      "Total number of committee votes cast.",
		}, []string{"decision", "result"}),
		decisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committee_decisions_total",
			Help:      "Committee outcomes, by stage (resolved or finalized).",
		}, []string{"stage", "decision"}),
		resolutionErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_resolution_failures_total",
			Help:      "Tier resolutions that failed, by error code.",
		}, []string{"code"}),
		reconcileFixes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_corrections_total",
			Help:      "Corrections applied by tier reconciliation.",
		}, []string{"kind"}),
		eventPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Workflow events handed to the broker.",
		}, []string{"event_type", "result"}),
	}
})

func get() *collectors {
	return singleton()
}

// ObserveAction records one processed approval action.
func ObserveAction(action, result string, started time.Time) {
	m := get()
	m.actionsTotal.WithLabelValues(action, result).Inc()
	m.actionLatency.WithLabelValues(action).Observe(time.Since(started).Seconds())
}

// RecordVote records one committee vote attempt.
func RecordVote(decision, result string) {
	get().votesTotal.WithLabelValues(decision, result).Inc()
}

// RecordDecision records a committee outcome.
func RecordDecision(stage, decision string) {
	get().decisionsTotal.WithLabelValues(stage, decision).Inc()
}

// RecordResolutionFailure records a failed tier resolution.
func RecordResolutionFailure(code string) {
	get().resolutionErrors.WithLabelValues(code).Inc()
}

// RecordReconcileCorrection records one reconciliation fix.
func RecordReconcileCorrection(kind string) {
	get().reconcileFixes.WithLabelValues(kind).Inc()
}

// RecordEventPublish records a broker publish attempt.
func RecordEventPublish(eventType, result string) {
	get().eventPublishTotal.WithLabelValues(eventType, result).Inc()
}
