// Package metrics exposes Prometheus counters for webhook ingestion.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookOutcomesTotal counts reconciled deliveries by backend and reconcile outcome.
	WebhookOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchstate_webhook_outcomes_total",
			Help: "Total number of reconciled webhook deliveries",
		},
		[]string{"backend", "outcome"},
	)

	// WebhookRejectionsTotal counts deliveries rejected before reconciliation.
	WebhookRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchstate_webhook_rejections_total",
			Help: "Total number of rejected or skipped webhook deliveries",
		},
		[]string{"class", "reason"},
	)

	// QueueFailuresTotal counts push queue writes that failed and were dropped.
	QueueFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "watchstate_queue_failures_total",
			Help: "Total number of failed push queue writes",
		},
	)
)

// RecordOutcome records a reconciled delivery.
func RecordOutcome(backend, outcome string) {
	WebhookOutcomesTotal.WithLabelValues(backend, outcome).Inc()
}

// RecordRejection records a rejected or soft-skipped delivery.
func RecordRejection(class, reason string) {
	WebhookRejectionsTotal.WithLabelValues(class, reason).Inc()
}

func RecordQueueFailure() {
	QueueFailuresTotal.Inc()
}
