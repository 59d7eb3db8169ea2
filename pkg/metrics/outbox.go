package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outbox row outcomes for a publish attempt.
const (
	OutboxPublished    = "published"
	OutboxRetry        = "retry"
	OutboxHeld         = "held"
	OutboxDeadLettered = "dead_lettered"
)

// OutboxMetrics tracks the publisher loop.
type OutboxMetrics struct {
	rows    *prometheus.CounterVec
	batches prometheus.Histogram
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	rows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_rows_total",
		Help: "Outbox rows handled by the publisher, by event type and outcome.",
	}, []string{"event_type", "outcome"})
	batches := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_batch_duration_seconds",
		Help:    "Wall time of one publisher batch transaction.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
	})
	reg.MustRegister(rows, batches)
	return &OutboxMetrics{rows: rows, batches: batches}
}

func (m *OutboxMetrics) Row(eventType, outcome string) {
	if m == nil || m.rows == nil {
		return
	}
	m.rows.WithLabelValues(normalizeLabel(eventType), outcome).Inc()
}

func (m *OutboxMetrics) Batch(elapsed time.Duration) {
	if m == nil || m.batches == nil {
		return
	}
	m.batches.Observe(elapsed.Seconds())
}
