package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cron job results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultTimeout = "timeout"
	// ResultAbandoned marks a run cut short because the worker lost its lock
	// or is shutting down.
	ResultAbandoned = "abandoned"
)

// CronJobMetrics records scheduled job runs and cycles skipped because
// another worker held the lock.
type CronJobMetrics struct {
	duration *prometheus.HistogramVec
	runs     *prometheus.CounterVec
	skipped  prometheus.Counter
	lockLost prometheus.Counter
}

// NewCronJobMetrics registers the cron job metrics on the provided registerer.
func NewCronJobMetrics(reg prometheus.Registerer) *CronJobMetrics {
	if reg == nil {
		return &CronJobMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cron_job_duration_seconds",
		Help:    "Duration of cron jobs in seconds.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 240},
	}, []string{"job"})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cron_job_runs_total",
		Help: "Cron job executions by result.",
	}, []string{"job", "result"})
	skipped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cron_cycles_skipped_total",
		Help: "Cron cycles skipped because the worker lock was held elsewhere.",
	})
	lockLost := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cron_lock_lost_total",
		Help: "Cron cycles abandoned because the worker lock could not be renewed.",
	})
	reg.MustRegister(duration, runs, skipped, lockLost)
	return &CronJobMetrics{
		duration: duration,
		runs:     runs,
		skipped:  skipped,
		lockLost: lockLost,
	}
}

// ObserveRun records one job execution. A run that hit its deadline counts as a timeout.
func (c *CronJobMetrics) ObserveRun(job string, elapsed time.Duration, err error) {
	if c == nil || c.runs == nil {
		return
	}
	job = normalizeLabel(job)
	c.duration.WithLabelValues(job).Observe(elapsed.Seconds())
	c.runs.WithLabelValues(job, resultOf(err)).Inc()
}

// IncSkipped counts a cycle that did not run.
func (c *CronJobMetrics) IncSkipped() {
	if c == nil || c.skipped == nil {
		return
	}
	c.skipped.Inc()
}

// IncLockLost counts a cycle whose lock expired or was taken over mid-run.
func (c *CronJobMetrics) IncLockLost() {
	if c == nil || c.lockLost == nil {
		return
	}
	c.lockLost.Inc()
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return ResultTimeout
	case errors.Is(err, context.Canceled):
		return ResultAbandoned
	default:
		return ResultFailure
	}
}

func normalizeLabel(job string) string {
	if job == "" {
		return "unknown"
	}
	return job
}
