package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/storyframe/storyframe-backend/pkg/logger"
	"github.com/storyframe/storyframe-backend/pkg/metrics"
)

const (
	defaultInterval   = 5 * time.Minute
	defaultJobTimeout = 4 * time.Minute
)

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	Interval time.Duration

	// JobTimeout bounds a single job.
	JobTimeout time.Duration
	// LockRefresh is how often the lease is renewed during a cycle.
	// Defaults to a third of the job timeout.
	LockRefresh time.Duration
}

// Service runs every registered job once per interval, on whichever worker
// holds the lock.
type Service struct {
	logg        *logger.Logger
	registry    *Registry
	lock        Lock
	metrics     *metrics.CronJobMetrics
	interval    time.Duration
	jobTimeout  time.Duration
	lockRefresh time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.Lock == nil:
		return nil, fmt.Errorf("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	s := &Service{
		logg:        params.Logger,
		registry:    registry,
		lock:        params.Lock,
		metrics:     params.Metrics,
		interval:    orDefault(params.Interval, defaultInterval),
		jobTimeout:  orDefault(params.JobTimeout, defaultJobTimeout),
		lockRefresh: params.LockRefresh,
	}
	if s.lockRefresh <= 0 {
		s.lockRefresh = s.jobTimeout / 3
	}
	return s, nil
}

func orDefault(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

// Run executes a cycle immediately and then once per interval until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.runCycle(ctx); err != nil {
			s.logg.Error(ctx, "scheduled run failed", err)
		}
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron service context canceled")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) runCycle(ctx context.Context) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.logg.Info(ctx, "another cron instance is running; skipping this cycle")
		s.metrics.IncSkipped()
		return nil
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	renewing := make(chan struct{})
	go func() {
		defer close(renewing)
		s.keepLease(cycleCtx, cancel)
	}()
	defer func() {
		cancel()
		<-renewing
		// release even when shutdown canceled ctx
		if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logg.Error(ctx, "failed to release cron lock", err)
		}
	}()

	s.logg.Info(ctx, "scheduled run starting")
	for _, job := range s.registry.Jobs() {
		if cycleCtx.Err() != nil {
			s.logg.Warn(s.logg.WithField(ctx, "job", job.Name()), "cycle abandoned before job start")
			continue
		}
		s.runJob(cycleCtx, job)
	}
	s.logg.Info(ctx, "scheduled run complete")
	return nil
}

// keepLease renews the lock until ctx ends. A lease that cannot be renewed
// cancels the cycle so no job keeps writing without it.
func (s *Service) keepLease(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.lockRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		held, err := s.lock.Extend(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			s.logg.Error(ctx, "cron lock renewal failed", err)
		case !held:
			s.logg.Warn(ctx, "cron lock lost; abandoning cycle")
			s.metrics.IncLockLost()
			cancel()
			return
		}
	}
}

func (s *Service) runJob(ctx context.Context, job Job) {
	jobCtx := s.logg.WithFields(ctx, map[string]any{
		"job":   job.Name(),
		"event": "cron.job",
	})
	s.logg.Info(jobCtx, "job start")

	runCtx, cancel := context.WithTimeout(jobCtx, s.jobTimeout)
	defer cancel()
	start := time.Now()
	err := job.Run(runCtx)
	elapsed := time.Since(start)
	s.metrics.ObserveRun(job.Name(), elapsed, err)

	jobCtx = s.logg.WithField(jobCtx, "duration_ms", elapsed.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		return
	}
	s.logg.Info(jobCtx, "job completed")
}
