package cron

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/storyframe/storyframe-backend/pkg/logger"
	"github.com/storyframe/storyframe-backend/pkg/metrics"
)

type fakeLock struct {
	acquired bool
	lost     bool
	extends  int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.acquired {
		return false, nil
	}
	f.acquired = true
	return true, nil
}

func (f *fakeLock) Extend(context.Context) (bool, error) {
	f.extends++
	return !f.lost, nil
}

func (f *fakeLock) Release(context.Context) error { f.acquired = false; return nil }

type testJob struct {
	name string
	err  error
	runs int
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	return t.err
}

func TestServiceRunCycleRunsAllJobsEvenOnFailure(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "cron-test"})
	registry := NewRegistry(&testJob{name: "success"}, &testJob{name: "fail", err: errors.New("boom")})
	service, err := NewService(ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     &fakeLock{},
		Interval: 0,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	ctx := context.Background()
	if err := service.runCycle(ctx); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	jobs := registry.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if success, ok := jobs[0].(*testJob); ok {
		if success.runs != 1 {
			t.Fatalf("expected success job to run once, ran %d", success.runs)
		}
	} else {
		t.Fatalf("first job type mismatch")
	}
	if failure, ok := jobs[1].(*testJob); ok {
		if failure.runs != 1 {
			t.Fatalf("expected failure job to run once, ran %d", failure.runs)
		}
	} else {
		t.Fatalf("second job type mismatch")
	}
}

type deadlineJob struct {
	hadDeadline bool
}

func (d *deadlineJob) Name() string { return "deadline" }

func (d *deadlineJob) Run(ctx context.Context) error {
	_, d.hadDeadline = ctx.Deadline()
	return nil
}

func TestServiceBoundsJobRuntime(t *testing.T) {
	job := &deadlineJob{}
	service, err := NewService(ServiceParams{
		Logger:     logger.New(logger.Options{ServiceName: "cron-test"}),
		Registry:   NewRegistry(job),
		Lock:       &fakeLock{},
		JobTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if !job.hadDeadline {
		t.Fatal("expected job context to carry a deadline")
	}
}

func TestServiceSkipsCycleWhenLockHeld(t *testing.T) {
	job := &testJob{name: "grace-sweep"}
	reg := prometheus.NewRegistry()
	service, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "cron-test"}),
		Registry: NewRegistry(job),
		Lock:     &fakeLock{acquired: true},
		Metrics:  metrics.NewCronJobMetrics(reg),
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("expected job skipped while another instance holds the lock, ran %d", job.runs)
	}
	if got, err := testutil.GatherAndCount(reg, "cron_cycles_skipped_total"); err != nil || got != 1 {
		t.Fatalf("expected skipped counter exported, got %d series (err=%v)", got, err)
	}
}

func TestServiceRecordsJobResults(t *testing.T) {
	reg := prometheus.NewRegistry()
	service, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "cron-test"}),
		Registry: NewRegistry(&testJob{name: "ok"}, &testJob{name: "bad", err: errors.New("boom")}),
		Lock:     &fakeLock{},
		Metrics:  metrics.NewCronJobMetrics(reg),
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if got, err := testutil.GatherAndCount(reg, "cron_job_runs_total"); err != nil || got != 2 {
		t.Fatalf("expected one run series per job, got %d (err=%v)", got, err)
	}
}

type blockingJob struct {
	err error
}

func (b *blockingJob) Name() string { return "blocking" }

func (b *blockingJob) Run(ctx context.Context) error {
	<-ctx.Done()
	b.err = ctx.Err()
	return b.err
}

func TestServiceAbandonsCycleWhenLockLost(t *testing.T) {
	blocking := &blockingJob{}
	after := &testJob{name: "after"}
	lock := &fakeLock{lost: true}
	reg := prometheus.NewRegistry()
	service, err := NewService(ServiceParams{
		Logger:      logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard}),
		Registry:    NewRegistry(blocking, after),
		Lock:        lock,
		Metrics:     metrics.NewCronJobMetrics(reg),
		JobTimeout:  time.Minute,
		LockRefresh: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if !errors.Is(blocking.err, context.Canceled) {
		t.Fatalf("expected running job canceled, got %v", blocking.err)
	}
	if after.runs != 0 {
		t.Fatalf("expected later jobs skipped after the lease was lost, ran %d", after.runs)
	}
	if lock.acquired {
		t.Fatal("expected lock released at the end of the cycle")
	}
	if got := counterValue(t, reg, "cron_lock_lost_total"); got != 1 {
		t.Fatalf("expected one lost lease, got %v", got)
	}
}

func TestServiceRenewsLeaseDuringLongJobs(t *testing.T) {
	lock := &fakeLock{}
	job := &sleepJob{d: 40 * time.Millisecond}
	service, err := NewService(ServiceParams{
		Logger:      logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard}),
		Registry:    NewRegistry(job),
		Lock:        lock,
		LockRefresh: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if lock.extends == 0 {
		t.Fatal("expected the lease to be renewed while the job ran")
	}
	if job.err != nil {
		t.Fatalf("expected job to finish undisturbed, got %v", job.err)
	}
}

type sleepJob struct {
	d   time.Duration
	err error
}

func (s *sleepJob) Name() string { return "sleep" }

func (s *sleepJob) Run(ctx context.Context) error {
	select {
	case <-time.After(s.d):
	case <-ctx.Done():
		s.err = ctx.Err()
	}
	return s.err
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}
