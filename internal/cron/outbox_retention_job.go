package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/storyframe/storyframe-backend/pkg/logger"
)

const (
	outboxRetention   = 30 * 24 * time.Hour
	outboxMinAttempts = 5
)

type outboxPruner interface {
	DeletePublishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time, minAttemptCount int) (int64, error)
}

type dlqPruner interface {
	DeleteClosedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

// OutboxRetentionJobParams configures outbox and dlq pruning. MinAttempts
// should match the publisher's max attempts so abandoned rows age out too.
type OutboxRetentionJobParams struct {
	Logger      *logger.Logger
	DB          txRunner
	Repository  outboxPruner
	DLQ         dlqPruner
	Retention   time.Duration
	MinAttempts int
}

func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.DB == nil:
		return nil, fmt.Errorf("db runner required")
	case params.Repository == nil:
		return nil, fmt.Errorf("outbox repository required")
	case params.DLQ == nil:
		return nil, fmt.Errorf("dlq repository required")
	}
	job := &outboxRetentionJob{
		logg:        params.Logger,
		db:          params.DB,
		outbox:      params.Repository,
		dlq:         params.DLQ,
		retention:   params.Retention,
		minAttempts: params.MinAttempts,
		now:         time.Now,
	}
	if job.retention <= 0 {
		job.retention = outboxRetention
	}
	if job.minAttempts <= 0 {
		job.minAttempts = outboxMinAttempts
	}
	return job, nil
}

type outboxRetentionJob struct {
	logg        *logger.Logger
	db          txRunner
	outbox      outboxPruner
	dlq         dlqPruner
	retention   time.Duration
	minAttempts int
	now         func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

// Run prunes both tables in one transaction so a requeued dlq entry never
// outlives the decision to drop its outbox row.
func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	var events, parked int64
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		if events, err = j.outbox.DeletePublishedBefore(ctx, tx, cutoff, j.minAttempts); err != nil {
			return fmt.Errorf("outbox rows: %w", err)
		}
		if parked, err = j.dlq.DeleteClosedBefore(ctx, tx, cutoff); err != nil {
			return fmt.Errorf("dlq rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("outbox retention: %w", err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"events_deleted": events,
		"dlq_deleted":    parked,
		"min_attempts":   j.minAttempts,
	}), "outbox retention cleanup complete")
	return nil
}
