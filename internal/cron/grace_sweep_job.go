package cron

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/storyframe/storyframe-backend/internal/credits"
	"github.com/storyframe/storyframe-backend/internal/entitlements"
	"github.com/storyframe/storyframe-backend/pkg/db/models"
	"github.com/storyframe/storyframe-backend/pkg/enums"
	"github.com/storyframe/storyframe-backend/pkg/logger"
	"github.com/storyframe/storyframe-backend/pkg/outbox"
)

const (
	graceSweepBatchSize = 200
	graceExpiredReason  = "grace_expired"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// GraceSweepJobParams configures the grace expiry sweep.
type GraceSweepJobParams struct {
	Logger       *logger.Logger
	DB           txRunner
	Entitlements entitlements.Repository
	Wallets      *credits.Wallets
	Outbox       outbox.Emitter
	BatchSize    int
}

// NewGraceSweepJob builds the job that ends paid access once the grace window closes.
func NewGraceSweepJob(params GraceSweepJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.DB == nil:
		return nil, fmt.Errorf("db runner required")
	case params.Entitlements == nil:
		return nil, fmt.Errorf("entitlement repository required")
	case params.Wallets == nil:
		return nil, fmt.Errorf("wallets required")
	case params.Outbox == nil:
		return nil, fmt.Errorf("outbox emitter required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = graceSweepBatchSize
	}
	return &graceSweepJob{
		logg:         params.Logger,
		db:           params.DB,
		entitlements: params.Entitlements,
		wallets:      params.Wallets,
		outbox:       params.Outbox,
		batch:        batch,
		now:          time.Now,
	}, nil
}

type graceSweepJob struct {
	logg         *logger.Logger
	db           txRunner
	entitlements entitlements.Repository
	wallets      *credits.Wallets
	outbox       outbox.Emitter
	batch        int
	now          func() time.Time
}

func (j *graceSweepJob) Name() string { return "grace-sweep" }

func (j *graceSweepJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	rows, err := j.entitlements.ListExpiredGrace(ctx, now, j.batch)
	if err != nil {
		return fmt.Errorf("list expired grace: %w", err)
	}

	var (
		errs    error
		expired int
	)
	for _, row := range rows {
		done, err := j.expire(ctx, row, now)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire %s: %w", row.UserID, err))
			continue
		}
		if done {
			expired++
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(rows),
		"expired":    expired,
	})
	j.logg.Info(logCtx, "grace sweep complete")
	return errs
}

// expire downgrades one entitlement. The row is re-read under lock so a
// subscription renewed since the listing is left alone.
func (j *graceSweepJob) expire(ctx context.Context, row models.Entitlement, now time.Time) (bool, error) {
	var done bool
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		current, err := j.entitlements.WithTx(tx).Lock(ctx, row.UserID)
		if err != nil {
			return err
		}
		if current == nil || current.GraceUntil == nil || !current.GraceUntil.Before(now) || current.Plan == enums.PlanFree {
			return nil
		}

		ref := graceReference(*current)
		wallets := j.wallets.WithTx(tx)
		claimed, err := wallets.Claim(ctx, current.UserID, ref, enums.CreditEventGraceExpired)
		if err != nil {
			return err
		}

		prev := *current
		next := prev
		next.Plan = enums.PlanFree
		next.Tier = enums.TierFree
		next.Status = enums.EntitlementInactive
		next.GraceUntil = nil
		next.CurrentPeriodEnd = nil
		if err := j.entitlements.WithTx(tx).Upsert(ctx, &next); err != nil {
			return err
		}

		// A marker that already exists means this window's balance was zeroed
		// before; the row still folds to free so the listing stops returning it.
		mutation := credits.Mutation{Allowance: credits.IntPtr(0)}
		if claimed {
			mutation.Balance = credits.Set(0)
			mutation.Reason = enums.LedgerGraceExpired
			mutation.ReferenceID = ref
		}
		wallet, err := wallets.Apply(ctx, current.UserID, mutation)
		if err != nil {
			return err
		}
		if err := j.outbox.Emit(ctx, tx, entitlements.ChangedEvent(prev, next, wallet.CreditsBalance, graceExpiredReason, ref)); err != nil {
			return err
		}
		done = true
		return nil
	})
	return done, err
}

func graceReference(ent models.Entitlement) string {
	owner := ent.UserID.String()
	if ent.StripeSubscriptionID != nil && *ent.StripeSubscriptionID != "" {
		owner = *ent.StripeSubscriptionID
	}
	return owner + ":" + strconv.FormatInt(ent.GraceUntil.Unix(), 10)
}
