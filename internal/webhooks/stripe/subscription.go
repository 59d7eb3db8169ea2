package stripewebhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
	"gorm.io/gorm"

	"github.com/storyframe/storyframe-backend/internal/billing"
	"github.com/storyframe/storyframe-backend/internal/credits"
	"github.com/storyframe/storyframe-backend/internal/entitlements"
	"github.com/storyframe/storyframe-backend/internal/identity"
	"github.com/storyframe/storyframe-backend/pkg/db/models"
	"github.com/storyframe/storyframe-backend/pkg/enums"
	pkgerrors "github.com/storyframe/storyframe-backend/pkg/errors"
)

const (
	pendingReasonNoAccount       = "account_missing"
	pendingReasonProvisionFailed = "provisioning_failed"
	pendingReasonEnded           = "subscription_ended"
)

// syncSubscription folds a subscription snapshot into the payer's entitlement.
// A non-paid price is treated like a cancellation so access never outlives a
// tier the catalog does not know. Events created before the last one applied
// to the row are dropped, so a late update cannot undo a deletion.
func (s *Service) syncSubscription(ctx context.Context, event *stripe.Event, sub *stripe.Subscription, deleted bool) error {
	snapshot := snapshotOf(sub)
	if sub.ID == "" || snapshot.CustomerID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription id and customer are required")
	}
	res := s.billing.Resolve(snapshot)
	if deleted {
		res.IsDowngrading = true
		res.Status = enums.EntitlementInactive
	}
	downgrading := res.IsDowngrading || !res.IsPaid
	ctx = s.logg.WithCustomerID(ctx, snapshot.CustomerID)

	account, err := s.accounts.Resolve(ctx, identity.ResolveInput{
		CustomerID:     snapshot.CustomerID,
		AllowProvision: s.lazy && !downgrading,
		PaidTier:       res.IsPaid,
	})
	if err != nil {
		if identity.IsUnresolved(err) {
			return s.park(ctx, err, snapshot, res, downgrading)
		}
		return err
	}
	ctx = s.logg.WithUserID(ctx, account.UserID.String())

	var outcome string
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		entRepo := s.entitlements.WithTx(tx)
		wallets := s.wallets.WithTx(tx)

		current, err := entRepo.Lock(ctx, account.UserID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load entitlement")
		}
		prev := entitlements.Free(current)
		at := eventTime(event)
		if prev.Stale(at) {
			outcome = "stale_event"
			return nil
		}

		if downgrading && prev.IsActivePaid() && prev.StripeSubscriptionID != nil && *prev.StripeSubscriptionID != sub.ID {
			outcome = "stale_subscription"
			return nil
		}

		next := prev
		next.UserID = account.UserID
		next.StripeCustomerID = strPtr(snapshot.CustomerID)
		next.StripeSubscriptionID = strPtr(sub.ID)
		if res.PeriodEnd != nil {
			next.CurrentPeriodEnd = res.PeriodEnd
		}
		next.Observe(at)

		var mutation credits.Mutation
		switch {
		case prev.IsBlocked:
			outcome = "blocked_metadata_only"
			return s.persist(ctx, tx, prev, next, nil, event)
		case res.IsPaid && !downgrading && res.Status != enums.EntitlementInactive:
			mutation, outcome, err = s.activePaid(ctx, wallets, event, sub.ID, account, res, prev, &next)
		case prev.Plan.IsPaid():
			mutation, outcome, err = s.startGrace(ctx, wallets, event, sub.ID, res, prev, &next)
		default:
			next.Plan = enums.PlanFree
			next.Tier = enums.TierFree
			next.Status = enums.EntitlementInactive
			mutation = credits.Mutation{Allowance: credits.IntPtr(0)}
			outcome = "free_metadata"
		}
		if err != nil {
			return err
		}
		return s.persist(ctx, tx, prev, next, &mutation, event)
	})
	if err != nil {
		return internalErr(err, "apply subscription event")
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"subscription_id": sub.ID,
		"tier":            res.Tier,
		"outcome":         outcome,
	})
	s.logg.Info(logCtx, "subscription reconciled")
	return nil
}

func (s *Service) activePaid(
	ctx context.Context,
	wallets *credits.Wallets,
	event *stripe.Event,
	subID string,
	account *identity.Resolution,
	res billing.Resolution,
	prev models.Entitlement,
	next *models.Entitlement,
) (credits.Mutation, string, error) {
	next.Plan = res.Plan
	next.Tier = res.Tier
	next.Status = res.Status
	next.GraceUntil = nil
	next.DowngradedAt = nil

	grant := res.CreditGrant
	mutation := credits.Mutation{Allowance: credits.IntPtr(grant)}
	outcome := "allowance_synced"

	switch {
	case !prev.Plan.IsPaid() || account.Created:
		claimed, err := wallets.Claim(ctx, account.UserID, subID, enums.CreditEventActivation)
		if err != nil {
			return mutation, "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "claim activation")
		}
		if claimed {
			mutation.Balance = credits.Add(grant)
			mutation.Reason = enums.LedgerActivationGrant
			mutation.ReferenceID = subID
			outcome = "activated"
		}
	case res.Tier.Rank() < prev.Tier.Rank():
		claimed, err := wallets.Claim(ctx, account.UserID, event.ID, enums.CreditEventTierDowngrade)
		if err != nil {
			return mutation, "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "claim tier downgrade")
		}
		if claimed {
			mutation.Balance = credits.ClampTo(grant)
			mutation.Reason = enums.LedgerDowngradeClamp
			mutation.ReferenceID = event.ID
			outcome = "tier_downgraded"
		}
	case prev.GraceUntil != nil:
		outcome = "reactivated"
	}
	return mutation, outcome, nil
}

// startGrace keeps plan and balance until the paid period ends; the sweep job
// finishes the downgrade once grace_until passes. A window already running is
// left as is, so redeliveries never move grace_until or downgraded_at.
func (s *Service) startGrace(
	ctx context.Context,
	wallets *credits.Wallets,
	event *stripe.Event,
	subID string,
	res billing.Resolution,
	prev models.Entitlement,
	next *models.Entitlement,
) (credits.Mutation, string, error) {
	next.Status = res.Status
	mutation := credits.Mutation{Allowance: credits.IntPtr(0)}
	if prev.GraceUntil != nil {
		return mutation, "grace_unchanged", nil
	}

	until, ref := s.graceWindow(event, subID, next.CurrentPeriodEnd)
	if _, err := wallets.Claim(ctx, next.UserID, ref, enums.CreditEventGraceStarted); err != nil {
		return credits.Mutation{}, "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record grace start")
	}
	downgradedAt := s.now()
	next.GraceUntil = &until
	next.DowngradedAt = &downgradedAt
	return mutation, "grace_started", nil
}

// graceWindow ends grace at the known period end. Without one, grace ends now
// and the marker is keyed by the event so redeliveries share it.
func (s *Service) graceWindow(event *stripe.Event, subID string, periodEnd *time.Time) (time.Time, string) {
	if periodEnd != nil {
		return *periodEnd, fmt.Sprintf("%s:%d", subID, periodEnd.Unix())
	}
	return s.now(), subID + ":" + event.ID
}

func (s *Service) persist(ctx context.Context, tx *gorm.DB, prev, next models.Entitlement, mutation *credits.Mutation, event *stripe.Event) error {
	if err := s.entitlements.WithTx(tx).Upsert(ctx, &next); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "upsert entitlement")
	}
	if mutation == nil {
		return nil
	}
	wallet, err := s.wallets.WithTx(tx).Apply(ctx, next.UserID, *mutation)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "apply wallet mutation")
	}
	if !entitlements.Changed(prev, next) {
		return nil
	}
	if err := s.outbox.Emit(ctx, tx, entitlements.ChangedEvent(prev, next, wallet.CreditsBalance, string(event.Type), event.ID)); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit entitlement change")
	}
	return nil
}

// park stores the entitlement against the payer email until an account claims it.
func (s *Service) park(ctx context.Context, cause error, sub billing.SubscriptionSnapshot, res billing.Resolution, downgrading bool) error {
	email := identity.EmailOf(cause)
	if email == "" {
		s.logg.Warn(ctx, "subscription for unknown customer dropped")
		return nil
	}
	ctx = s.logg.WithField(ctx, "email", email)

	if downgrading || res.Status == enums.EntitlementInactive {
		existing, err := s.pending.FindUnclaimed(ctx, email)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load pending entitlement")
		}
		if existing == nil {
			return nil
		}
		existing.Plan = enums.PlanFree
		existing.Tier = enums.TierFree
		existing.Status = enums.EntitlementInactive
		existing.CreditsToGrant = 0
		existing.Reason = pendingReasonEnded
		if err := s.pending.Upsert(ctx, existing); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update pending entitlement")
		}
		s.logg.Info(ctx, "pending entitlement ended")
		return nil
	}

	reason := pendingReasonNoAccount
	if errors.Is(cause, identity.ErrProvisioningFailed) {
		reason = pendingReasonProvisionFailed
	}
	subID := sub.ID
	if err := s.pending.Upsert(ctx, &models.PendingEntitlement{
		Email:                email,
		Plan:                 res.Plan,
		Tier:                 res.Tier,
		Status:               res.Status,
		CreditsToGrant:       res.CreditGrant,
		StripeCustomerID:     sub.CustomerID,
		StripeSubscriptionID: &subID,
		CurrentPeriodEnd:     res.PeriodEnd,
		Reason:               reason,
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "park pending entitlement")
	}
	s.logg.Info(s.logg.WithField(ctx, "reason", reason), "entitlement parked for unclaimed email")
	return nil
}
