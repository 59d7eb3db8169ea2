package entitlements

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/storyframe/storyframe-backend/internal/credits"
	"github.com/storyframe/storyframe-backend/internal/customers"
	"github.com/storyframe/storyframe-backend/pkg/enums"
	pkgerrors "github.com/storyframe/storyframe-backend/pkg/errors"
	"github.com/storyframe/storyframe-backend/pkg/logger"
	"github.com/storyframe/storyframe-backend/pkg/outbox"
)

const claimReason = "pending_claim"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ClaimResult summarizes the entitlement after a pending claim.
type ClaimResult struct {
	Plan             enums.Plan              `json:"plan"`
	Tier             enums.Tier              `json:"tier"`
	Status           enums.EntitlementStatus `json:"status"`
	CurrentPeriodEnd *time.Time              `json:"current_period_end,omitempty"`
	CreditsBalance   int                     `json:"credits_balance"`
	MonthlyAllowance int                     `json:"monthly_allowance"`
	CreditsGranted   int                     `json:"credits_granted"`
}

type ClaimServiceParams struct {
	DB           txRunner
	Entitlements Repository
	Pending      PendingRepository
	Customers    customers.Repository
	Wallets      *credits.Wallets
	Outbox       outbox.Emitter
	Logger       *logger.Logger
}

// ClaimService applies entitlements that were parked before the payer had an account.
type ClaimService struct {
	db           txRunner
	entitlements Repository
	pending      PendingRepository
	customers    customers.Repository
	wallets      *credits.Wallets
	outbox       outbox.Emitter
	logg         *logger.Logger
	now          func() time.Time
}

func NewClaimService(params ClaimServiceParams) (*ClaimService, error) {
	switch {
	case params.DB == nil:
		return nil, fmt.Errorf("db runner required")
	case params.Entitlements == nil:
		return nil, fmt.Errorf("entitlement repository required")
	case params.Pending == nil:
		return nil, fmt.Errorf("pending repository required")
	case params.Customers == nil:
		return nil, fmt.Errorf("customer repository required")
	case params.Wallets == nil:
		return nil, fmt.Errorf("wallets required")
	case params.Outbox == nil:
		return nil, fmt.Errorf("outbox emitter required")
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	return &ClaimService{
		db:           params.DB,
		entitlements: params.Entitlements,
		pending:      params.Pending,
		customers:    params.Customers,
		wallets:      params.Wallets,
		outbox:       params.Outbox,
		logg:         params.Logger,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Claim moves the pending entitlement for email onto userID. Credits are granted once.
func (s *ClaimService) Claim(ctx context.Context, userID uuid.UUID, email string) (*ClaimResult, error) {
	if userID == uuid.Nil || email == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id and email are required")
	}

	var result *ClaimResult
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		pending, err := s.pending.WithTx(tx).FindUnclaimed(ctx, email)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load pending entitlement")
		}
		if pending == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "no pending entitlement for this account")
		}

		entRepo := s.entitlements.WithTx(tx)
		current, err := entRepo.Lock(ctx, userID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load entitlement")
		}
		if current != nil && current.IsBlocked {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "account is blocked")
		}

		prev := Free(current)
		next := prev
		next.UserID = userID
		next.Plan = pending.Plan
		next.Tier = pending.Tier
		next.Status = pending.Status
		next.CurrentPeriodEnd = pending.CurrentPeriodEnd
		next.GraceUntil = nil
		next.DowngradedAt = nil
		if pending.StripeCustomerID != "" {
			customerID := pending.StripeCustomerID
			next.StripeCustomerID = &customerID
		}
		next.StripeSubscriptionID = pending.StripeSubscriptionID
		if err := entRepo.Upsert(ctx, &next); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "upsert entitlement")
		}

		wallets := s.wallets.WithTx(tx)
		ref := "pending:" + pending.Email
		claimed, err := wallets.Claim(ctx, userID, ref, enums.CreditEventPendingClaim)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "claim pending marker")
		}
		granted := 0
		mutation := credits.Mutation{Reason: enums.LedgerPendingClaim, ReferenceID: ref}
		if pending.Plan.IsPaid() {
			mutation.Allowance = credits.IntPtr(pending.CreditsToGrant)
		}
		if claimed && pending.CreditsToGrant > 0 {
			granted = pending.CreditsToGrant
			mutation.Balance = credits.Add(granted)
		}
		wallet, err := wallets.Apply(ctx, userID, mutation)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "apply pending grant")
		}

		if pending.StripeCustomerID != "" {
			if _, err := s.customers.WithTx(tx).Link(ctx, pending.StripeCustomerID, userID, pending.Email); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "link customer")
			}
		}
		if err := s.pending.WithTx(tx).MarkClaimed(ctx, pending.Email, userID, s.now()); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark pending claimed")
		}
		if Changed(prev, next) {
			if err := s.outbox.Emit(ctx, tx, ChangedEvent(prev, next, wallet.CreditsBalance, claimReason, ref)); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit entitlement change")
			}
		}

		result = &ClaimResult{
			Plan:             next.Plan,
			Tier:             next.Tier,
			Status:           next.Status,
			CurrentPeriodEnd: next.CurrentPeriodEnd,
			CreditsBalance:   wallet.CreditsBalance,
			MonthlyAllowance: wallet.MonthlyAllowance,
			CreditsGranted:   granted,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"user_id":         userID.String(),
		"plan":            result.Plan,
		"credits_granted": result.CreditsGranted,
	})
	s.logg.Info(logCtx, "pending entitlement claimed")
	return result, nil
}
