package stripewebhook

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/storyframe/storyframe-backend/internal/credits"
	"github.com/storyframe/storyframe-backend/internal/entitlements"
	"github.com/storyframe/storyframe-backend/pkg/db/models"
	"github.com/storyframe/storyframe-backend/pkg/enums"
	pkgerrors "github.com/storyframe/storyframe-backend/pkg/errors"
	"github.com/storyframe/storyframe-backend/pkg/outbox"
	"github.com/storyframe/storyframe-backend/pkg/outbox/payloads"
)

type revokeKind int

const (
	revokeRefund revokeKind = iota
	revokeDispute
)

func (k revokeKind) eventType() enums.CreditEventType {
	if k == revokeDispute {
		return enums.CreditEventDispute
	}
	return enums.CreditEventChargeRefunded
}

func (k revokeKind) ledgerReason() enums.LedgerReason {
	if k == revokeDispute {
		return enums.LedgerDisputeRevoke
	}
	return enums.LedgerRefundRevoke
}

func (k revokeKind) purchaseStatus() enums.PurchaseStatus {
	if k == revokeDispute {
		return enums.PurchaseDisputed
	}
	return enums.PurchaseRefunded
}

func (k revokeKind) blockReason() string {
	if k == revokeDispute {
		return "charge_disputed"
	}
	return "charge_refunded"
}

type revocation struct {
	reference     string
	kind          revokeKind
	customerID    string
	chargeID      string
	paymentIntent string
	at            *time.Time
}

// revoke strips access and credits after a refund or dispute. Reversing a
// one-off credit purchase also blocks the account; a reversed subscription
// payment only drops the user to free.
func (s *Service) revoke(ctx context.Context, rev revocation) error {
	if rev.reference == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "charge reference required")
	}
	ctx = s.logg.WithField(ctx, "reference_id", rev.reference)

	purchase, err := s.wallets.Repo().FindPurchaseByPaymentIntent(ctx, rev.paymentIntent)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load purchase by payment intent")
	}
	userID, err := s.revocationTarget(ctx, rev, purchase)
	if err != nil {
		return err
	}
	if userID == uuid.Nil {
		s.logg.Warn(ctx, "reversal for unknown account skipped")
		return nil
	}
	ctx = s.logg.WithUserID(ctx, userID.String())

	var outcome string
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		wallets := s.wallets.WithTx(tx)
		claimed, err := wallets.Claim(ctx, userID, rev.reference, rev.kind.eventType())
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "claim reversal")
		}
		if !claimed {
			outcome = "already_applied"
			return nil
		}

		entRepo := s.entitlements.WithTx(tx)
		current, err := entRepo.Lock(ctx, userID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load entitlement")
		}
		prev := entitlements.Free(current)
		next := prev
		next.UserID = userID
		next.Plan = enums.PlanFree
		next.Tier = enums.TierFree
		next.Status = enums.EntitlementInactive
		next.GraceUntil = nil
		next.DowngradedAt = nil
		next.Observe(rev.at)

		var txPurchase *models.CreditPurchase
		if purchase != nil {
			txPurchase, err = wallets.Repo().FindPurchase(ctx, purchase.StripeSessionID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load purchase")
			}
		}
		if txPurchase != nil {
			reason := rev.kind.blockReason()
			next.IsBlocked = true
			next.BlockedReason = &reason
		}
		if err := entRepo.Upsert(ctx, &next); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "upsert entitlement")
		}

		wallet, err := wallets.Apply(ctx, userID, credits.Mutation{
			Balance:     credits.Set(0),
			Allowance:   credits.IntPtr(0),
			Reason:      rev.kind.ledgerReason(),
			ReferenceID: rev.reference,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "revoke credits")
		}

		outcome = "downgraded"
		if txPurchase != nil {
			txPurchase.Status = rev.kind.purchaseStatus()
			if err := wallets.Repo().SavePurchase(ctx, txPurchase); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update purchase status")
			}
			if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventAccountBlocked,
				AggregateType: enums.AggregateUser,
				AggregateID:   userID,
				Actor:         &outbox.ActorRef{Source: outbox.SourceStripe, UserID: &userID, Reference: rev.reference},
				Data: payloads.AccountBlockedEvent{
					UserID:      userID,
					Reason:      rev.kind.blockReason(),
					ReferenceID: rev.reference,
					SessionID:   txPurchase.StripeSessionID,
					BlockedAt:   s.now(),
				},
			}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit account blocked")
			}
			outcome = "blocked"
		}

		if entitlements.Changed(prev, next) {
			event := entitlements.ChangedEvent(prev, next, wallet.CreditsBalance, rev.kind.blockReason(), rev.reference)
			if err := s.outbox.Emit(ctx, tx, event); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit entitlement change")
			}
		}
		return nil
	})
	if err != nil {
		return internalErr(err, "apply reversal")
	}

	s.logg.Info(s.logg.WithField(ctx, "outcome", outcome), "charge reversal reconciled")
	return nil
}

// revocationTarget prefers the purchase owner, then the charge's customer.
func (s *Service) revocationTarget(ctx context.Context, rev revocation, purchase *models.CreditPurchase) (uuid.UUID, error) {
	if purchase != nil {
		return purchase.UserID, nil
	}
	customerID := rev.customerID
	if customerID == "" && rev.chargeID != "" {
		id, err := s.charges.ChargeCustomerID(ctx, rev.chargeID)
		if err != nil {
			return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch disputed charge")
		}
		customerID = id
	}
	return s.resolveExisting(ctx, customerID)
}
