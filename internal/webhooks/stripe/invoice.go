package stripewebhook

import (
	"context"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"
	"gorm.io/gorm"

	"github.com/storyframe/storyframe-backend/internal/credits"
	"github.com/storyframe/storyframe-backend/pkg/db/models"
	"github.com/storyframe/storyframe-backend/pkg/enums"
	pkgerrors "github.com/storyframe/storyframe-backend/pkg/errors"
)

// refill resets the balance to the monthly allowance once per paid invoice.
func (s *Service) refill(ctx context.Context, invoice *stripe.Invoice, subID string) error {
	if subID == "" {
		s.logg.Debug(ctx, "invoice is not tied to a subscription")
		return nil
	}
	if invoice.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "invoice id required")
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"invoice_id":      invoice.ID,
		"subscription_id": subID,
	})

	userID, err := s.resolveExisting(ctx, customerID(invoice.Customer))
	if err != nil {
		return err
	}
	if userID == uuid.Nil {
		s.logg.Warn(ctx, "invoice for unknown account skipped")
		return nil
	}
	ctx = s.logg.WithUserID(ctx, userID.String())

	var outcome string
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		ent, err := s.entitlements.WithTx(tx).Lock(ctx, userID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load entitlement")
		}
		switch {
		case ent == nil:
			outcome = "no_entitlement"
			return nil
		case ent.StripeSubscriptionID == nil || *ent.StripeSubscriptionID != subID:
			outcome = "subscription_mismatch"
			return nil
		case !ent.IsActivePaid():
			outcome = "not_active_paid"
			return nil
		}

		wallets := s.wallets.WithTx(tx)
		wallet, err := wallets.Repo().LockWallet(ctx, userID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock wallet")
		}
		if wallet.LastRefillReference != nil && *wallet.LastRefillReference == invoice.ID {
			outcome = "already_refilled"
			return nil
		}
		claimed, err := wallets.Claim(ctx, userID, invoice.ID, enums.CreditEventInvoiceRefill)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "claim refill")
		}
		if !claimed {
			outcome = "already_refilled"
			return nil
		}

		amount := s.refillAmount(*ent, wallet.MonthlyAllowance)
		ref := invoice.ID
		if _, err := wallets.Apply(ctx, userID, credits.Mutation{
			Balance:     credits.Set(amount),
			Allowance:   credits.IntPtr(amount),
			RefillRef:   &ref,
			Reason:      enums.LedgerRefill,
			ReferenceID: invoice.ID,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "apply refill")
		}
		outcome = "refilled"
		return nil
	})
	if err != nil {
		return internalErr(err, "apply invoice refill")
	}

	s.logg.Info(s.logg.WithField(ctx, "outcome", outcome), "invoice reconciled")
	return nil
}

// refillAmount uses the stored allowance and falls back to the catalog when a
// wallet predates allowance tracking.
func (s *Service) refillAmount(ent models.Entitlement, allowance int) int {
	if allowance > 0 {
		return allowance
	}
	catalog := s.billing.Catalog()
	if ent.Tier.IsPaid() {
		if grant := catalog.GrantFor(ent.Tier); grant > 0 {
			return grant
		}
	}
	return catalog.DefaultGrantForPlan(ent.Plan)
}
