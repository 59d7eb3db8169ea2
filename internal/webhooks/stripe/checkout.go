package stripewebhook

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v83"
	"gorm.io/gorm"

	"github.com/storyframe/storyframe-backend/internal/credits"
	"github.com/storyframe/storyframe-backend/pkg/db/models"
	"github.com/storyframe/storyframe-backend/pkg/enums"
	pkgerrors "github.com/storyframe/storyframe-backend/pkg/errors"
)

// zeroDecimalCurrencies are charged in whole units rather than cents.
var zeroDecimalCurrencies = map[string]struct{}{
	"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {}, "krw": {}, "mga": {},
	"pyg": {}, "rwf": {}, "ugx": {}, "vnd": {}, "vuv": {}, "xaf": {}, "xof": {}, "xpf": {},
}

type purchaseMetadata struct {
	PackageID string `validate:"required"`
	Credits   int    `validate:"gt=0"`
	UserID    string `validate:"omitempty,uuid"`
}

func (s *Service) purchaseMetadata(raw map[string]string) (purchaseMetadata, error) {
	meta := purchaseMetadata{
		PackageID: strings.TrimSpace(raw["package_id"]),
		UserID:    strings.TrimSpace(raw["user_id"]),
	}
	if v := strings.TrimSpace(raw["credits"]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return meta, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "credits metadata must be an integer")
		}
		meta.Credits = n
	}
	if err := s.validate.Struct(meta); err != nil {
		return meta, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid purchase metadata")
	}
	return meta, nil
}

// completePurchase credits a paid one-off checkout exactly once per session.
func (s *Service) completePurchase(ctx context.Context, session *stripe.CheckoutSession) error {
	if session.Mode != stripe.CheckoutSessionModePayment || session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		s.logg.Debug(ctx, "checkout session is not a paid credit purchase")
		return nil
	}
	if _, ok := session.Metadata["package_id"]; !ok {
		s.logg.Debug(ctx, "checkout session carries no credit package")
		return nil
	}
	ctx = s.logg.WithField(ctx, "session_id", session.ID)

	meta, err := s.purchaseMetadata(session.Metadata)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "credit purchase metadata rejected")
		return nil
	}

	userID, err := s.purchaser(ctx, session, meta)
	if err != nil {
		return err
	}
	if userID == uuid.Nil {
		s.logg.Warn(ctx, "credit purchase for unknown account dropped")
		return nil
	}
	ctx = s.logg.WithUserID(ctx, userID.String())

	applied := false
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		wallets := s.wallets.WithTx(tx)
		repo := wallets.Repo()

		existing, err := repo.FindPurchase(ctx, session.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load purchase")
		}
		if existing != nil && existing.Status != enums.PurchasePending {
			return nil
		}
		claimed, err := wallets.Claim(ctx, userID, session.ID, enums.CreditEventPurchase)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "claim purchase")
		}
		if !claimed {
			return nil
		}
		if _, err := wallets.Apply(ctx, userID, credits.Mutation{
			Balance:     credits.Add(meta.Credits),
			Reason:      enums.LedgerPurchase,
			ReferenceID: session.ID,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "credit purchase")
		}

		completedAt := s.now()
		currency := strings.ToLower(string(session.Currency))
		if currency == "" {
			currency = "usd"
		}
		if err := repo.SavePurchase(ctx, &models.CreditPurchase{
			StripeSessionID: session.ID,
			UserID:          userID,
			PackageID:       meta.PackageID,
			Credits:         meta.Credits,
			AmountPaid:      amountPaid(session.AmountTotal, currency),
			Currency:        currency,
			PaymentIntentID: strPtr(paymentIntentID(session.PaymentIntent)),
			Status:          enums.PurchaseCompleted,
			CompletedAt:     &completedAt,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save purchase")
		}
		applied = true
		return nil
	})
	if err != nil {
		return internalErr(err, "apply credit purchase")
	}

	if applied {
		s.logg.Info(s.logg.WithField(ctx, "credits", meta.Credits), "credit purchase applied")
	}
	return nil
}

// purchaser prefers an earlier record of the session, then the account named
// in metadata, then the billing customer mapping.
func (s *Service) purchaser(ctx context.Context, session *stripe.CheckoutSession, meta purchaseMetadata) (uuid.UUID, error) {
	existing, err := s.wallets.Repo().FindPurchase(ctx, session.ID)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load purchase")
	}
	if existing != nil {
		return existing.UserID, nil
	}

	for _, candidate := range []string{meta.UserID, session.ClientReferenceID} {
		id, err := uuid.Parse(strings.TrimSpace(candidate))
		if err != nil {
			continue
		}
		user, err := s.users.FindByID(ctx, id)
		if err != nil {
			return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load purchaser")
		}
		if user != nil {
			return user.ID, nil
		}
	}

	return s.resolveExisting(ctx, customerID(session.Customer))
}

func amountPaid(minor int64, currency string) decimal.Decimal {
	if _, ok := zeroDecimalCurrencies[currency]; ok {
		return decimal.New(minor, 0)
	}
	return decimal.New(minor, -2)
}
