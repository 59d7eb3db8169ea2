package stripewebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"
	"gorm.io/gorm"

	"github.com/storyframe/storyframe-backend/internal/billing"
	"github.com/storyframe/storyframe-backend/internal/credits"
	"github.com/storyframe/storyframe-backend/internal/customers"
	"github.com/storyframe/storyframe-backend/internal/entitlements"
	"github.com/storyframe/storyframe-backend/internal/identity"
	"github.com/storyframe/storyframe-backend/pkg/db/models"
	pkgerrors "github.com/storyframe/storyframe-backend/pkg/errors"
	"github.com/storyframe/storyframe-backend/pkg/logger"
	"github.com/storyframe/storyframe-backend/pkg/outbox"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// AccountResolver maps a billing customer onto an account.
type AccountResolver interface {
	Resolve(ctx context.Context, in identity.ResolveInput) (*identity.Resolution, error)
}

// ChargeLookup resolves the customer behind a charge when a dispute omits it.
type ChargeLookup interface {
	ChargeCustomerID(ctx context.Context, chargeID string) (string, error)
}

type accountLookup interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type ServiceParams struct {
	TransactionRunner txRunner
	Accounts          AccountResolver
	Users             accountLookup
	Billing           *billing.Resolver
	Entitlements      entitlements.Repository
	Pending           entitlements.PendingRepository
	Customers         customers.Repository
	Wallets           *credits.Wallets
	Outbox            outbox.Emitter
	Charges           ChargeLookup
	Logger            *logger.Logger
	LazyProvisioning  bool
}

// Service reconciles verified Stripe events into entitlements and credits.
type Service struct {
	txRunner     txRunner
	accounts     AccountResolver
	users        accountLookup
	billing      *billing.Resolver
	entitlements entitlements.Repository
	pending      entitlements.PendingRepository
	customers    customers.Repository
	wallets      *credits.Wallets
	outbox       outbox.Emitter
	charges      ChargeLookup
	logg         *logger.Logger
	lazy         bool
	validate     *validator.Validate
	now          func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.TransactionRunner == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	case params.Accounts == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "account resolver required")
	case params.Users == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "users repo required")
	case params.Billing == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "billing resolver required")
	case params.Entitlements == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "entitlement repo required")
	case params.Pending == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "pending entitlement repo required")
	case params.Customers == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "customer repo required")
	case params.Wallets == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "wallets required")
	case params.Outbox == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox emitter required")
	case params.Charges == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "charge lookup required")
	case params.Logger == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		txRunner:     params.TransactionRunner,
		accounts:     params.Accounts,
		users:        params.Users,
		billing:      params.Billing,
		entitlements: params.Entitlements,
		pending:      params.Pending,
		customers:    params.Customers,
		wallets:      params.Wallets,
		outbox:       params.Outbox,
		charges:      params.Charges,
		logg:         params.Logger,
		lazy:         params.LazyProvisioning,
		validate:     validator.New(),
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

var handledEvents = map[stripe.EventType]struct{}{
	stripe.EventTypeCustomerSubscriptionCreated: {},
	stripe.EventTypeCustomerSubscriptionUpdated: {},
	stripe.EventTypeCustomerSubscriptionDeleted: {},
	stripe.EventTypeCheckoutSessionCompleted:    {},
	stripe.EventTypeInvoicePaid:                 {},
	stripe.EventTypeInvoicePaymentSucceeded:     {},
	stripe.EventTypeChargeRefunded:              {},
	stripe.EventTypeChargeDisputeCreated:        {},
}

// Handles reports whether eventType mutates state. Everything else is acknowledged and dropped.
func Handles(eventType stripe.EventType) bool {
	_, ok := handledEvents[eventType]
	return ok
}

// HandleEvent applies one verified event. A nil return means the delivery may
// be acknowledged, including for ignored and already-applied events.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}
	ctx = s.logg.WithEvent(ctx, event.ID, string(event.Type))

	switch event.Type {
	case stripe.EventTypeCustomerSubscriptionCreated,
		stripe.EventTypeCustomerSubscriptionUpdated,
		stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := decode(event, &sub); err != nil {
			return err
		}
		return s.syncSubscription(ctx, event, &sub, event.Type == stripe.EventTypeCustomerSubscriptionDeleted)
	case stripe.EventTypeCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := decode(event, &session); err != nil {
			return err
		}
		return s.completePurchase(ctx, &session)
	case stripe.EventTypeInvoicePaid,
		stripe.EventTypeInvoicePaymentSucceeded:
		var invoice stripe.Invoice
		if err := decode(event, &invoice); err != nil {
			return err
		}
		return s.refill(ctx, &invoice, invoiceSubscriptionID(&invoice, event.Data.Raw))
	case stripe.EventTypeChargeRefunded:
		var charge stripe.Charge
		if err := decode(event, &charge); err != nil {
			return err
		}
		return s.revoke(ctx, revocation{
			reference:     charge.ID,
			kind:          revokeRefund,
			customerID:    customerID(charge.Customer),
			paymentIntent: paymentIntentID(charge.PaymentIntent),
			at:            eventTime(event),
		})
	case stripe.EventTypeChargeDisputeCreated:
		var dispute stripe.Dispute
		if err := decode(event, &dispute); err != nil {
			return err
		}
		rev := revocation{
			reference:     dispute.ID,
			kind:          revokeDispute,
			chargeID:      chargeID(dispute.Charge),
			paymentIntent: paymentIntentID(dispute.PaymentIntent),
			at:            eventTime(event),
		}
		if dispute.Charge != nil {
			rev.customerID = customerID(dispute.Charge.Customer)
		}
		return s.revoke(ctx, rev)
	default:
		s.logg.Debug(ctx, "stripe event ignored")
		return nil
	}
}

func decode(event *stripe.Event, dst any) error {
	if err := json.Unmarshal(event.Data.Raw, dst); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("decode %s payload", event.Type))
	}
	return nil
}

// resolveExisting finds an account without ever provisioning one.
func (s *Service) resolveExisting(ctx context.Context, customerID string) (uuid.UUID, error) {
	if customerID == "" {
		return uuid.Nil, nil
	}
	res, err := s.accounts.Resolve(ctx, identity.ResolveInput{CustomerID: customerID})
	if err != nil {
		if identity.IsUnresolved(err) {
			return uuid.Nil, nil
		}
		return uuid.Nil, err
	}
	return res.UserID, nil
}

// internalErr keeps an already-classified error and tags anything else as internal.
func internalErr(err error, msg string) error {
	if pkgerrors.As(err) != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, msg)
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
