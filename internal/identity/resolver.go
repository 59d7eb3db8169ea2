package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/storyframe/storyframe-backend/internal/customers"
	"github.com/storyframe/storyframe-backend/internal/users"
	"github.com/storyframe/storyframe-backend/pkg/auth"
	"github.com/storyframe/storyframe-backend/pkg/config"
	"github.com/storyframe/storyframe-backend/pkg/enums"
	pkgerrors "github.com/storyframe/storyframe-backend/pkg/errors"
	"github.com/storyframe/storyframe-backend/pkg/logger"
	"github.com/storyframe/storyframe-backend/pkg/outbox"
	"github.com/storyframe/storyframe-backend/pkg/outbox/payloads"
	stripeclient "github.com/storyframe/storyframe-backend/pkg/stripe"
)

const setupPath = "/account/setup"

// CustomerDirectory fetches payer details from the payment provider.
type CustomerDirectory interface {
	CustomerEmail(ctx context.Context, customerID string) (string, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ResolveInput describes who is paying and whether an account may be created for them.
type ResolveInput struct {
	CustomerID     string
	AllowProvision bool
	PaidTier       bool
}

// Resolution is the account a billing customer maps to.
type Resolution struct {
	UserID  uuid.UUID
	Email   string
	Created bool
}

type ResolverParams struct {
	DB          txRunner
	Customers   customers.Repository
	Users       *users.Repository
	Provisioner *users.Provisioner
	Directory   CustomerDirectory
	Outbox      outbox.Emitter
	JWT         config.JWTConfig
	AppURL      string
	Logger      *logger.Logger
}

// Resolver maps payment-provider customers to accounts, provisioning lazily.
type Resolver struct {
	db          txRunner
	customers   customers.Repository
	users       *users.Repository
	provisioner *users.Provisioner
	directory   CustomerDirectory
	outbox      outbox.Emitter
	jwt         config.JWTConfig
	appURL      string
	logg        *logger.Logger
	now         func() time.Time
}

func NewResolver(params ResolverParams) (*Resolver, error) {
	switch {
	case params.DB == nil:
		return nil, fmt.Errorf("db runner required")
	case params.Customers == nil:
		return nil, fmt.Errorf("customer repository required")
	case params.Users == nil:
		return nil, fmt.Errorf("users repository required")
	case params.Provisioner == nil:
		return nil, fmt.Errorf("provisioner required")
	case params.Directory == nil:
		return nil, fmt.Errorf("customer directory required")
	case params.Outbox == nil:
		return nil, fmt.Errorf("outbox emitter required")
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	return &Resolver{
		db:          params.DB,
		customers:   params.Customers,
		users:       params.Users,
		provisioner: params.Provisioner,
		directory:   params.Directory,
		outbox:      params.Outbox,
		jwt:         params.JWT,
		appURL:      strings.TrimRight(params.AppURL, "/"),
		logg:        params.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Resolve returns the account for in.CustomerID. A miss is reported as an
// UnresolvedError; any other error is a hard failure the caller must surface.
func (r *Resolver) Resolve(ctx context.Context, in ResolveInput) (*Resolution, error) {
	customerID := strings.TrimSpace(in.CustomerID)
	if customerID == "" {
		return nil, notFound("")
	}
	ctx = r.logg.WithCustomerID(ctx, customerID)

	mapping, err := r.customers.FindByCustomerID(ctx, customerID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup customer mapping")
	}
	if mapping != nil {
		return &Resolution{UserID: mapping.UserID, Email: mapping.Email}, nil
	}

	email, err := r.directory.CustomerEmail(ctx, customerID)
	if err != nil {
		if errors.Is(err, stripeclient.ErrCustomerUnavailable) {
			r.logg.Warn(ctx, "billing customer has no usable email")
			return nil, notFound("")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch billing customer")
	}
	email = users.NormalizeEmail(email)

	account, err := r.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup account by email")
	}
	if account != nil {
		if _, err := r.customers.Link(ctx, customerID, account.ID, email); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persist customer mapping")
		}
		return &Resolution{UserID: account.ID, Email: email}, nil
	}

	byEmail, err := r.customers.FindByEmail(ctx, email)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup customer mapping by email")
	}
	if byEmail != nil {
		if _, err := r.customers.Link(ctx, customerID, byEmail.UserID, email); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persist customer mapping")
		}
		return &Resolution{UserID: byEmail.UserID, Email: email}, nil
	}

	if !in.AllowProvision || !in.PaidTier {
		return nil, notFound(email)
	}

	res, err := r.provision(ctx, customerID, email)
	if err != nil {
		r.logg.Error(r.logg.WithField(ctx, "email", email), "lazy provisioning failed", err)
		return nil, provisioningFailed(email, err)
	}
	return res, nil
}

func (r *Resolver) provision(ctx context.Context, customerID, email string) (*Resolution, error) {
	var res *Resolution
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		user, created, err := r.provisioner.WithTx(tx).Provision(ctx, email)
		if err != nil {
			return err
		}
		if _, err := r.customers.WithTx(tx).Link(ctx, customerID, user.ID, email); err != nil {
			return fmt.Errorf("persist customer mapping: %w", err)
		}
		if created {
			if err := r.emitProvisioned(ctx, tx, user.ID, email, customerID); err != nil {
				return err
			}
		}
		res = &Resolution{UserID: user.ID, Email: email, Created: created}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Created {
		r.logg.Info(r.logg.WithUserID(ctx, res.UserID.String()), "account provisioned for billing customer")
	}
	return res, nil
}

func (r *Resolver) emitProvisioned(ctx context.Context, tx *gorm.DB, userID uuid.UUID, email, customerID string) error {
	now := r.now()
	token, err := auth.MintSetupToken(r.jwt, now, userID, email)
	if err != nil {
		return fmt.Errorf("mint setup token: %w", err)
	}
	return r.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventAccountProvisioned,
		AggregateType: enums.AggregateUser,
		AggregateID:   userID,
		Actor:         &outbox.ActorRef{Source: outbox.SourceStripe, UserID: &userID, Reference: customerID},
		OccurredAt:    now,
		Data: payloads.AccountProvisionedEvent{
			UserID:           userID,
			Email:            email,
			StripeCustomerID: customerID,
			SetupURL:         r.setupURL(token),
			SetupExpiresAt:   now.Add(r.jwt.SetupLinkTTL()),
		},
	})
}

func (r *Resolver) setupURL(token string) string {
	return r.appURL + setupPath + "?token=" + url.QueryEscape(token)
}
