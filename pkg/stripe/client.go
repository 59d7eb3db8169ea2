package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/storyframe/storyframe-backend/pkg/config"
	"github.com/storyframe/storyframe-backend/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"

	// SignatureTolerance bounds how old a signed delivery may be.
	SignatureTolerance = 5 * time.Minute
)

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)

	// ErrCustomerUnavailable is returned when the customer is deleted or carries no email.
	ErrCustomerUnavailable = errors.New("stripe customer unavailable")
)

// Client wraps Stripe's API client plus env-specific metadata.
type Client struct {
	api           *stripe.Client
	environment   string
	signingSecret string
}

// NewClient validates the key against the configured environment so a
// live key can never run against test webhooks, or the reverse.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	signingSecret := strings.TrimSpace(cfg.Secret)
	switch {
	case apiKey == "":
		return nil, errAPIKeyRequired
	case signingSecret == "":
		return nil, errSecretRequired
	}
	if err := validateAPIKey(env, apiKey); err != nil {
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithField(ctx, "stripe_env", env), "stripe client initialized")
	}
	return &Client{
		api:           stripe.NewClient(apiKey),
		environment:   env,
		signingSecret: signingSecret,
	}, nil
}

// API returns the underlying Stripe API client.
func (c *Client) API() *stripe.Client {
	if c == nil {
		return nil
	}
	return c.api
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// SigningSecret returns the webhook signing secret.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

// VerifyEvent authenticates a raw delivery and decodes the event envelope.
func (c *Client) VerifyEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	return VerifyEvent(payload, signatureHeader, c.SigningSecret())
}

// VerifyEvent checks the HMAC signature over the exact payload bytes. API version
// mismatches are tolerated since handlers read only the fields they need.
func VerifyEvent(payload []byte, signatureHeader, secret string) (stripe.Event, error) {
	if secret == "" {
		return stripe.Event{}, errSecretRequired
	}
	return webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		Tolerance:                SignatureTolerance,
		IgnoreAPIVersionMismatch: true,
	})
}

// CustomerEmail fetches the billing email on file for a customer. Deleted,
// missing or email-less customers all report ErrCustomerUnavailable.
func (c *Client) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	if c == nil || c.api == nil {
		return "", errAPIKeyRequired
	}
	customer, err := c.api.V1Customers.Retrieve(ctx, customerID, nil)
	switch {
	case isMissing(err):
		return "", ErrCustomerUnavailable
	case err != nil:
		return "", fmt.Errorf("retrieve customer %s: %w", customerID, err)
	case customer == nil || customer.Deleted:
		return "", ErrCustomerUnavailable
	}
	email := strings.TrimSpace(customer.Email)
	if email == "" {
		return "", ErrCustomerUnavailable
	}
	return email, nil
}

// ChargeCustomerID resolves the customer a charge belongs to. Guest charges
// and charges Stripe no longer knows return "".
func (c *Client) ChargeCustomerID(ctx context.Context, chargeID string) (string, error) {
	if c == nil || c.api == nil {
		return "", errAPIKeyRequired
	}
	charge, err := c.api.V1Charges.Retrieve(ctx, chargeID, nil)
	switch {
	case isMissing(err):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("retrieve charge %s: %w", chargeID, err)
	case charge == nil || charge.Customer == nil:
		return "", nil
	}
	return charge.Customer.ID, nil
}

func isMissing(err error) bool {
	var apiErr *stripe.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == stripe.ErrorCodeResourceMissing || apiErr.HTTPStatusCode == http.StatusNotFound
}

// keyPrefixes lists the secret and restricted key forms valid per environment.
var keyPrefixes = map[string][]string{
	testEnv: {"sk_test", "rk_test"},
	liveEnv: {"sk_live", "rk_live"},
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		return testEnv, nil
	}
	if _, ok := keyPrefixes[env]; !ok {
		return "", errInvalidStripeEnv
	}
	return env, nil
}

func validateAPIKey(env, key string) error {
	prefixes, ok := keyPrefixes[env]
	if !ok {
		return errInvalidStripeEnv
	}
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return nil
		}
	}
	return fmt.Errorf("stripe environment %q requires a key starting with %s", env, strings.Join(prefixes, " or "))
}
