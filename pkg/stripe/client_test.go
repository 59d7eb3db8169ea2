package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/storyframe/storyframe-backend/pkg/config"
	"github.com/storyframe/storyframe-backend/pkg/stripe/stripetest"
)

const testSecret = "whsec_test_secret"

func TestNewClientValidatesConfig(t *testing.T) {
	ctx := context.Background()

	_, err := NewClient(ctx, config.StripeConfig{Secret: testSecret}, nil)
	assert.ErrorIs(t, err, errAPIKeyRequired)

	_, err = NewClient(ctx, config.StripeConfig{APIKey: "sk_test_123"}, nil)
	assert.ErrorIs(t, err, errSecretRequired)

	_, err = NewClient(ctx, config.StripeConfig{APIKey: "sk_live_123", Secret: testSecret}, nil)
	assert.Error(t, err)

	_, err = NewClient(ctx, config.StripeConfig{APIKey: "sk_test_123", Secret: testSecret, Env: "staging"}, nil)
	assert.ErrorIs(t, err, errInvalidStripeEnv)

	client, err := NewClient(ctx, config.StripeConfig{APIKey: "sk_live_123", Secret: testSecret, Env: "LIVE"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "live", client.Environment())
	assert.Equal(t, testSecret, client.SigningSecret())
	assert.NotNil(t, client.API())
}

func TestVerifyEventAcceptsValidSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`)
	header := stripetest.SignatureHeader(payload, testSecret, time.Now())

	event, err := VerifyEvent(payload, header, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, "invoice.paid", string(event.Type))
}

func TestVerifyEventRejectsTamperedPayload(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"invoice.paid"}`)
	header := stripetest.SignatureHeader(payload, testSecret, time.Now())

	_, err := VerifyEvent([]byte(`{"id":"evt_2","object":"event","type":"invoice.paid"}`), header, testSecret)
	assert.Error(t, err)

	_, err = VerifyEvent(payload, header, "whsec_other")
	assert.Error(t, err)

	_, err = VerifyEvent(payload, "", testSecret)
	assert.Error(t, err)
}

func TestVerifyEventRejectsStaleTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"invoice.paid"}`)
	header := stripetest.SignatureHeader(payload, testSecret, time.Now().Add(-time.Hour))

	_, err := VerifyEvent(payload, header, testSecret)
	assert.Error(t, err)
}

func TestNilClientAccessors(t *testing.T) {
	var c *Client
	assert.Nil(t, c.API())
	assert.Empty(t, c.SigningSecret())
	_, err := c.CustomerEmail(context.Background(), "cus_1")
	assert.Error(t, err)
}

func TestIsMissingRecognisesResourceMissing(t *testing.T) {
	assert.True(t, isMissing(&stripe.Error{Code: stripe.ErrorCodeResourceMissing}))
	assert.True(t, isMissing(fmt.Errorf("wrapped: %w", &stripe.Error{HTTPStatusCode: http.StatusNotFound})))
	assert.False(t, isMissing(&stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}))
	assert.False(t, isMissing(errors.New("dial tcp: timeout")))
	assert.False(t, isMissing(nil))
}

func TestValidateAPIKeyMatchesEnvironment(t *testing.T) {
	assert.NoError(t, validateAPIKey("test", "rk_test_abc"))
	assert.NoError(t, validateAPIKey("live", "sk_live_abc"))
	assert.ErrorContains(t, validateAPIKey("live", "sk_test_abc"), "sk_live or rk_live")
	assert.ErrorIs(t, validateAPIKey("staging", "sk_test_abc"), errInvalidStripeEnv)
}
