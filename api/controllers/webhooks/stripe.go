package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/storyframe/storyframe-backend/api/responses"
	stripewebhook "github.com/storyframe/storyframe-backend/internal/webhooks/stripe"
	pkgerrors "github.com/storyframe/storyframe-backend/pkg/errors"
	"github.com/storyframe/storyframe-backend/pkg/logger"
	"github.com/storyframe/storyframe-backend/pkg/metrics"
	"github.com/storyframe/storyframe-backend/pkg/types"
)

// MaxPayloadBytes caps a webhook body; Stripe events are far smaller.
const MaxPayloadBytes = 256 << 10

type StripeWebhookService interface {
	HandleEvent(ctx context.Context, event *stripe.Event) error
}

type StripeWebhookGuard interface {
	Begin(ctx context.Context, eventID string) (stripewebhook.GuardState, error)
	Complete(ctx context.Context, eventID string) error
	Release(ctx context.Context, eventID string) error
}

type EventVerifier interface {
	VerifyEvent(payload []byte, signatureHeader string) (stripe.Event, error)
}

// StripeWebhook authenticates Stripe deliveries and hands them to the reconciler.
// The guard only short-circuits redeliveries; correctness rests on the credit
// event log, so a guard outage does not fail the request.
func StripeWebhook(svc StripeWebhookService, verifier EventVerifier, guard StripeWebhookGuard, m *metrics.WebhookMetrics, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()

		if svc == nil || verifier == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPayloadBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				m.Observe("", metrics.OutcomeRejected, 0)
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "payload too large"))
				return
			}
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		sigHeader := r.Header.Get("Stripe-Signature")
		if sigHeader == "" {
			m.Observe("", metrics.OutcomeRejected, 0)
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeSignature, "stripe signature missing"))
			return
		}

		event, err := verifier.VerifyEvent(payload, sigHeader)
		if err != nil {
			m.Observe("", metrics.OutcomeRejected, 0)
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeSignature, err, "verify signature"))
			return
		}
		eventType := string(event.Type)
		if logg != nil {
			ctx = logg.WithEvent(ctx, event.ID, eventType)
		}

		owned := false
		if guard != nil {
			state, err := guard.Begin(ctx, event.ID)
			switch {
			case err != nil:
				if logg != nil {
					logg.Warn(logg.WithField(ctx, "error", err.Error()), "webhook guard unavailable")
				}
			case state == stripewebhook.GuardDone:
				m.Observe(eventType, metrics.OutcomeDuplicate, time.Since(start))
				responses.WriteSuccess(w, types.WebhookAck{Received: true, EventID: event.ID, Duplicate: true})
				return
			case state == stripewebhook.GuardInFlight:
				m.Observe(eventType, metrics.OutcomeDuplicate, time.Since(start))
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "event is already being processed"))
				return
			default:
				owned = true
			}
		}

		if err := svc.HandleEvent(ctx, &event); err != nil {
			// A payload that can never apply is settled so Stripe's redeliveries
			// are acked as duplicates; anything else frees the event for retry.
			if owned {
				settle := guard.Release
				if !pkgerrors.IsRetryable(err) {
					settle = guard.Complete
				}
				if gerr := settle(ctx, event.ID); gerr != nil && logg != nil {
					logg.Warn(logg.WithField(ctx, "error", gerr.Error()), "webhook guard not settled")
				}
			}
			m.Observe(eventType, metrics.OutcomeFailed, time.Since(start))
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if owned {
			if err := guard.Complete(ctx, event.ID); err != nil && logg != nil {
				logg.Warn(logg.WithField(ctx, "error", err.Error()), "webhook guard not completed")
			}
		}

		outcome := metrics.OutcomeProcessed
		if !stripewebhook.Handles(event.Type) {
			outcome = metrics.OutcomeIgnored
		}
		m.Observe(eventType, outcome, time.Since(start))
		if logg != nil {
			logg.Info(logg.WithField(ctx, "outcome", outcome), "stripe event acknowledged")
		}
		responses.WriteSuccess(w, types.WebhookAck{Received: true, EventID: event.ID})
	}
}
