package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storyframe/storyframe-backend/api/controllers"
	creditcontrollers "github.com/storyframe/storyframe-backend/api/controllers/credits"
	entitlementcontrollers "github.com/storyframe/storyframe-backend/api/controllers/entitlements"
	webhookcontrollers "github.com/storyframe/storyframe-backend/api/controllers/webhooks"
	"github.com/storyframe/storyframe-backend/api/middleware"
	"github.com/storyframe/storyframe-backend/pkg/config"
	"github.com/storyframe/storyframe-backend/pkg/db"
	"github.com/storyframe/storyframe-backend/pkg/logger"
	"github.com/storyframe/storyframe-backend/pkg/metrics"
)

// Webhook groups what the Stripe endpoint needs.
type Webhook struct {
	Service  webhookcontrollers.StripeWebhookService
	Verifier webhookcontrollers.EventVerifier
	Guard    webhookcontrollers.StripeWebhookGuard
	Metrics  *metrics.WebhookMetrics
}

// Account groups the endpoints an authenticated user calls.
type Account struct {
	Claims entitlementcontrollers.ClaimService
	Ledger creditcontrollers.LedgerReader
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	readiness map[string]db.Pinger,
	gatherer prometheus.Gatherer,
	webhook Webhook,
	account Account,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.CORS),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness))
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/webhooks", func(r chi.Router) {
			stripeHandler := webhookcontrollers.StripeWebhook(webhook.Service, webhook.Verifier, webhook.Guard, webhook.Metrics, logg)
			r.Post("/stripe", stripeHandler)
			r.Options("/stripe", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT, logg))
			r.Post("/entitlements/claim", entitlementcontrollers.Claim(account.Claims, logg))
			r.Get("/credits/ledger", creditcontrollers.Ledger(account.Ledger, logg))
		})
	})

	return r
}
