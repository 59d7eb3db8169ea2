package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/storyframe/storyframe-backend/api/routes"
	"github.com/storyframe/storyframe-backend/internal/billing"
	"github.com/storyframe/storyframe-backend/internal/credits"
	"github.com/storyframe/storyframe-backend/internal/customers"
	"github.com/storyframe/storyframe-backend/internal/entitlements"
	"github.com/storyframe/storyframe-backend/internal/identity"
	"github.com/storyframe/storyframe-backend/internal/ledger"
	"github.com/storyframe/storyframe-backend/internal/users"
	stripewebhook "github.com/storyframe/storyframe-backend/internal/webhooks/stripe"
	"github.com/storyframe/storyframe-backend/pkg/config"
	"github.com/storyframe/storyframe-backend/pkg/db"
	"github.com/storyframe/storyframe-backend/pkg/logger"
	"github.com/storyframe/storyframe-backend/pkg/metrics"
	"github.com/storyframe/storyframe-backend/pkg/migrate"
	"github.com/storyframe/storyframe-backend/pkg/outbox"
	"github.com/storyframe/storyframe-backend/pkg/redis"
	"github.com/storyframe/storyframe-backend/pkg/stripe"
)

const (
	serviceKind       = "api"
	webhookGuardScope = "stripe-webhook"
	shutdownTimeout   = 15 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceKind})
	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}
	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = serviceKind
	logg = logger.New(logger.Options{
		ServiceName: serviceKind,
		Level:       cfg.App.LogLevel,
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logg)
	stop()
	if err != nil {
		logg.Error(context.Background(), "api server stopped", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) (err error) {
	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("bootstrap database: %w", err)
	}
	defer func() { err = multierr.Append(err, dbClient.Close()) }()
	if stats, err := dbClient.StatsCollector(serviceKind); err == nil {
		prometheus.MustRegister(stats)
	}

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return err
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return fmt.Errorf("bootstrap redis: %w", err)
	}
	defer func() { err = multierr.Append(err, redisClient.Close()) }()

	stripeClient, err := stripe.NewClient(ctx, cfg.Stripe, logg)
	if err != nil {
		return fmt.Errorf("bootstrap stripe client: %w", err)
	}

	// A dedicated metrics listener keeps /metrics off the public router.
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if cfg.App.MetricsAddr != "" {
		gatherer = nil
		go func() {
			if err := metrics.Serve(ctx, cfg.App.MetricsAddr, prometheus.DefaultGatherer, logg); err != nil {
				logg.Error(ctx, "metrics listener stopped", err)
			}
		}()
	}

	handler, err := buildHandler(cfg, logg, dbClient, redisClient, stripeClient, gatherer)
	if err != nil {
		return err
	}

	addr, instance := listenAddr(cfg), instanceID()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":        cfg.App.Env,
		"addr":       addr,
		"instance":   instance,
		"stripe_env": stripeClient.Environment(),
	})
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serve(ctx, server, logg)
}

func buildHandler(
	cfg *config.Config,
	logg *logger.Logger,
	dbClient *db.Client,
	redisClient *redis.Client,
	stripeClient *stripe.Client,
	gatherer prometheus.Gatherer,
) (http.Handler, error) {
	conn := dbClient.DB()
	emitter := outbox.NewService(outbox.NewRepository(conn), logg)
	userRepo := users.NewRepository(conn)
	customerRepo := customers.NewRepository(conn)
	entitlementRepo := entitlements.NewRepository(conn)
	pendingRepo := entitlements.NewPendingRepository(conn)

	ledgerSvc, err := ledger.NewService(ledger.NewRepository(conn))
	if err != nil {
		return nil, err
	}
	wallets, err := credits.NewWallets(credits.NewRepository(conn), ledgerSvc)
	if err != nil {
		return nil, err
	}

	resolver, err := identity.NewResolver(identity.ResolverParams{
		DB:          dbClient,
		Customers:   customerRepo,
		Users:       userRepo,
		Provisioner: users.NewProvisioner(userRepo, cfg.Password),
		Directory:   stripeClient,
		Outbox:      emitter,
		JWT:         cfg.JWT,
		AppURL:      cfg.App.AppURL,
		Logger:      logg,
	})
	if err != nil {
		return nil, fmt.Errorf("identity resolver: %w", err)
	}

	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		TransactionRunner: dbClient,
		Accounts:          resolver,
		Users:             userRepo,
		Billing:           billing.NewResolver(billing.CatalogFromConfig(cfg.Billing)),
		Entitlements:      entitlementRepo,
		Pending:           pendingRepo,
		Customers:         customerRepo,
		Wallets:           wallets,
		Outbox:            emitter,
		Charges:           stripeClient,
		Logger:            logg,
		LazyProvisioning:  cfg.FeatureFlags.LazyProvisioning,
	})
	if err != nil {
		return nil, fmt.Errorf("stripe webhook service: %w", err)
	}

	guard, err := stripewebhook.NewIdempotencyGuard(
		redisClient,
		cfg.Eventing.WebhookIdempotencyTTL,
		cfg.Eventing.WebhookInFlightTTL,
		webhookGuardScope,
	)
	if err != nil {
		return nil, fmt.Errorf("webhook guard: %w", err)
	}

	claimService, err := entitlements.NewClaimService(entitlements.ClaimServiceParams{
		DB:           dbClient,
		Entitlements: entitlementRepo,
		Pending:      pendingRepo,
		Customers:    customerRepo,
		Wallets:      wallets,
		Outbox:       emitter,
		Logger:       logg,
	})
	if err != nil {
		return nil, fmt.Errorf("claim service: %w", err)
	}

	return routes.NewRouter(
		cfg,
		logg,
		map[string]db.Pinger{"db": dbClient, "redis": redisClient},
		gatherer,
		routes.Webhook{
			Service:  webhookService,
			Verifier: stripeClient,
			Guard:    guard,
			Metrics:  metrics.NewWebhookMetrics(prometheus.DefaultRegisterer),
		},
		routes.Account{Claims: claimService, Ledger: ledgerSvc},
	), nil
}

// serve blocks until the server fails or ctx ends, then drains in-flight
// requests for up to shutdownTimeout.
func serve(ctx context.Context, server *http.Server, logg *logger.Logger) error {
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logg.Info(ctx, "starting api server")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logg.Info(ctx, "api server shut down gracefully")
	return nil
}

// listenAddr prefers the platform-assigned PORT over config.
func listenAddr(cfg *config.Config) string {
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":" + cfg.App.Port
}

func instanceID() string {
	if id := os.Getenv("DYNO"); id != "" {
		return id
	}
	return "local"
}
