package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/storyframe/storyframe-backend/internal/credits"
	"github.com/storyframe/storyframe-backend/internal/cron"
	"github.com/storyframe/storyframe-backend/internal/entitlements"
	"github.com/storyframe/storyframe-backend/internal/ledger"
	"github.com/storyframe/storyframe-backend/pkg/config"
	"github.com/storyframe/storyframe-backend/pkg/db"
	"github.com/storyframe/storyframe-backend/pkg/logger"
	"github.com/storyframe/storyframe-backend/pkg/metrics"
	"github.com/storyframe/storyframe-backend/pkg/migrate"
	"github.com/storyframe/storyframe-backend/pkg/outbox"
	"github.com/storyframe/storyframe-backend/pkg/redis"
)

const serviceKind = "cron-worker"

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
		logg.Error(context.Background(), "cron worker stopped", err)
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

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(lockName(cfg.App.Env)), cfg.Cron.LockTTL)
	if err != nil {
		return fmt.Errorf("create cron lock: %w", err)
	}
	jobs, err := buildJobs(cfg, logg, dbClient)
	if err != nil {
		return err
	}
	registry, err := cron.NewRegistry(jobs...).Select(cfg.Cron.Jobs)
	if err != nil {
		return fmt.Errorf("select cron jobs: %w", err)
	}
	service, err := cron.NewService(cron.ServiceParams{
		Logger:      logg,
		Registry:    registry,
		Lock:        lock,
		Metrics:     metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval:    cfg.Cron.Interval,
		JobTimeout:  cfg.Cron.JobTimeout,
		LockRefresh: lock.TTL() / 3,
	})
	if err != nil {
		return fmt.Errorf("create cron service: %w", err)
	}

	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceKind,
		"jobs":        registry.Names(),
	})
	go func() {
		if err := metrics.Serve(ctx, cfg.App.MetricsAddr, prometheus.DefaultGatherer, logg); err != nil {
			logg.Error(ctx, "metrics listener stopped", err)
		}
	}()

	logg.Info(ctx, "starting cron worker")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logg.Info(ctx, "cron worker shutting down gracefully")
	return nil
}

// buildJobs lists every job this worker knows, in run order.
func buildJobs(cfg *config.Config, logg *logger.Logger, dbClient *db.Client) ([]cron.Job, error) {
	conn := dbClient.DB()
	outboxRepo := outbox.NewRepository(conn)
	ledgerSvc, err := ledger.NewService(ledger.NewRepository(conn))
	if err != nil {
		return nil, err
	}
	wallets, err := credits.NewWallets(credits.NewRepository(conn), ledgerSvc)
	if err != nil {
		return nil, err
	}

	graceSweep, err := cron.NewGraceSweepJob(cron.GraceSweepJobParams{
		Logger:       logg,
		DB:           dbClient,
		Entitlements: entitlements.NewRepository(conn),
		Wallets:      wallets,
		Outbox:       outbox.NewService(outboxRepo, logg),
		BatchSize:    cfg.Cron.GraceBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("grace sweep job: %w", err)
	}
	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:      logg,
		DB:          dbClient,
		Repository:  outboxRepo,
		DLQ:         outbox.NewDLQRepository(conn),
		Retention:   cfg.Outbox.Retention,
		MinAttempts: cfg.Outbox.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("outbox retention job: %w", err)
	}
	return []cron.Job{graceSweep, retention}, nil
}

// lockName scopes the worker lock per environment so staging and
// production sharing a Redis never block each other.
func lockName(env string) string {
	if env == "" {
		env = "local"
	}
	return "cron-worker:" + env
}
