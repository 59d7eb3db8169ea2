package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/storyframe/storyframe-backend/pkg/config"
	"github.com/storyframe/storyframe-backend/pkg/db"
	"github.com/storyframe/storyframe-backend/pkg/logger"
	"github.com/storyframe/storyframe-backend/pkg/metrics"
	"github.com/storyframe/storyframe-backend/pkg/migrate"
	"github.com/storyframe/storyframe-backend/pkg/outbox"
	"github.com/storyframe/storyframe-backend/pkg/outbox/registry"
	"github.com/storyframe/storyframe-backend/pkg/pubsub"
)

const serviceKind = "outbox-publisher"

// cliFlags selects an operator command. With neither set the binary runs
// the publisher loop.
type cliFlags struct {
	listDLQ   bool
	requeueID string
	limit     int
}

func main() {
	var flags cliFlags
	flag.BoolVar(&flags.listDLQ, "list-dlq", false, "print open dead-letter entries and exit")
	flag.StringVar(&flags.requeueID, "requeue", "", "outbox event id to move from the dead-letter table back into the outbox")
	flag.IntVar(&flags.limit, "limit", 50, "rows to print with -list-dlq")
	flag.Parse()

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
	err = run(ctx, cfg, logg, flags, os.Stdout)
	stop()
	if err != nil {
		logg.Error(context.Background(), "outbox publisher stopped", err)
		os.Exit(1)
	}
}

// run owns every resource it opens, so deferred closes happen before main
// decides the exit code.
func run(ctx context.Context, cfg *config.Config, logg *logger.Logger, flags cliFlags, out io.Writer) (err error) {
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

	dlqRepo := outbox.NewDLQRepository(dbClient.DB())
	switch {
	case flags.listDLQ:
		return printDLQ(ctx, dlqRepo, out, flags.limit)
	case flags.requeueID != "":
		entry, err := requeueDLQ(ctx, dbClient, dlqRepo, flags.requeueID, time.Now())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "requeued %s (%s, parked for %s)\n", entry.EventID, entry.EventType, entry.ErrorReason)
		return err
	}

	eventRegistry, err := registry.NewEventRegistry(cfg.PubSub)
	if err != nil {
		return fmt.Errorf("build event registry: %w", err)
	}
	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		return fmt.Errorf("bootstrap pubsub: %w", err)
	}
	defer func() { err = multierr.Append(err, pubsubClient.Close()) }()

	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		PubSub:        pubsubClient,
		Repository:    outbox.NewRepository(dbClient.DB()),
		Registry:      eventRegistry,
		DLQRepository: dlqRepo,
		Metrics:       metrics.NewOutboxMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		return fmt.Errorf("create outbox publisher: %w", err)
	}

	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceKind,
		"topics":      eventRegistry.Topics(),
	})
	go func() {
		if err := metrics.Serve(ctx, cfg.App.MetricsAddr, prometheus.DefaultGatherer, logg); err != nil {
			logg.Error(ctx, "metrics listener stopped", err)
		}
	}()

	logg.Info(ctx, "starting outbox publisher")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logg.Info(ctx, "outbox publisher shutting down gracefully")
	return nil
}
