package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/storyframe/storyframe-backend/pkg/config"
	"github.com/storyframe/storyframe-backend/pkg/db"
	"github.com/storyframe/storyframe-backend/pkg/logger"
)

// devAutoRun is true only for a dev environment with STORYFRAME_AUTO_MIGRATE
// set; other environments migrate through cmd/migrate.
func devAutoRun(cfg *config.Config) bool {
	return cfg != nil && cfg.App.IsDev() && cfg.FeatureFlags.AutoMigrate
}

// MaybeRunDev applies the embedded schema at api startup when devAutoRun
// allows it.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !devAutoRun(cfg) {
		return nil
	}
	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("dev migrations: sql handle: %w", err)
	}

	started := time.Now()
	if err := Run(ctx, sqlDB, Embedded, "up"); err != nil {
		return fmt.Errorf("dev migrations: %w", err)
	}
	logg.Info(logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"duration_ms": time.Since(started).Milliseconds(),
	}), "dev schema migrated")
	return nil
}
