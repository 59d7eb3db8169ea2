package controllers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"go.uber.org/multierr"

	"github.com/storyframe/storyframe-backend/api/responses"
	"github.com/storyframe/storyframe-backend/pkg/config"
	"github.com/storyframe/storyframe-backend/pkg/db"
	pkgerrors "github.com/storyframe/storyframe-backend/pkg/errors"
	"github.com/storyframe/storyframe-backend/pkg/logger"
)

const (
	envHeader    = "X-Storyframe-Env"
	readyTimeout = 2 * time.Second
)

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every dependency and reports 503 naming the ones that failed.
func HealthReady(cfg *config.Config, logg *logger.Logger, deps map[string]db.Pinger) http.HandlerFunc {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		var (
			errs   error
			failed []string
		)
		for _, name := range names {
			if err := deps[name].Ping(ctx); err != nil {
				errs = multierr.Append(errs, err)
				failed = append(failed, name)
			}
		}
		if errs != nil {
			logCtx := logg.WithField(r.Context(), "failed_dependencies", failed)
			responses.WriteError(logCtx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, errs, "dependencies unavailable").
				WithDetails(map[string]any{"failed": failed}))
			return
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
