package middleware

import (
	"net/http"
	"strings"

	"github.com/storyframe/storyframe-backend/api/responses"
	pkgAuth "github.com/storyframe/storyframe-backend/pkg/auth"
	"github.com/storyframe/storyframe-backend/pkg/config"
	pkgerrors "github.com/storyframe/storyframe-backend/pkg/errors"
	"github.com/storyframe/storyframe-backend/pkg/logger"
)

const bearerPrefix = "bearer "

// Auth admits requests carrying a valid access token and puts the caller's
// identity on the context. Setup-link tokens are refused here.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reject := func(err *pkgerrors.Error) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="storyframe"`)
				responses.WriteError(r.Context(), logg, w, err)
			}

			token, ok := bearerToken(r)
			if !ok {
				reject(pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}
			claims, err := pkgAuth.ParseAccessToken(cfg, token)
			if err != nil {
				reject(pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}
			if claims.Email == "" {
				reject(pkgerrors.New(pkgerrors.CodeUnauthorized, "token carries no email"))
				return
			}

			ctx := WithIdentity(r.Context(), Identity{UserID: claims.UserID, Email: claims.Email})
			if logg != nil {
				ctx = logg.WithUserID(ctx, claims.UserID.String())
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken reads the Authorization header. The scheme is optional so
// clients that send the raw token keep working.
func bearerToken(r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(raw) >= len(bearerPrefix) && strings.EqualFold(raw[:len(bearerPrefix)], bearerPrefix) {
		raw = strings.TrimSpace(raw[len(bearerPrefix):])
	}
	return raw, raw != ""
}
