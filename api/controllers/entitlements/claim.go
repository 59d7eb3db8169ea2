package entitlements

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/storyframe/storyframe-backend/api/middleware"
	"github.com/storyframe/storyframe-backend/api/responses"
	entsvc "github.com/storyframe/storyframe-backend/internal/entitlements"
	pkgerrors "github.com/storyframe/storyframe-backend/pkg/errors"
	"github.com/storyframe/storyframe-backend/pkg/logger"
)

type ClaimService interface {
	Claim(ctx context.Context, userID uuid.UUID, email string) (*entsvc.ClaimResult, error)
}

// Claim moves a subscription or purchase paid before sign-up onto the
// authenticated account. The email comes from the token, never the body.
func Claim(svc ClaimService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "claim service unavailable"))
			return
		}

		caller, ok := middleware.IdentityFromContext(r.Context())
		if !ok || !caller.Valid() {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing caller identity"))
			return
		}

		result, err := svc.Claim(r.Context(), caller.UserID, caller.Email)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
