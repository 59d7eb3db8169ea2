package middleware

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"

	"github.com/storyframe/storyframe-backend/api/responses"
	"github.com/storyframe/storyframe-backend/pkg/logger"
)

// safeRequestID bounds caller-supplied ids before they reach logs and headers.
var safeRequestID = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// requestID keeps a well-formed inbound id so a trace survives proxies, and
// mints a fresh one otherwise.
func requestID(r *http.Request) string {
	if id := r.Header.Get(responses.RequestIDHeader); safeRequestID.MatchString(id) {
		return id
	}
	return uuid.NewString()
}

// RequestID echoes the id on the response and tags the request's log context.
func RequestID(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := requestID(r)
			w.Header().Set(responses.RequestIDHeader, id)
			if logg != nil {
				r = r.WithContext(logg.WithRequestID(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}
