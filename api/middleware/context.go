package middleware

import (
	"context"

	"github.com/google/uuid"
)

type identityKey struct{}

// Identity is the authenticated caller, taken from a verified access token.
type Identity struct {
	UserID uuid.UUID
	Email  string
}

// Valid reports whether both fields are set.
func (i Identity) Valid() bool {
	return i.UserID != uuid.Nil && i.Email != ""
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller set by Auth. ok is false on routes
// Auth does not guard.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
