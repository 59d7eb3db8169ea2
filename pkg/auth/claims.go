package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// PurposeAccountSetup marks tokens embedded in setup links for provisioned accounts.
const PurposeAccountSetup = "account_setup"

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	UserID uuid.UUID
	Email  string
	JTI    string
}

// AccessTokenClaims represents the typed JWT issued to clients.
type AccessTokenClaims struct {
	UserID  uuid.UUID `json:"user_id"`
	Email   string    `json:"email"`
	Purpose string    `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

// SetupTokenClaims authorize a single password setup for a provisioned account.
type SetupTokenClaims struct {
	UserID  uuid.UUID `json:"user_id"`
	Email   string    `json:"email"`
	Purpose string    `json:"purpose"`
	jwt.RegisteredClaims
}
