package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/storyframe/storyframe-backend/pkg/config"
)

var (
	ErrSigningConfig = errors.New("jwt secret and issuer are required")
	ErrMissingUser   = errors.New("jwt subject user id is required")
	ErrWrongPurpose  = errors.New("token purpose not accepted here")
)

const clockSkew = 30 * time.Second

var signingMethod = jwt.SigningMethodHS256

// MintAccessToken issues the bearer token API clients present. payload.JTI
// is generated when empty.
func MintAccessToken(cfg config.JWTConfig, now time.Time, payload AccessTokenPayload) (string, error) {
	if cfg.ExpirationMinutes <= 0 {
		return "", errors.New("jwt expiration minutes must be positive")
	}
	registered, err := registeredClaims(cfg, now, time.Duration(cfg.ExpirationMinutes)*time.Minute, payload.UserID, payload.JTI)
	if err != nil {
		return "", err
	}
	return sign(cfg, AccessTokenClaims{
		UserID:           payload.UserID,
		Email:            normalizeEmail(payload.Email),
		RegisteredClaims: registered,
	})
}

// ParseAccessToken verifies the token and refuses any token minted for a
// narrower purpose.
func ParseAccessToken(cfg config.JWTConfig, raw string) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}
	if err := parse(cfg, raw, claims); err != nil {
		return nil, err
	}
	if claims.Purpose != "" {
		return nil, fmt.Errorf("%w: %q cannot authorize requests", ErrWrongPurpose, claims.Purpose)
	}
	return claims, nil
}

// MintSetupToken issues the token carried by the setup link of a lazily
// provisioned account.
func MintSetupToken(cfg config.JWTConfig, now time.Time, userID uuid.UUID, email string) (string, error) {
	ttl := cfg.SetupLinkTTL()
	if ttl <= 0 {
		return "", errors.New("setup token ttl must be positive")
	}
	registered, err := registeredClaims(cfg, now, ttl, userID, "")
	if err != nil {
		return "", err
	}
	return sign(cfg, SetupTokenClaims{
		UserID:           userID,
		Email:            normalizeEmail(email),
		Purpose:          PurposeAccountSetup,
		RegisteredClaims: registered,
	})
}

func ParseSetupToken(cfg config.JWTConfig, raw string) (*SetupTokenClaims, error) {
	claims := &SetupTokenClaims{}
	if err := parse(cfg, raw, claims); err != nil {
		return nil, err
	}
	if claims.Purpose != PurposeAccountSetup {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongPurpose, claims.Purpose, PurposeAccountSetup)
	}
	return claims, nil
}

func registeredClaims(cfg config.JWTConfig, now time.Time, ttl time.Duration, userID uuid.UUID, jti string) (jwt.RegisteredClaims, error) {
	if cfg.Secret == "" || cfg.Issuer == "" {
		return jwt.RegisteredClaims{}, ErrSigningConfig
	}
	if userID == uuid.Nil {
		return jwt.RegisteredClaims{}, ErrMissingUser
	}
	if jti = strings.TrimSpace(jti); jti == "" {
		jti = uuid.NewString()
	}
	return jwt.RegisteredClaims{
		Issuer:    cfg.Issuer,
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        jti,
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func sign(cfg config.JWTConfig, claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}

// parse pins the algorithm and issuer and requires an expiry, allowing a
// small skew between hosts.
func parse(cfg config.JWTConfig, raw string, claims jwt.Claims) error {
	if cfg.Secret == "" {
		return ErrSigningConfig
	}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return []byte(cfg.Secret), nil },
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	)
	return err
}
