package identity

import (
	"errors"
)

var (
	// ErrNotFound means no account exists and provisioning did not apply.
	ErrNotFound = errors.New("no account for billing customer")
	// ErrProvisioningFailed means an account should have been created but was not.
	ErrProvisioningFailed = errors.New("account provisioning failed")
)

// UnresolvedError carries the payer email, when known, so callers can park a
// pending entitlement.
type UnresolvedError struct {
	Email string
	kind  error
	cause error
}

func (e *UnresolvedError) Error() string {
	msg := e.kind.Error()
	if e.Email != "" {
		msg += " (" + e.Email + ")"
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *UnresolvedError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

func notFound(email string) error {
	return &UnresolvedError{Email: email, kind: ErrNotFound}
}

func provisioningFailed(email string, cause error) error {
	return &UnresolvedError{Email: email, kind: ErrProvisioningFailed, cause: cause}
}

// EmailOf extracts the payer email from an unresolved error.
func EmailOf(err error) string {
	var unresolved *UnresolvedError
	if errors.As(err, &unresolved) {
		return unresolved.Email
	}
	return ""
}

// IsUnresolved reports whether err is a resolution miss rather than a hard failure.
func IsUnresolved(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrProvisioningFailed)
}
