// Package sentinel holds the error taxonomy shared by the authentication core.
package sentinel

import "errors"

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrAccountInactive    = errors.New("auth: account inactive")

	ErrTokenExpired     = errors.New("token: expired")
	ErrTokenRevoked     = errors.New("token: revoked")
	ErrTokenReused      = errors.New("token: reused")
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrMalformedToken   = errors.New("token: malformed")
	ErrNoKeyMaterial    = errors.New("token: no key material configured")

	ErrUnauthorized       = errors.New("rbac: unauthorized")
	ErrServiceUnreachable = errors.New("registry: service unreachable")

	ErrStoreUnavailable = errors.New("store: unavailable")
	ErrNotFound         = errors.New("store: not found")
	ErrConflict         = errors.New("store: conflict")
	ErrInvalidInput     = errors.New("invalid input")
)

// IsAuthFailure reports whether err is a login outcome that must be rendered
// the same way as a bad password.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrAccountLocked)
}

// IsTokenFailure reports whether err describes a rejected token.
func IsTokenFailure(err error) bool {
	switch {
	case errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrTokenRevoked),
		errors.Is(err, ErrTokenReused),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrMalformedToken):
		return true
	}
	return false
}
