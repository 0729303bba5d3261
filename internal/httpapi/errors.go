package httpapi

import (
	"errors"
	"net/http"

	"ssocore.org/internal/sentinel"
)

// Locked and bad-credential failures share one response so callers cannot
// tell whether an identity exists or is locked.
const (
	invalidCredentialsMsg  = "invalid credentials"
	invalidCredentialsCode = "invalid_credentials"
)

// writeDomainError maps the error taxonomy onto HTTP responses.
func (a *API) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(err)
	if status >= http.StatusInternalServerError {
		a.logger.ErrorContext(r.Context(), "request failed",
			"request_id", RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeCodedError(w, r, status, code, msg)
}

func classify(err error) (int, string, string) {
	switch {
	case sentinel.IsAuthFailure(err):
		return http.StatusUnauthorized, invalidCredentialsCode, invalidCredentialsMsg
	case errors.Is(err, sentinel.ErrAccountInactive):
		return http.StatusForbidden, "account_inactive", "account inactive"
	case errors.Is(err, sentinel.ErrTokenExpired):
		return http.StatusUnauthorized, "token_expired", "token expired"
	case errors.Is(err, sentinel.ErrTokenRevoked):
		return http.StatusUnauthorized, "token_revoked", "token revoked"
	case errors.Is(err, sentinel.ErrTokenReused):
		return http.StatusUnauthorized, "token_reused", "token reuse detected"
	case errors.Is(err, sentinel.ErrInvalidSignature), errors.Is(err, sentinel.ErrMalformedToken):
		return http.StatusUnauthorized, "invalid_token", "invalid token"
	case errors.Is(err, sentinel.ErrUnauthorized):
		return http.StatusForbidden, "forbidden", "forbidden"
	case errors.Is(err, sentinel.ErrNotFound):
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, sentinel.ErrConflict):
		return http.StatusConflict, "conflict", "conflict"
	case errors.Is(err, sentinel.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input", err.Error()
	case errors.Is(err, sentinel.ErrServiceUnreachable):
		return http.StatusBadGateway, "service_unreachable", "service unreachable"
	case errors.Is(err, sentinel.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "unavailable", "temporarily unavailable"
	}
	return http.StatusInternalServerError, "internal", "internal error"
}
