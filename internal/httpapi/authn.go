package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"ssocore.org/internal/audit"
	"ssocore.org/internal/auth"
	"ssocore.org/internal/sentinel"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	actionDenied = "rbac.denied"
)

// requireToken verifies the bearer access token and attaches the caller.
func (a *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.tokens == nil {
			writeError(w, r, http.StatusServiceUnavailable, "token verification unavailable")
			return
		}
		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeCodedError(w, r, http.StatusUnauthorized, "invalid_token", err.Error())
			return
		}
		claims, err := a.tokens.VerifyAccess(raw)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		ctx := auth.ContextWithIdentity(r.Context(), auth.Identity{
			PrincipalID: claims.Subject,
			Roles:       claims.Roles,
			Lineage:     claims.Lineage,
		})
		ctx = auth.ContextWithToken(ctx, raw)
		ctx = audit.WithActor(ctx, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensurePermission rejects callers whose roles do not grant perm.
func (a *API) ensurePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok || a.rbac == nil {
				a.writeDomainError(w, r, sentinel.ErrUnauthorized)
				return
			}
			if err := a.rbac.Require(a.rbac.Resolve(id.Roles), perm); err != nil {
				if a.audit != nil {
					if aerr := a.audit.Append(r.Context(), audit.Entry{
						Action:   actionDenied,
						Target:   r.URL.Path,
						Outcome:  audit.OutcomeFailure,
						Severity: audit.SeverityWarning,
						Metadata: map[string]string{"permission": perm},
					}); aerr != nil {
						a.writeDomainError(w, r, aerr)
						return
					}
				}
				a.writeDomainError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
