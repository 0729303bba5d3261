package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"ssocore.org/internal/audit"
	"ssocore.org/internal/auth"
	"ssocore.org/internal/sentinel"
	"ssocore.org/internal/token"
)

type loginRequest struct {
	Identity string `json:"identity"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type verifyRequest struct {
	AccessToken string `json:"access_token"`
}

type authorizeRequest struct {
	Permission string `json:"permission"`
	Service    string `json:"service"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	PrincipalID      string    `json:"principal_id"`
	Roles            []string  `json:"roles"`
}

func newTokenResponse(p token.Pair) tokenResponse {
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	return tokenResponse{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenType:        strings.TrimSpace(bearer),
		ExpiresIn:        int64(time.Until(p.AccessExpiresAt).Seconds()),
		ExpiresAt:        p.AccessExpiresAt.UTC(),
		RefreshExpiresAt: p.RefreshExpiresAt.UTC(),
		PrincipalID:      p.PrincipalID,
		Roles:            roles,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	identity := req.Identity
	if identity == "" {
		identity = req.Email
	}
	pair, _, err := a.auth.Login(r.Context(), auth.Credentials{
		Identity: identity,
		Password: req.Password,
		IP:       clientIP(r),
	})
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		a.writeDomainError(w, r, sentinel.ErrMalformedToken)
		return
	}
	pair, err := a.tokens.Rotate(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		a.writeDomainError(w, r, sentinel.ErrMalformedToken)
		return
	}
	if err := a.tokens.Revoke(r.Context(), req.RefreshToken); err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleVerify lets relying services check an access token without holding keys.
func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	raw := strings.TrimSpace(req.AccessToken)
	if raw == "" {
		var err error
		if raw, err = extractBearerToken(r.Header.Get(authHeader)); err != nil {
			a.writeDomainError(w, r, fmt.Errorf("%w: %v", sentinel.ErrMalformedToken, err))
			return
		}
	}
	claims, err := a.tokens.VerifyAccess(raw)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	resp := map[string]any{
		"active": true,
		"sub":    claims.Subject,
		"roles":  claims.Roles,
		"sid":    claims.Lineage,
		"iss":    claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		resp["exp"] = claims.ExpiresAt.Unix()
	}
	if a.rbac != nil {
		resp["permissions"] = a.rbac.Resolve(claims.Roles).Slice()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAuthorize answers whether the caller holds a permission and, when a
// service is named, whether its roles grant access to that service.
func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	req.Permission = strings.TrimSpace(req.Permission)
	req.Service = strings.TrimSpace(req.Service)
	if req.Permission == "" && req.Service == "" {
		a.writeDomainError(w, r, fmt.Errorf("%w: permission or service is required", sentinel.ErrInvalidInput))
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	resp := map[string]any{"principal_id": id.PrincipalID}
	allowed := true
	if req.Permission != "" {
		if a.rbac == nil {
			a.writeDomainError(w, r, sentinel.ErrStoreUnavailable)
			return
		}
		ok := a.rbac.Require(a.rbac.Resolve(id.Roles), req.Permission) == nil
		resp["permission"] = req.Permission
		allowed = allowed && ok
	}
	if req.Service != "" {
		if a.registry == nil {
			a.writeDomainError(w, r, sentinel.ErrNotFound)
			return
		}
		ok, err := a.registry.AuthorizeAccess(r.Context(), req.Service, id.Roles)
		if err != nil {
			a.writeDomainError(w, r, err)
			return
		}
		resp["service"] = req.Service
		allowed = allowed && ok
	}
	resp["allowed"] = allowed
	if !allowed && a.audit != nil {
		if err := a.audit.Append(r.Context(), audit.Entry{
			Action:   actionDenied,
			Target:   req.Service,
			Outcome:  audit.OutcomeFailure,
			Severity: audit.SeverityWarning,
			Metadata: map[string]string{"permission": req.Permission, "service": req.Service},
		}); err != nil {
			a.writeDomainError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
