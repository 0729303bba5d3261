package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ssocore.org/internal/auth"
	"ssocore.org/internal/rbac"
	"ssocore.org/internal/registry"
	"ssocore.org/internal/sentinel"
)

type roleRequest struct {
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

type serviceRequest struct {
	Name         string   `json:"name"`
	BaseURL      string   `json:"base_url"`
	HealthURL    string   `json:"health_url"`
	AllowedRoles []string `json:"allowed_roles"`
}

type createUserRequest struct {
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
}

type userRoleRequest struct {
	Role   string `json:"role"`
	Action string `json:"action"`
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	if a.rbac == nil {
		writeJSON(w, http.StatusOK, map[string]any{"roles": []rbac.Role{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": a.rbac.Roles()})
}

func (a *API) handleUpsertRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	role, err := a.rbac.UpsertRole(r.Context(), rbac.Role{
		Name:        chi.URLParam(r, "name"),
		Description: req.Description,
		Permissions: req.Permissions,
	})
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := a.rbac.DeleteRole(r.Context(), chi.URLParam(r, "name")); err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListServices(w http.ResponseWriter, r *http.Request) {
	if a.registry == nil {
		writeJSON(w, http.StatusOK, map[string]any{"services": []registry.Service{}})
		return
	}
	list, err := a.registry.List(r.Context())
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []registry.Service{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": list})
}

func (a *API) handleGetService(w http.ResponseWriter, r *http.Request) {
	if a.registry == nil {
		a.writeDomainError(w, r, sentinel.ErrNotFound)
		return
	}
	svc, err := a.registry.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (a *API) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	if a.registry == nil {
		a.writeDomainError(w, r, sentinel.ErrStoreUnavailable)
		return
	}
	var req serviceRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	svc, err := a.registry.Register(r.Context(), registry.Service{
		Name:         req.Name,
		BaseURL:      req.BaseURL,
		HealthURL:    req.HealthURL,
		AllowedRoles: req.AllowedRoles,
	})
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (a *API) handleDeregisterService(w http.ResponseWriter, r *http.Request) {
	if a.registry == nil {
		a.writeDomainError(w, r, sentinel.ErrNotFound)
		return
	}
	if err := a.registry.Deregister(r.Context(), chi.URLParam(r, "name")); err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleServiceAccess checks the caller's own roles against a service.
func (a *API) handleServiceAccess(w http.ResponseWriter, r *http.Request) {
	if a.registry == nil {
		a.writeDomainError(w, r, sentinel.ErrNotFound)
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	name := chi.URLParam(r, "name")
	ok, err := a.registry.AuthorizeAccess(r.Context(), name, id.Roles)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"service": name, "allowed": ok})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	p, err := a.auth.Register(r.Context(), req.Email, req.Password, req.Roles)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	p, err := a.auth.Principal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request) {
	var req userRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	var err error
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "", "assign":
		err = a.auth.AssignRole(r.Context(), id, req.Role)
	case "revoke":
		err = a.auth.RevokeRole(r.Context(), id, req.Role)
	default:
		err = fmt.Errorf("%w: unknown action %q", sentinel.ErrInvalidInput, req.Action)
	}
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	p, err := a.auth.Principal(r.Context(), id)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	if err := a.tokens.RevokeAll(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
