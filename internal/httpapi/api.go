// Package httpapi exposes the authentication core over HTTP and gRPC.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"

	"ssocore.org/internal/audit"
	"ssocore.org/internal/auth"
	"ssocore.org/internal/obs"
	"ssocore.org/internal/rbac"
	"ssocore.org/internal/registry"
	"ssocore.org/internal/token"
)

const maxRequestBytes = 1 << 20

// Authenticator is the login and principal surface used by the handlers.
type Authenticator interface {
	Login(ctx context.Context, creds auth.Credentials) (token.Pair, auth.Principal, error)
	Register(ctx context.Context, email, password string, roles []string) (auth.Principal, error)
	Deactivate(ctx context.Context, principalID string) error
	AssignRole(ctx context.Context, principalID, role string) error
	RevokeRole(ctx context.Context, principalID, role string) error
	Principal(ctx context.Context, principalID string) (auth.Principal, error)
}

// Tokens is the token engine surface used by the handlers.
type Tokens interface {
	VerifyAccess(raw string) (*token.Claims, error)
	Rotate(ctx context.Context, raw string) (token.Pair, error)
	Revoke(ctx context.Context, raw string) error
	RevokeAll(ctx context.Context, principalID string) error
}

// Resolver answers permission checks and manages the role catalog.
type Resolver interface {
	Resolve(roles []string) rbac.PermissionSet
	Require(perms rbac.PermissionSet, required string) error
	Roles() []rbac.Role
	UpsertRole(ctx context.Context, role rbac.Role) (rbac.Role, error)
	DeleteRole(ctx context.Context, name string) error
}

// Services is the service registry surface.
type Services interface {
	Register(ctx context.Context, svc registry.Service) (registry.Service, error)
	Deregister(ctx context.Context, name string) error
	Get(ctx context.Context, name string) (registry.Service, error)
	List(ctx context.Context) ([]registry.Service, error)
	AuthorizeAccess(ctx context.Context, name string, roles []string) (bool, error)
}

// Readiness reports whether backing stores are reachable.
type Readiness interface {
	Check(ctx context.Context) error
}

// ReadyFunc adapts a function to Readiness.
type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Check(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

// Deps wires the API to its collaborators.
type Deps struct {
	Auth     Authenticator
	Tokens   Tokens
	RBAC     Resolver
	Registry Services
	Audit    audit.Appender
	// AuditLog and Events enable the audit query and live stream endpoints.
	AuditLog AuditReader
	Events   AuditFeed
	Ready    Readiness
	Version  string

	RateBurst  int
	RatePerSec int

	// TrustedProxies are peers allowed to set X-Forwarded-For.
	TrustedProxies []netip.Prefix
	Logger         *slog.Logger
}

// API is the HTTP layer.
type API struct {
	router   chi.Router
	auth     Authenticator
	tokens   Tokens
	rbac     Resolver
	registry Services
	audit    audit.Appender
	ready    Readiness
	version  string

	auditReader AuditReader
	events      AuditFeed

	burst   int
	perSec  int
	trusted []netip.Prefix
	logger  *slog.Logger
}

// New builds the router. Handlers for absent dependencies are not mounted.
func New(d Deps) *API {
	a := &API{
		router:   chi.NewRouter(),
		auth:     d.Auth,
		tokens:   d.Tokens,
		rbac:     d.RBAC,
		registry: d.Registry,
		audit:    d.Audit,
		ready:    d.Ready,
		version:  d.Version,
		burst:    d.RateBurst,
		perSec:   d.RatePerSec,
		logger:   d.Logger,

		auditReader: d.AuditLog,
		events:      d.Events,
		trusted:     d.TrustedProxies,
	}
	if a.ready == nil {
		a.ready = ReadyFunc(nil)
	}
	if a.logger == nil {
		a.logger = obs.Logger()
	}
	if a.burst <= 0 {
		a.burst = 20
	}
	if a.perSec <= 0 {
		a.perSec = 10
	}

	r := a.router
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		if a.auth != nil && a.tokens != nil {
			r.Post("/auth/login", a.handleLogin)
			r.Post("/auth/refresh", a.handleRefresh)
			r.Post("/auth/logout", a.handleLogout)
			r.Post("/auth/verify", a.handleVerify)
		}

		r.Group(func(r chi.Router) {
			r.Use(a.requireToken)
			r.Post("/authorize", a.handleAuthorize)
			r.Get("/roles", a.handleListRoles)
			if a.rbac != nil {
				r.With(a.ensurePermission(rbac.PermRolesManage)).Put("/roles/{name}", a.handleUpsertRole)
				r.With(a.ensurePermission(rbac.PermRolesManage)).Delete("/roles/{name}", a.handleDeleteRole)
			}

			r.Get("/services", a.handleListServices)
			r.Get("/services/{name}", a.handleGetService)
			r.Post("/services/{name}/access", a.handleServiceAccess)
			r.With(a.ensurePermission(rbac.PermServicesManage)).Post("/services", a.handleRegisterService)
			r.With(a.ensurePermission(rbac.PermServicesManage)).Delete("/services/{name}", a.handleDeregisterService)

			if a.auth != nil {
				manage := a.ensurePermission(rbac.PermUsersManage)
				r.With(manage).Post("/users", a.handleCreateUser)
				r.With(manage).Get("/users/{id}", a.handleGetUser)
				r.With(manage).Post("/users/{id}/roles", a.handleUserRoles)
				r.With(manage).Post("/users/{id}/revoke", a.handleRevokeUserSessions)
				r.With(a.ensurePermission(rbac.PermUsersDelete)).Post("/users/{id}/deactivate", a.handleDeactivateUser)
			}

			if a.auditReader != nil {
				r.With(a.ensurePermission(rbac.PermAuditRead)).Get("/audit", a.handleListAudit)
			}
			if a.events != nil {
				r.With(a.ensurePermission(rbac.PermAuditRead)).Get("/audit/stream", a.handleAuditStream)
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(methodNotAllowed)
	return a
}

// Handler returns the router wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = RateLimit(h, a.burst, a.perSec)
	h = MaxBodyBytes(h, maxRequestBytes)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = ClientContext(h, a.trusted...)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
