// Package registry tracks the services that trust this SSO, their liveness
// and which roles may call them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"ssocore.org/internal/audit"
	"ssocore.org/internal/obs"
	"ssocore.org/internal/sentinel"
)

// Liveness is the last known health of a service.
type Liveness string

const (
	LivenessUnknown   Liveness = "unknown"
	LivenessHealthy   Liveness = "healthy"
	LivenessUnhealthy Liveness = "unhealthy"
)

// ReservedName is the name the core publishes its own health under; no
// downstream service may take it.
const ReservedName = "ssocore"

const (
	ActionServiceRegistered = "service.registered"
	ActionServiceRemoved    = "service.deregistered"
	ActionLivenessChanged   = "service.liveness_changed"
)

// Service is a registered downstream service.
type Service struct {
	Name         string    `json:"name"`
	BaseURL      string    `json:"base_url"`
	HealthURL    string    `json:"health_url"`
	AllowedRoles []string  `json:"allowed_roles"`
	Liveness     Liveness  `json:"liveness"`
	LastProbeAt  time.Time `json:"last_probe_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store persists services. Upsert keeps the stored liveness of an existing
// service and reports whether a new row was created.
type Store interface {
	Upsert(ctx context.Context, svc Service) (Service, bool, error)
	Get(ctx context.Context, name string) (Service, error)
	List(ctx context.Context) ([]Service, error)
	SetLiveness(ctx context.Context, name string, l Liveness, probedAt time.Time, lastErr string) error
	Delete(ctx context.Context, name string) error
}

// Registry manages registrations and access checks.
type Registry struct {
	store  Store
	audit  audit.Appender
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

func WithAudit(a audit.Appender) Option {
	return func(r *Registry) { r.audit = a }
}

func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func New(store Store, opts ...Option) *Registry {
	r := &Registry{store: store, now: time.Now, logger: obs.Logger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates or updates a service by name. Re-registering the same
// service is a no-op for liveness.
func (r *Registry) Register(ctx context.Context, svc Service) (Service, error) {
	svc.Name = strings.TrimSpace(svc.Name)
	if svc.Name == "" {
		return Service{}, fmt.Errorf("%w: service name is required", sentinel.ErrInvalidInput)
	}
	if strings.EqualFold(svc.Name, ReservedName) {
		return Service{}, fmt.Errorf("%w: service name %q is reserved", sentinel.ErrInvalidInput, svc.Name)
	}
	if err := validateHealthURL(svc.HealthURL); err != nil {
		return Service{}, err
	}
	svc.AllowedRoles = normalizeRoles(svc.AllowedRoles)
	now := r.now().UTC()
	svc.RegisteredAt, svc.UpdatedAt = now, now
	svc.Liveness = LivenessUnknown

	stored, created, err := r.store.Upsert(ctx, svc)
	if err != nil {
		return Service{}, storeErr("upsert service", err)
	}
	if created {
		if err := r.record(ctx, audit.Entry{
			Action:   ActionServiceRegistered,
			Target:   stored.Name,
			Metadata: map[string]string{"health_url": stored.HealthURL, "allowed_roles": strings.Join(stored.AllowedRoles, ",")},
		}); err != nil {
			return Service{}, err
		}
	}
	return stored, nil
}

// Deregister removes a service.
func (r *Registry) Deregister(ctx context.Context, name string) error {
	if err := r.store.Delete(ctx, name); err != nil {
		return storeErr("delete service", err)
	}
	return r.record(ctx, audit.Entry{Action: ActionServiceRemoved, Target: name, Severity: audit.SeverityWarning})
}

// Get returns one service.
func (r *Registry) Get(ctx context.Context, name string) (Service, error) {
	svc, err := r.store.Get(ctx, name)
	if err != nil {
		return Service{}, storeErr("get service", err)
	}
	return svc, nil
}

// List returns every service ordered by name.
func (r *Registry) List(ctx context.Context) ([]Service, error) {
	list, err := r.store.List(ctx)
	if err != nil {
		return nil, storeErr("list services", err)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

// AuthorizeAccess reports whether a caller holding roles may call the named
// service. The service's allowed roles are read on every call.
func (r *Registry) AuthorizeAccess(ctx context.Context, name string, roles []string) (bool, error) {
	svc, err := r.store.Get(ctx, name)
	if err != nil {
		return false, storeErr("get service", err)
	}
	allowed := make(map[string]struct{}, len(svc.AllowedRoles))
	for _, role := range svc.AllowedRoles {
		allowed[role] = struct{}{}
	}
	for _, role := range roles {
		if _, ok := allowed[role]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (r *Registry) record(ctx context.Context, e audit.Entry) error {
	if r.audit == nil {
		return nil
	}
	return r.audit.Append(ctx, e)
}

func validateHealthURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: health url %q", sentinel.ErrInvalidInput, raw)
	}
	switch u.Scheme {
	case "http", "https", "grpc":
		return nil
	}
	return fmt.Errorf("%w: unsupported health url scheme %q", sentinel.ErrInvalidInput, u.Scheme)
}

func normalizeRoles(roles []string) []string {
	set := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := set[r]; ok {
			continue
		}
		set[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound),
		errors.Is(err, sentinel.ErrInvalidInput),
		errors.Is(err, sentinel.ErrStoreUnavailable):
		return err
	}
	return fmt.Errorf("%w: %s: %v", sentinel.ErrStoreUnavailable, op, err)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	services map[string]Service
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{services: make(map[string]Service)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Upsert(_ context.Context, svc Service) (Service, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.services[svc.Name]
	if ok {
		svc.Liveness = cur.Liveness
		svc.LastProbeAt = cur.LastProbeAt
		svc.LastError = cur.LastError
		svc.RegisteredAt = cur.RegisteredAt
	}
	m.services[svc.Name] = cloneService(svc)
	return cloneService(svc), !ok, nil
}

func (m *MemoryStore) Get(_ context.Context, name string) (Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[name]
	if !ok {
		return Service{}, sentinel.ErrNotFound
	}
	return cloneService(svc), nil
}

func (m *MemoryStore) List(context.Context) ([]Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Service, 0, len(m.services))
	for _, svc := range m.services {
		out = append(out, cloneService(svc))
	}
	return out, nil
}

func (m *MemoryStore) SetLiveness(_ context.Context, name string, l Liveness, probedAt time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[name]
	if !ok {
		return sentinel.ErrNotFound
	}
	svc.Liveness = l
	svc.LastProbeAt = probedAt
	svc.LastError = lastErr
	m.services[name] = svc
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[name]; !ok {
		return sentinel.ErrNotFound
	}
	delete(m.services, name)
	return nil
}

func cloneService(s Service) Service {
	s.AllowedRoles = append([]string(nil), s.AllowedRoles...)
	return s
}
