// Package rbac resolves roles to permissions and answers authorization
// checks against an immutable snapshot of the role catalog.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ssocore.org/internal/obs"
	"ssocore.org/internal/sentinel"
)

// Well-known permissions guarding the administrative surface.
const (
	PermRolesManage    = "rbac.roles.manage"
	PermUsersManage    = "users.manage"
	PermUsersDelete    = "users.delete"
	PermServicesManage = "services.manage"
	PermAuditRead      = "audit.read"
)

// Role is a named permission bundle.
type Role struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Permissions []string  `json:"permissions"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PermissionSet is the effective permission set of a caller.
type PermissionSet map[string]struct{}

// Has reports exact membership of perm.
func (s PermissionSet) Has(perm string) bool {
	_, ok := s[perm]
	return ok
}

// Slice returns the permissions in sorted order.
func (s PermissionSet) Slice() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Source persists the role catalog.
type Source interface {
	ListRoles(ctx context.Context) ([]Role, error)
	UpsertRole(ctx context.Context, role Role) error
	DeleteRole(ctx context.Context, name string) error
}

type snapshot struct {
	roles    map[string]Role
	loadedAt time.Time
}

// Resolver serves reads from an atomically swapped snapshot. Writers go
// through the source and then publish a new snapshot.
type Resolver struct {
	source  Source
	refresh time.Duration
	now     func() time.Time
	logger  *slog.Logger

	snap    atomic.Pointer[snapshot]
	writeMu sync.Mutex
	// gen counts published writes; guarded by writeMu.
	gen uint64

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRefresh sets how often Start reloads the catalog.
func WithRefresh(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.refresh = d
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New returns a Resolver with an empty snapshot. Call Reload before serving.
func New(source Source, opts ...Option) *Resolver {
	r := &Resolver{
		source:  source,
		refresh: 30 * time.Second,
		now:     time.Now,
		logger:  obs.Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(&snapshot{roles: map[string]Role{}})
	return r
}

// Resolve returns the union of the permissions of roles. Unknown roles
// contribute nothing.
func (r *Resolver) Resolve(roles []string) PermissionSet {
	snap := r.snap.Load()
	out := make(PermissionSet)
	for _, name := range roles {
		role, ok := snap.roles[name]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			out[p] = struct{}{}
		}
	}
	return out
}

// Authorize reports whether required is in perms. There is no wildcard or
// hierarchy expansion.
func (r *Resolver) Authorize(perms PermissionSet, required string) bool {
	return perms.Has(required)
}

// Require is Authorize returning sentinel.ErrUnauthorized on denial.
func (r *Resolver) Require(perms PermissionSet, required string) error {
	if !r.Authorize(perms, required) {
		return fmt.Errorf("%w: missing permission %s", sentinel.ErrUnauthorized, required)
	}
	return nil
}

// Roles returns the catalog in name order.
func (r *Resolver) Roles() []Role {
	snap := r.snap.Load()
	out := make([]Role, 0, len(snap.roles))
	for _, role := range snap.roles {
		out = append(out, cloneRole(role))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Role returns one role from the current snapshot.
func (r *Resolver) Role(name string) (Role, bool) {
	role, ok := r.snap.Load().roles[name]
	return cloneRole(role), ok
}

// LoadedAt reports when the current snapshot was built.
func (r *Resolver) LoadedAt() time.Time {
	return r.snap.Load().loadedAt
}

// UpsertRole persists role and makes it visible to subsequent resolutions.
func (r *Resolver) UpsertRole(ctx context.Context, role Role) (Role, error) {
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", sentinel.ErrInvalidInput)
	}
	role.Permissions = normalize(role.Permissions)
	role.UpdatedAt = r.now().UTC()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.source.UpsertRole(ctx, role); err != nil {
		return Role{}, sourceErr("upsert role", err)
	}
	r.publish(func(roles map[string]Role) { roles[role.Name] = role })
	return cloneRole(role), nil
}

// DeleteRole removes a role from the catalog.
func (r *Resolver) DeleteRole(ctx context.Context, name string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.source.DeleteRole(ctx, name); err != nil {
		return sourceErr("delete role", err)
	}
	r.publish(func(roles map[string]Role) { delete(roles, name) })
	return nil
}

// Reload replaces the snapshot with the source's catalog. A listing that
// started before a concurrent UpsertRole or DeleteRole is discarded so it
// cannot overwrite the newer snapshot.
func (r *Resolver) Reload(ctx context.Context) error {
	r.writeMu.Lock()
	startGen := r.gen
	r.writeMu.Unlock()

	roles, err := r.source.ListRoles(ctx)
	if err != nil {
		return sourceErr("list roles", err)
	}
	next := &snapshot{roles: make(map[string]Role, len(roles)), loadedAt: r.now()}
	for _, role := range roles {
		role.Permissions = normalize(role.Permissions)
		next.roles[role.Name] = role
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.gen != startGen {
		r.logger.Debug("rbac reload discarded, catalog changed while listing")
		return nil
	}
	r.snap.Store(next)
	return nil
}

// Start reloads the catalog periodically until Stop or ctx cancellation.
func (r *Resolver) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := r.Reload(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("rbac reload failed, serving previous snapshot", "error", err)
			}
		}
	}()
}

// Stop ends background reloads.
func (r *Resolver) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
			<-r.done
		}
	})
}

// publish copies the current snapshot, applies fn and swaps it in.
// Callers hold writeMu.
func (r *Resolver) publish(fn func(map[string]Role)) {
	cur := r.snap.Load()
	roles := make(map[string]Role, len(cur.roles)+1)
	for k, v := range cur.roles {
		roles[k] = v
	}
	fn(roles)
	r.gen++
	r.snap.Store(&snapshot{roles: roles, loadedAt: r.now()})
}

func normalize(perms []string) []string {
	set := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := set[p]; ok {
			continue
		}
		set[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func cloneRole(r Role) Role {
	r.Permissions = append([]string(nil), r.Permissions...)
	return r
}

func sourceErr(op string, err error) error {
	if errors.Is(err, sentinel.ErrNotFound) || errors.Is(err, sentinel.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", sentinel.ErrStoreUnavailable, op, err)
}

// MemorySource is an in-process role catalog.
type MemorySource struct {
	mu    sync.Mutex
	roles map[string]Role
}

func NewMemorySource(roles ...Role) *MemorySource {
	m := &MemorySource{roles: make(map[string]Role, len(roles))}
	for _, r := range roles {
		m.roles[r.Name] = cloneRole(r)
	}
	return m
}

func (m *MemorySource) ListRoles(context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, cloneRole(r))
	}
	return out, nil
}

func (m *MemorySource) UpsertRole(_ context.Context, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[role.Name] = cloneRole(role)
	return nil
}

func (m *MemorySource) DeleteRole(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[name]; !ok {
		return sentinel.ErrNotFound
	}
	delete(m.roles, name)
	return nil
}
