package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ssocore.org/internal/sentinel"
)

// CredentialStore persists principals and their role assignments.
// Lookups of missing principals return sentinel.ErrNotFound.
type CredentialStore interface {
	GetByIdentity(ctx context.Context, identity string) (Principal, error)
	GetByID(ctx context.Context, id string) (Principal, error)
	GetRoles(ctx context.Context, principalID string) ([]string, error)
	Create(ctx context.Context, p *Principal) error
	Update(ctx context.Context, p Principal) error
	SetActive(ctx context.Context, principalID string, active bool) error
	AssignRole(ctx context.Context, principalID, role string) error
	RevokeRole(ctx context.Context, principalID, role string) error
}

// MemoryStore is an in-process CredentialStore.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]Principal
	byEmail map[string]string
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]Principal),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

var _ CredentialStore = (*MemoryStore)(nil)

func (m *MemoryStore) GetByIdentity(_ context.Context, identity string) (Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[NormalizeIdentity(identity)]
	if !ok {
		return Principal{}, sentinel.ErrNotFound
	}
	return clonePrincipal(m.byID[id]), nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok {
		return Principal{}, sentinel.ErrNotFound
	}
	return clonePrincipal(p), nil
}

func (m *MemoryStore) GetRoles(_ context.Context, principalID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[principalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return append([]string(nil), p.Roles...), nil
}

func (m *MemoryStore) Create(_ context.Context, p *Principal) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: principal id is required", sentinel.ErrInvalidInput)
	}
	email := NormalizeIdentity(p.Email)
	if email == "" {
		return fmt.Errorf("%w: email is required", sentinel.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[p.ID]; ok {
		return sentinel.ErrConflict
	}
	if _, ok := m.byEmail[email]; ok {
		return sentinel.ErrConflict
	}
	now := m.now().UTC()
	p.Email = email
	p.Roles = normalizeRoles(p.Roles)
	p.CreatedAt, p.UpdatedAt = now, now
	m.byID[p.ID] = clonePrincipal(*p)
	m.byEmail[email] = p.ID
	return nil
}

func (m *MemoryStore) Update(_ context.Context, p Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[p.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	email := NormalizeIdentity(p.Email)
	if email != cur.Email {
		if _, taken := m.byEmail[email]; taken {
			return sentinel.ErrConflict
		}
		delete(m.byEmail, cur.Email)
		m.byEmail[email] = p.ID
	}
	p.Email = email
	p.Roles = normalizeRoles(p.Roles)
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = m.now().UTC()
	m.byID[p.ID] = clonePrincipal(p)
	return nil
}

func (m *MemoryStore) SetActive(_ context.Context, principalID string, active bool) error {
	return m.mutate(principalID, func(p *Principal) { p.Active = active })
}

func (m *MemoryStore) AssignRole(_ context.Context, principalID, role string) error {
	return m.mutate(principalID, func(p *Principal) {
		p.Roles = normalizeRoles(append(p.Roles, role))
	})
}

func (m *MemoryStore) RevokeRole(_ context.Context, principalID, role string) error {
	return m.mutate(principalID, func(p *Principal) {
		kept := p.Roles[:0]
		for _, r := range p.Roles {
			if r != role {
				kept = append(kept, r)
			}
		}
		p.Roles = kept
	})
}

func (m *MemoryStore) mutate(principalID string, fn func(*Principal)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[principalID]
	if !ok {
		return sentinel.ErrNotFound
	}
	p = clonePrincipal(p)
	fn(&p)
	p.UpdatedAt = m.now().UTC()
	m.byID[principalID] = p
	return nil
}

func clonePrincipal(p Principal) Principal {
	p.Roles = append([]string(nil), p.Roles...)
	return p
}
