package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ssocore.org/internal/sentinel"
)

// ErrStaleTip is returned by SessionStore.Advance when the presented session
// is no longer the active tip of its lineage.
var ErrStaleTip = errors.New("token: lineage tip moved")

// Session is the server-side record of one refresh token. Sessions of one
// lineage form an append-only chain linked through PredecessorID; the store
// keeps a single tip pointer per lineage.
type Session struct {
	ID            string
	Lineage       string
	PrincipalID   string
	SecretHash    string
	Roles         []string
	PredecessorID string
	SupersededBy  string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Revoked       bool
	RevokedAt     time.Time
}

// SessionStore persists sessions and their lineage tips.
type SessionStore interface {
	// Create stores s as the first tip of a new lineage.
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	// Advance atomically revokes prevID, marks it superseded by next and makes
	// next the lineage tip. It fails with ErrStaleTip if prevID is not the
	// current, unrevoked tip.
	Advance(ctx context.Context, prevID string, next *Session, now time.Time) error
	RevokeLineage(ctx context.Context, lineage string, now time.Time) (int, error)
	RevokeByPrincipal(ctx context.Context, principalID string, now time.Time) (int, error)
}

// MemoryStore is a SessionStore guarded by a single mutex.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	tips     map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		tips:     make(map[string]string),
	}
}

var _ SessionStore = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("%w: session %s", sentinel.ErrConflict, s.ID)
	}
	if _, ok := m.tips[s.Lineage]; ok {
		return fmt.Errorf("%w: lineage %s", sentinel.ErrConflict, s.Lineage)
	}
	cp := cloneSession(s)
	m.sessions[s.ID] = cp
	m.tips[s.Lineage] = s.ID
	return nil
}

func (m *MemoryStore) Find(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) Advance(_ context.Context, prevID string, next *Session, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.sessions[prevID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if m.tips[prev.Lineage] != prevID || prev.Revoked {
		return ErrStaleTip
	}
	prev.Revoked = true
	prev.RevokedAt = now
	prev.SupersededBy = next.ID
	m.sessions[next.ID] = cloneSession(next)
	m.tips[prev.Lineage] = next.ID
	return nil
}

func (m *MemoryStore) RevokeLineage(_ context.Context, lineage string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.Lineage == lineage && !s.Revoked {
			s.Revoked = true
			s.RevokedAt = now
			n++
		}
	}
	delete(m.tips, lineage)
	return n, nil
}

func (m *MemoryStore) RevokeByPrincipal(_ context.Context, principalID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.PrincipalID != principalID {
			continue
		}
		delete(m.tips, s.Lineage)
		if !s.Revoked {
			s.Revoked = true
			s.RevokedAt = now
			n++
		}
	}
	return n, nil
}

func cloneSession(s *Session) *Session {
	cp := *s
	if s.Roles != nil {
		cp.Roles = append([]string(nil), s.Roles...)
	}
	return &cp
}
