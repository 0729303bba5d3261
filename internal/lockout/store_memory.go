package lockout

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process; a mutex serializes updates.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(_ context.Context, identity string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[identity]
	return rec, ok, nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, identity string, now time.Time, p Policy) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.records[identity]
	next := apply(prev, ok, identity, now, p)
	m.records[identity] = next
	return next, nil
}

func (m *MemoryStore) Reset(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, identity)
	return nil
}

// Prune drops records whose window and lock both ended before now.
func (m *MemoryStore) Prune(now time.Time, window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, rec := range m.records {
		if rec.Locked(now) || now.Before(rec.WindowStart.Add(window)) {
			continue
		}
		delete(m.records, k)
		n++
	}
	return n
}
