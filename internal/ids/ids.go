package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier used for session and audit keys.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a ULID stamped with t, keeping ordering stable under an injected clock.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// NewLineage returns a random identifier for a refresh-token rotation chain.
func NewLineage() string {
	return uuid.NewString()
}

// NewRequestID returns an identifier attached to inbound requests.
func NewRequestID() string {
	return uuid.NewString()
}
