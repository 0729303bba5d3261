// Package lockout tracks failed login attempts per identity and locks an
// identity once a threshold is reached inside a fixed window.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ssocore.org/internal/obs"
	"ssocore.org/internal/sentinel"
)

// Policy controls counting and locking.
type Policy struct {
	Threshold int
	Duration  time.Duration
	// Window is anchored at the first failure; a failure after it elapsed
	// starts a new window.
	Window time.Duration
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{Threshold: 5, Duration: 15 * time.Minute, Window: 15 * time.Minute}
}

func (p Policy) valid() bool {
	return p.Threshold > 0 && p.Duration > 0 && p.Window > 0
}

// Record is the stored state for one identity.
type Record struct {
	Identity    string
	Failures    int
	WindowStart time.Time
	LockedUntil time.Time
}

// Locked reports whether the record is locked at now.
func (r Record) Locked(now time.Time) bool {
	return !r.LockedUntil.IsZero() && now.Before(r.LockedUntil)
}

// Store persists records. RecordFailure must apply the whole policy in one
// atomic step per identity so concurrent failures are never lost.
type Store interface {
	Get(ctx context.Context, identity string) (Record, bool, error)
	RecordFailure(ctx context.Context, identity string, now time.Time, p Policy) (Record, error)
	Reset(ctx context.Context, identity string) error
}

// Status is the result of CheckAllowed.
type Status struct {
	Locked bool
	Until  time.Time
}

// Tracker is the lockout gate consulted before any credential check.
type Tracker struct {
	store  Store
	policy func() Policy
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPolicy sets a fixed policy.
func WithPolicy(p Policy) Option {
	return func(t *Tracker) {
		t.policy = func() Policy { return p }
	}
}

// WithPolicyFunc reads the policy on each failure so runtime overrides apply.
func WithPolicyFunc(fn func() Policy) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.policy = fn
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.now = fn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New returns a Tracker backed by store.
func New(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		policy: DefaultPolicy,
		now:    time.Now,
		logger: obs.Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CheckAllowed reports whether identity may attempt a login now.
func (t *Tracker) CheckAllowed(ctx context.Context, identity string) (Status, error) {
	identity = normalize(identity)
	rec, ok, err := t.store.Get(ctx, identity)
	if err != nil {
		return Status{}, unavailable("get lockout record", err)
	}
	if !ok {
		return Status{}, nil
	}
	now := t.now()
	if rec.Locked(now) {
		return Status{Locked: true, Until: rec.LockedUntil}, nil
	}
	return Status{}, nil
}

// RecordFailure counts a failed attempt and returns the count within the
// current window.
func (t *Tracker) RecordFailure(ctx context.Context, identity string) (int, error) {
	identity = normalize(identity)
	p := t.Policy()
	now := t.now()
	rec, err := t.store.RecordFailure(ctx, identity, now, p)
	if err != nil {
		return 0, unavailable("record failure", err)
	}
	if rec.Failures == p.Threshold && rec.Locked(now) {
		obs.LockoutTriggered()
		t.logger.Warn("identity locked",
			"identity", identity,
			"failures", rec.Failures,
			"locked_until", rec.LockedUntil,
		)
	}
	return rec.Failures, nil
}

// Policy returns the policy currently in force.
func (t *Tracker) Policy() Policy {
	p := t.policy()
	if !p.valid() {
		return DefaultPolicy()
	}
	return p
}

// RecordSuccess clears the counter and any lock.
func (t *Tracker) RecordSuccess(ctx context.Context, identity string) error {
	if err := t.store.Reset(ctx, normalize(identity)); err != nil {
		return unavailable("reset lockout", err)
	}
	return nil
}

// Key builds the lockout identity for a login attempt.
func Key(mode, identity, ip string) string {
	identity = normalize(identity)
	if mode == "ip+identity" && strings.TrimSpace(ip) != "" {
		return strings.TrimSpace(ip) + "|" + identity
	}
	return identity
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

func unavailable(op string, err error) error {
	if errors.Is(err, sentinel.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", sentinel.ErrStoreUnavailable, op, err)
}

// apply computes the next record from prev. Stores that can run Go code
// under their own lock use it directly; SQL and Lua implementations mirror it.
func apply(prev Record, found bool, identity string, now time.Time, p Policy) Record {
	next := prev
	next.Identity = identity
	if !found || next.WindowStart.IsZero() || !now.Before(next.WindowStart.Add(p.Window)) {
		next.Failures = 0
		next.WindowStart = now
	}
	next.Failures++
	if next.Failures >= p.Threshold {
		next.LockedUntil = now.Add(p.Duration)
	}
	return next
}
