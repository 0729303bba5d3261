// Package audit implements the append-only security event log.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ssocore.org/internal/ids"
	"ssocore.org/internal/obs"
	"ssocore.org/internal/sentinel"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SystemActor is recorded when no principal triggered the event.
const SystemActor = "system"

// Policy decides what happens to the triggering operation when the sink fails.
type Policy string

const (
	FailClosed Policy = "fail-closed"
	FailOpen   Policy = "fail-open"
)

// ParsePolicy maps a configuration value to a Policy. Empty means FailClosed.
func ParsePolicy(v string) (Policy, error) {
	switch Policy(strings.TrimSpace(strings.ToLower(v))) {
	case "", FailClosed:
		return FailClosed, nil
	case FailOpen:
		return FailOpen, nil
	}
	return "", fmt.Errorf("%w: audit policy %q", sentinel.ErrInvalidInput, v)
}

// Entry is an immutable audit record.
type Entry struct {
	ID         string            `json:"id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Actor      string            `json:"actor"`
	Action     string            `json:"action"`
	Target     string            `json:"target,omitempty"`
	Outcome    Outcome           `json:"outcome"`
	Severity   Severity          `json:"severity"`
	IP         string            `json:"ip,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Sink persists entries. Implementations must not mutate the entry.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Appender is what other components depend on.
type Appender interface {
	Append(ctx context.Context, e Entry) error
}

// Log stamps entries and writes them to a sink under a failure policy.
type Log struct {
	sink   Sink
	policy func() Policy
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithPolicy sets a fixed failure policy.
func WithPolicy(p Policy) Option {
	return func(l *Log) {
		l.policy = func() Policy { return p }
	}
}

// WithPolicyFunc reads the policy on every append, so runtime overrides apply.
func WithPolicyFunc(fn func() Policy) Option {
	return func(l *Log) {
		if fn != nil {
			l.policy = fn
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(l *Log) {
		if fn != nil {
			l.now = fn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New returns a Log writing to sink. The default policy is FailClosed.
func New(sink Sink, opts ...Option) *Log {
	l := &Log{
		sink:   sink,
		policy: func() Policy { return FailClosed },
		now:    time.Now,
		logger: obs.Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records e. Under FailClosed a sink failure is returned wrapped in
// sentinel.ErrStoreUnavailable; under FailOpen it is logged and counted.
func (l *Log) Append(ctx context.Context, e Entry) error {
	e.Action = strings.TrimSpace(e.Action)
	if e.Action == "" {
		return fmt.Errorf("%w: audit action is required", sentinel.ErrInvalidInput)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = l.now().UTC()
	}
	if e.ID == "" {
		e.ID = ids.NewAt(e.OccurredAt)
	}
	if e.Actor == "" {
		e.Actor = actorFromContext(ctx)
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.RequestID == "" {
		e.RequestID = requestIDFromContext(ctx)
	}
	if c, ok := clientFromContext(ctx); ok {
		if e.IP == "" {
			e.IP = c.IP
		}
		if e.UserAgent == "" {
			e.UserAgent = c.UserAgent
		}
	}
	if len(e.Metadata) > 0 {
		meta := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			meta[k] = v
		}
		e.Metadata = meta
	}

	err := l.sink.Write(ctx, e)
	if err == nil {
		return nil
	}
	policy := l.policy()
	obs.AuditWriteFailure(string(policy))
	l.logger.Error("audit write failed",
		"policy", string(policy),
		"action", e.Action,
		"actor", e.Actor,
		"target", e.Target,
		"error", err,
	)
	if policy == FailOpen {
		return nil
	}
	if errors.Is(err, sentinel.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: audit: %v", sentinel.ErrStoreUnavailable, err)
}
