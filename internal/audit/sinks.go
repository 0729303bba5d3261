package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// MemorySink keeps entries in process. It can be switched to failing mode to
// exercise the failure policy.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	failErr error
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Write(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.entries = append(m.entries, e)
	return nil
}

// FailWith makes subsequent writes return err. nil restores normal operation.
func (m *MemorySink) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Entries returns a copy of recorded entries.
func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Filter returns entries whose action matches.
func (m *MemorySink) Filter(action string) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// LogSink writes entries as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(ctx context.Context, e Entry) error {
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("id", e.ID),
		slog.String("event", e.Action),
		slog.String("actor", e.Actor),
		slog.String("outcome", string(e.Outcome)),
		slog.String("severity", string(e.Severity)),
		slog.Time("occurred_at", e.OccurredAt),
	}
	if e.Target != "" {
		attrs = append(attrs, slog.String("target", e.Target))
	}
	if e.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", e.RequestID))
	}
	if e.IP != "" {
		attrs = append(attrs, slog.String("ip", e.IP))
	}
	fields := make(map[string]any, len(e.Metadata))
	for k, v := range e.Metadata {
		fields[k] = v
	}
	attrs = append(attrs, slog.Any("fields", fields))

	level := slog.LevelInfo
	if e.Severity == SeverityCritical {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "audit", attrs...)
	return nil
}

// Multi writes to every sink and fails if any of them fails.
type Multi []Sink

func (m Multi) Write(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
