package config

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"ssocore.org/internal/sentinel"
)

// Setting value types stored in system_config.value_type.
const (
	TypeInt      = "int"
	TypeDuration = "duration"
	TypeString   = "string"
)

// Setting is one typed row of the system_config table.
type Setting struct {
	Key       string
	Value     string
	Type      string
	UpdatedAt time.Time
}

// Source loads externally mutable settings.
type Source interface {
	LoadSettings(ctx context.Context) ([]Setting, error)
}

type settingSpec struct {
	typ   string
	apply func(t *Tunables, v string) error
}

var knownSettings = map[string]settingSpec{
	"lockout.threshold": {TypeInt, func(t *Tunables, v string) error {
		n, err := strconv.Atoi(v)
		t.LockoutThreshold = n
		return err
	}},
	"lockout.duration":        {TypeDuration, durationSetter(func(t *Tunables) *time.Duration { return &t.LockoutDuration })},
	"lockout.window":          {TypeDuration, durationSetter(func(t *Tunables) *time.Duration { return &t.LockoutWindow })},
	"token.access_ttl":        {TypeDuration, durationSetter(func(t *Tunables) *time.Duration { return &t.AccessTTL })},
	"token.refresh_ttl":       {TypeDuration, durationSetter(func(t *Tunables) *time.Duration { return &t.RefreshTTL })},
	"registry.probe_interval": {TypeDuration, durationSetter(func(t *Tunables) *time.Duration { return &t.ProbeInterval })},
	"registry.probe_timeout":  {TypeDuration, durationSetter(func(t *Tunables) *time.Duration { return &t.ProbeTimeout })},
	"audit.policy": {TypeString, func(t *Tunables, v string) error {
		t.AuditPolicy = v
		return nil
	}},
}

func durationSetter(field func(*Tunables) *time.Duration) func(*Tunables, string) error {
	return func(t *Tunables, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(t) = d
		return nil
	}
}

// Apply overlays settings on base. Unknown keys are ignored; a known key with
// the wrong type or an unparsable value fails the whole overlay.
func Apply(base Tunables, settings []Setting) (Tunables, error) {
	out := base
	for _, s := range settings {
		spec, ok := knownSettings[s.Key]
		if !ok {
			continue
		}
		if s.Type != spec.typ {
			return base, fmt.Errorf("%w: setting %s has type %q, want %q", sentinel.ErrInvalidInput, s.Key, s.Type, spec.typ)
		}
		if err := spec.apply(&out, s.Value); err != nil {
			return base, fmt.Errorf("%w: setting %s: %v", sentinel.ErrInvalidInput, s.Key, err)
		}
	}
	if err := out.Validate(); err != nil {
		return base, err
	}
	return out, nil
}

// Provider serves the current tunables. Values are refreshed from the source
// every poll interval, so a change is visible after at most one interval.
type Provider struct {
	base   Tunables
	source Source
	poll   time.Duration
	logger *slog.Logger

	current atomic.Pointer[Tunables]

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewProvider returns a provider seeded with base. A nil source keeps base forever.
func NewProvider(base Tunables, source Source, poll time.Duration, logger *slog.Logger) *Provider {
	if poll <= 0 {
		poll = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{base: base, source: source, poll: poll, logger: logger}
	p.current.Store(&base)
	return p
}

// Current returns the latest accepted tunables.
func (p *Provider) Current() Tunables {
	return *p.current.Load()
}

// Refresh reloads settings once. On error the previous snapshot is kept.
func (p *Provider) Refresh(ctx context.Context) error {
	if p.source == nil {
		return nil
	}
	settings, err := p.source.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("%w: load system config: %v", sentinel.ErrStoreUnavailable, err)
	}
	next, err := Apply(p.base, settings)
	if err != nil {
		return err
	}
	p.current.Store(&next)
	return nil
}

// Start polls the source in the background until Stop or ctx cancellation.
func (p *Provider) Start(ctx context.Context) {
	if p.source == nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.poll)
		defer ticker.Stop()
		for {
			if err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("system config refresh failed, keeping previous values", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends background polling and waits for the loop to exit.
func (p *Provider) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
			<-p.done
		}
	})
}

// MemorySource is an in-process Source.
type MemorySource struct {
	mu       sync.Mutex
	settings map[string]Setting
}

func NewMemorySource() *MemorySource {
	return &MemorySource{settings: make(map[string]Setting)}
}

func (m *MemorySource) Set(s Setting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.Key] = s
}

func (m *MemorySource) LoadSettings(context.Context) ([]Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Setting, 0, len(m.settings))
	for _, s := range m.settings {
		out = append(out, s)
	}
	return out, nil
}
