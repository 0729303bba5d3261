package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ssocore.org/internal/audit"
	"ssocore.org/internal/obs"
	"ssocore.org/internal/sentinel"
)

// Checker performs one health check against a service's health URL.
type Checker interface {
	Check(ctx context.Context, healthURL string) error
}

// Prober polls every registered service on a fixed interval.
type Prober struct {
	store       Store
	checker     Checker
	interval    func() time.Duration
	timeout     func() time.Duration
	concurrency int
	audit       audit.Appender
	now         func() time.Time
	logger      *slog.Logger

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithInterval sets a fixed probe interval.
func WithInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.interval = func() time.Duration { return d }
		}
	}
}

// WithTimings reads interval and timeout before every round.
func WithTimings(interval, timeout func() time.Duration) ProberOption {
	return func(p *Prober) {
		if interval != nil {
			p.interval = interval
		}
		if timeout != nil {
			p.timeout = timeout
		}
	}
}

// WithTimeout bounds each individual probe.
func WithTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = func() time.Duration { return d }
		}
	}
}

// WithConcurrency caps in-flight probes per round. The cap is raised when
// it would keep a round of timed-out probes from fitting in the interval.
func WithConcurrency(n int) ProberOption {
	return func(p *Prober) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func WithProbeAudit(a audit.Appender) ProberOption {
	return func(p *Prober) { p.audit = a }
}

func WithProbeClock(fn func() time.Time) ProberOption {
	return func(p *Prober) {
		if fn != nil {
			p.now = fn
		}
	}
}

func WithProbeLogger(logger *slog.Logger) ProberOption {
	return func(p *Prober) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProber returns a prober over store using checker.
func NewProber(store Store, checker Checker, opts ...ProberOption) *Prober {
	p := &Prober{
		store:       store,
		checker:     checker,
		interval:    func() time.Duration { return 30 * time.Second },
		timeout:     func() time.Duration { return 5 * time.Second },
		concurrency: 16,
		now:         time.Now,
		logger:      obs.Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProbeOnce runs one round over every registered service. Individual probe
// failures only change liveness; the error is non-nil only when the service
// list cannot be read.
func (p *Prober) ProbeOnce(ctx context.Context) error {
	services, err := p.store.List(ctx)
	if err != nil {
		return fmt.Errorf("%w: list services: %v", sentinel.ErrStoreUnavailable, err)
	}
	timeout := p.timeout()
	var g errgroup.Group
	g.SetLimit(roundLimit(len(services), p.concurrency, timeout, p.interval()))
	for _, svc := range services {
		g.Go(func() error {
			p.probe(ctx, svc, timeout)
			return nil
		})
	}
	return g.Wait()
}

// roundLimit raises concurrency just enough that n probes, each abandoned
// after timeout, finish within one interval.
func roundLimit(n, concurrency int, timeout, interval time.Duration) int {
	if n <= concurrency || timeout <= 0 || interval <= 0 {
		return concurrency
	}
	waves := int(interval / timeout)
	if waves < 1 {
		return n
	}
	return max(concurrency, (n+waves-1)/waves)
}

func (p *Prober) probe(ctx context.Context, svc Service, timeout time.Duration) {
	err := p.check(ctx, svc, timeout)
	if ctx.Err() != nil {
		return
	}
	next := LivenessHealthy
	lastErr := ""
	if err != nil {
		next = LivenessUnhealthy
		lastErr = err.Error()
	}
	obs.ProbeResult(svc.Name, next == LivenessHealthy)

	if err := p.store.SetLiveness(ctx, svc.Name, next, p.now().UTC(), lastErr); err != nil {
		p.logger.Warn("store liveness failed", "service", svc.Name, "error", err)
		return
	}
	if svc.Liveness == next {
		return
	}
	severity := audit.SeverityInfo
	if next == LivenessUnhealthy {
		severity = audit.SeverityWarning
	}
	p.logger.Info("service liveness changed", "service", svc.Name, "from", svc.Liveness, "to", next)
	if p.audit == nil {
		return
	}
	meta := map[string]string{"from": string(svc.Liveness), "to": string(next)}
	if lastErr != "" {
		meta["error"] = lastErr
	}
	if err := p.audit.Append(ctx, audit.Entry{
		Action:   ActionLivenessChanged,
		Target:   svc.Name,
		Outcome:  outcomeFor(next),
		Severity: severity,
		Metadata: meta,
	}); err != nil {
		p.logger.Error("audit liveness transition failed", "service", svc.Name, "error", err)
	}
}

// check runs the checker under timeout. A checker that ignores its context
// is abandoned once the deadline passes.
func (p *Prober) check(ctx context.Context, svc Service, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- p.checker.Check(ctx, svc.HealthURL) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", sentinel.ErrServiceUnreachable, svc.Name, ctx.Err())
	}
}

// Start probes immediately and then on every interval until Stop.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		for {
			if err := p.ProbeOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("probe round failed", "error", err)
			}
			timer := time.NewTimer(p.interval())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
}

// Stop ends the probe loop and waits for the current round.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
			<-p.done
		}
	})
}

func outcomeFor(l Liveness) audit.Outcome {
	if l == LivenessHealthy {
		return audit.OutcomeSuccess
	}
	return audit.OutcomeFailure
}
