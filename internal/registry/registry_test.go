package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"ssocore.org/internal/audit"
	"ssocore.org/internal/sentinel"
)

// funcChecker answers per health URL.
type funcChecker struct {
	mu sync.Mutex
	fn map[string]func(ctx context.Context) error
}

func newFuncChecker() *funcChecker {
	return &funcChecker{fn: make(map[string]func(context.Context) error)}
}

func (f *funcChecker) set(url string, fn func(ctx context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn[url] = fn
}

func (f *funcChecker) Check(ctx context.Context, url string) error {
	f.mu.Lock()
	fn := f.fn[url]
	f.mu.Unlock()
	if fn == nil {
		return sentinel.ErrServiceUnreachable
	}
	return fn(ctx)
}

func healthy(context.Context) error { return nil }

func hangUntilCancelled(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sink := audit.NewMemorySink()
	store := NewMemoryStore()
	reg := New(store, WithAudit(audit.New(sink)))

	svc := Service{Name: "reports", HealthURL: "http://reports.internal/healthz", AllowedRoles: []string{"admin", "admin"}}
	if _, err := reg.Register(ctx, svc); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := store.SetLiveness(ctx, "reports", LivenessHealthy, time.Now(), ""); err != nil {
		t.Fatalf("SetLiveness: %v", err)
	}
	again, err := reg.Register(ctx, svc)
	if err != nil {
		t.Fatalf("Register again: %v", err)
	}
	if again.Liveness != LivenessHealthy {
		t.Fatalf("re-registration reset liveness to %s", again.Liveness)
	}
	list, _ := reg.List(ctx)
	if len(list) != 1 || len(list[0].AllowedRoles) != 1 {
		t.Fatalf("unexpected registry contents: %+v", list)
	}
	if n := len(sink.Filter(ActionServiceRegistered)); n != 1 {
		t.Fatalf("expected one registration audit, got %d", n)
	}
}

func TestRegisterValidatesHealthURL(t *testing.T) {
	reg := New(NewMemoryStore())
	for _, u := range []string{"", "ftp://x/health", "not a url"} {
		_, err := reg.Register(context.Background(), Service{Name: "x", HealthURL: u})
		if !errors.Is(err, sentinel.ErrInvalidInput) {
			t.Fatalf("health url %q: expected invalid input, got %v", u, err)
		}
	}
}

func TestRegisterRejectsReservedName(t *testing.T) {
	reg := New(NewMemoryStore())
	for _, name := range []string{ReservedName, " SSOCore "} {
		_, err := reg.Register(context.Background(), Service{Name: name, HealthURL: "http://x/healthz"})
		if !errors.Is(err, sentinel.ErrInvalidInput) {
			t.Fatalf("name %q: expected invalid input, got %v", name, err)
		}
	}
}

func TestAuthorizeAccessRoleIntersection(t *testing.T) {
	ctx := context.Background()
	reg := New(NewMemoryStore())
	if _, err := reg.Register(ctx, Service{Name: "reports", HealthURL: "http://reports/healthz", AllowedRoles: []string{"admin"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ok, err := reg.AuthorizeAccess(ctx, "reports", []string{"viewer", "admin"})
	if err != nil || !ok {
		t.Fatalf("admin should reach reports: ok=%v err=%v", ok, err)
	}
	ok, err = reg.AuthorizeAccess(ctx, "reports", []string{"viewer"})
	if err != nil || ok {
		t.Fatalf("viewer must be denied: ok=%v err=%v", ok, err)
	}
	if _, err := reg.AuthorizeAccess(ctx, "billing", []string{"admin"}); !errors.Is(err, sentinel.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := reg.Register(ctx, Service{Name: "reports", HealthURL: "http://reports/healthz", AllowedRoles: []string{"viewer"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ok, _ := reg.AuthorizeAccess(ctx, "reports", []string{"viewer"}); !ok {
		t.Fatal("updated allowed roles must apply immediately")
	}
}

func TestConsecutiveTimeoutsTransitionOnce(t *testing.T) {
	ctx := context.Background()
	sink := audit.NewMemorySink()
	store := NewMemoryStore()
	reg := New(store)
	const url = "http://reports/healthz"
	if _, err := reg.Register(ctx, Service{Name: "reports", HealthURL: url}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	checker := newFuncChecker()
	checker.set(url, healthy)
	p := NewProber(store, checker, WithTimeout(20*time.Millisecond), WithProbeAudit(audit.New(sink)))

	if err := p.ProbeOnce(ctx); err != nil {
		t.Fatalf("ProbeOnce: %v", err)
	}
	checker.set(url, hangUntilCancelled)
	for i := 0; i < 3; i++ {
		if err := p.ProbeOnce(ctx); err != nil {
			t.Fatalf("ProbeOnce: %v", err)
		}
	}

	transitions := sink.Filter(ActionLivenessChanged)
	if len(transitions) != 2 {
		t.Fatalf("expected unknown->healthy and healthy->unhealthy only, got %+v", transitions)
	}
	last := transitions[1]
	if last.Metadata["from"] != "healthy" || last.Metadata["to"] != "unhealthy" {
		t.Fatalf("unexpected transition: %+v", last.Metadata)
	}
	svc, _ := store.Get(ctx, "reports")
	if svc.Liveness != LivenessUnhealthy || svc.LastError == "" {
		t.Fatalf("unexpected service state: %+v", svc)
	}

	checker.set(url, healthy)
	if err := p.ProbeOnce(ctx); err != nil {
		t.Fatalf("ProbeOnce: %v", err)
	}
	if n := len(sink.Filter(ActionLivenessChanged)); n != 3 {
		t.Fatalf("recovery must be a single transition, got %d", n)
	}
}

func TestHungProbeDoesNotDelayOthers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reg := New(store)
	for _, name := range []string{"stuck", "fine"} {
		if _, err := reg.Register(ctx, Service{Name: name, HealthURL: "http://" + name + "/healthz"}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	release := make(chan struct{})
	defer close(release)
	checker := newFuncChecker()
	checker.set("http://stuck/healthz", func(context.Context) error {
		<-release
		return nil
	})
	checker.set("http://fine/healthz", healthy)

	p := NewProber(store, checker, WithTimeout(50*time.Millisecond))
	start := time.Now()
	if err := p.ProbeOnce(ctx); err != nil {
		t.Fatalf("ProbeOnce: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("round took %v", elapsed)
	}
	fine, _ := store.Get(ctx, "fine")
	stuck, _ := store.Get(ctx, "stuck")
	if fine.Liveness != LivenessHealthy || stuck.Liveness != LivenessUnhealthy {
		t.Fatalf("fine=%s stuck=%s", fine.Liveness, stuck.Liveness)
	}
}

func TestRoundLimit(t *testing.T) {
	cases := []struct {
		n, concurrency    int
		timeout, interval time.Duration
		want              int
	}{
		{10, 16, time.Second, 30 * time.Second, 16},
		{100, 16, 5 * time.Second, 30 * time.Second, 17},
		{21, 1, 40 * time.Millisecond, 80 * time.Millisecond, 11},
		{5, 1, time.Minute, time.Second, 5},
	}
	for _, tc := range cases {
		if got := roundLimit(tc.n, tc.concurrency, tc.timeout, tc.interval); got != tc.want {
			t.Fatalf("roundLimit(%d, %d, %v, %v) = %d, want %d", tc.n, tc.concurrency, tc.timeout, tc.interval, got, tc.want)
		}
	}
}

func TestManyHungServicesStayWithinInterval(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reg := New(store)
	release := make(chan struct{})
	defer close(release)
	checker := newFuncChecker()
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("stuck-%02d", i)
		if _, err := reg.Register(ctx, Service{Name: name, HealthURL: "http://" + name + "/healthz"}); err != nil {
			t.Fatalf("Register: %v", err)
		}
		checker.set("http://"+name+"/healthz", func(context.Context) error {
			<-release
			return nil
		})
	}
	if _, err := reg.Register(ctx, Service{Name: "zz-fine", HealthURL: "http://zz-fine/healthz"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	checker.set("http://zz-fine/healthz", healthy)

	p := NewProber(store, checker,
		WithConcurrency(1),
		WithTimings(func() time.Duration { return 80 * time.Millisecond }, func() time.Duration { return 40 * time.Millisecond }),
	)
	start := time.Now()
	if err := p.ProbeOnce(ctx); err != nil {
		t.Fatalf("ProbeOnce: %v", err)
	}
	// one-at-a-time would need 21 timeouts (840ms)
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Fatalf("round took %v", elapsed)
	}
	fine, _ := store.Get(ctx, "zz-fine")
	if fine.Liveness != LivenessHealthy {
		t.Fatalf("fine=%s", fine.Liveness)
	}
}

func TestProberStartStop(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := New(store).Register(ctx, Service{Name: "api", HealthURL: "http://api/healthz"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	checker := newFuncChecker()
	checker.set("http://api/healthz", healthy)
	p := NewProber(store, checker, WithInterval(10*time.Millisecond))
	p.Start(ctx)
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc, _ := store.Get(ctx, "api"); svc.Liveness == LivenessHealthy {
			p.Stop()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("prober never marked service healthy")
}

func TestHTTPChecker(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := HTTPChecker{Client: srv.Client()}
	if err := c.Check(context.Background(), srv.URL+"/healthz"); err != nil {
		t.Fatalf("expected healthy: %v", err)
	}
	status.Store(http.StatusServiceUnavailable)
	if err := c.Check(context.Background(), srv.URL+"/healthz"); !errors.Is(err, sentinel.ErrServiceUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
}

func TestGRPCChecker(t *testing.T) {
	listener := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()
	defer server.Stop()

	c := GRPCChecker{DialOptions: []grpc.DialOption{
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return listener.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hs.SetServingStatus("billing.v1.Billing", healthpb.HealthCheckResponse_SERVING)
	if err := c.Check(ctx, "grpc://bufnet/billing.v1.Billing"); err != nil {
		t.Fatalf("expected serving: %v", err)
	}
	hs.SetServingStatus("billing.v1.Billing", healthpb.HealthCheckResponse_NOT_SERVING)
	if err := c.Check(ctx, "grpc://bufnet/billing.v1.Billing"); !errors.Is(err, sentinel.ErrServiceUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
}

func TestSchemeCheckerRejectsUnknownScheme(t *testing.T) {
	if err := NewSchemeChecker(nil).Check(context.Background(), "ftp://x"); !errors.Is(err, sentinel.ErrServiceUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
}
