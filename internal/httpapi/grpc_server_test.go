package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"ssocore.org/internal/registry"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *GRPCServer) (*grpc.ClientConn, func()) {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, srv.Health())

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	cleanup := func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	}
	return conn, cleanup
}

func checkStatus(t *testing.T, conn *grpc.ClientConn, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) error: %v", service, err)
	}
	return resp.GetStatus()
}

func TestGRPCServer_ReadyAndServiceLiveness(t *testing.T) {
	store := registry.NewMemoryStore()
	reg := registry.New(store)
	ctx := context.Background()
	if _, err := reg.Register(ctx, registry.Service{Name: "billing", BaseURL: "http://billing", HealthURL: "http://billing/healthz"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Register(ctx, registry.Service{Name: "reports", BaseURL: "http://reports", HealthURL: "http://reports/healthz"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := store.SetLiveness(ctx, "billing", registry.LivenessHealthy, time.Now(), ""); err != nil {
		t.Fatalf("set liveness: %v", err)
	}
	if err := store.SetLiveness(ctx, "reports", registry.LivenessUnhealthy, time.Now(), "timeout"); err != nil {
		t.Fatalf("set liveness: %v", err)
	}

	srv := NewGRPCServer(ReadyFunc(nil), reg, nil)
	srv.Sync(ctx)
	conn, cleanup := startBufGRPC(t, srv)
	defer cleanup()

	if got := checkStatus(t, conn, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("overall status = %v", got)
	}
	if got := checkStatus(t, conn, "billing"); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("billing status = %v", got)
	}
	if got := checkStatus(t, conn, "reports"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("reports status = %v", got)
	}

	if err := reg.Deregister(ctx, "reports"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	srv.Sync(ctx)
	if got := checkStatus(t, conn, "reports"); got != healthpb.HealthCheckResponse_SERVICE_UNKNOWN {
		t.Fatalf("removed service status = %v", got)
	}
}

func TestGRPCServer_RegistryCannotShadowCoreStatus(t *testing.T) {
	store := registry.NewMemoryStore()
	ctx := context.Background()
	// rows written around Register's validation, e.g. directly in the database
	for _, name := range []string{serviceName, ""} {
		if _, _, err := store.Upsert(ctx, registry.Service{Name: name, HealthURL: "http://x/healthz"}); err != nil {
			t.Fatalf("upsert %q: %v", name, err)
		}
		if err := store.SetLiveness(ctx, name, registry.LivenessUnhealthy, time.Now(), "down"); err != nil {
			t.Fatalf("set liveness %q: %v", name, err)
		}
	}

	srv := NewGRPCServer(ReadyFunc(nil), registry.New(store), nil)
	srv.Sync(ctx)
	conn, cleanup := startBufGRPC(t, srv)
	defer cleanup()

	for _, name := range []string{"", serviceName} {
		if got := checkStatus(t, conn, name); got != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("status(%q) = %v, want SERVING", name, got)
		}
	}
}

type failingReadiness struct{}

func (f failingReadiness) Check(context.Context) error { return errors.New("boom") }

func TestGRPCServer_HealthFailure(t *testing.T) {
	srv := NewGRPCServer(failingReadiness{}, nil, nil)
	srv.Sync(context.Background())
	conn, cleanup := startBufGRPC(t, srv)
	defer cleanup()

	if got := checkStatus(t, conn, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v", got)
	}
}

func TestGRPCServer_StartStop(t *testing.T) {
	srv := NewGRPCServer(ReadyFunc(nil), nil, nil)
	srv.Start(context.Background())
	srv.Stop()
	srv.Stop()
}
