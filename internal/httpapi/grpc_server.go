package httpapi

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"ssocore.org/internal/obs"
	"ssocore.org/internal/registry"
)

const serviceName = registry.ReservedName

// GRPCServer publishes readiness and registry liveness through the standard
// grpc.health.v1 service. The empty service name reflects overall readiness;
// each registered service is reported under its own name.
type GRPCServer struct {
	health    *health.Server
	readiness Readiness
	services  Services
	interval  time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	known map[string]struct{}

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewGRPCServer creates the health service wrapper. services may be nil.
func NewGRPCServer(r Readiness, services Services, logger *slog.Logger) *GRPCServer {
	if r == nil {
		r = ReadyFunc(nil)
	}
	if logger == nil {
		logger = obs.Logger()
	}
	return &GRPCServer{
		health:    health.NewServer(),
		readiness: r,
		services:  services,
		interval:  5 * time.Second,
		logger:    logger,
		known:     make(map[string]struct{}),
	}
}

// Health returns the server to register with grpc_health_v1.RegisterHealthServer.
func (s *GRPCServer) Health() healthpb.HealthServer {
	return s.health
}

// Sync refreshes every published status once.
func (s *GRPCServer) Sync(ctx context.Context) {
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	} else {
		obs.SetReady(true)
		s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
	if s.services == nil {
		return
	}
	list, err := s.services.List(ctx)
	if err != nil {
		s.logger.Warn("grpc health: list services", "error", err)
		return
	}
	seen := make(map[string]struct{}, len(list))
	for _, svc := range list {
		// the core's own entries are never overwritten by registry rows
		if svc.Name == "" || svc.Name == serviceName {
			continue
		}
		seen[svc.Name] = struct{}{}
		s.health.SetServingStatus(svc.Name, servingStatus(svc.Liveness))
	}
	s.mu.Lock()
	for name := range s.known {
		if _, ok := seen[name]; !ok {
			s.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	}
	s.known = seen
	s.mu.Unlock()
}

// Start keeps statuses current until Stop or ctx cancellation.
func (s *GRPCServer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.Sync(ctx)
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sync(ctx)
			}
		}
	}()
}

// Stop ends the refresh loop and marks everything NOT_SERVING.
func (s *GRPCServer) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		s.health.Shutdown()
	})
}

func servingStatus(l registry.Liveness) healthpb.HealthCheckResponse_ServingStatus {
	switch l {
	case registry.LivenessHealthy:
		return healthpb.HealthCheckResponse_SERVING
	case registry.LivenessUnhealthy:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_UNKNOWN
}
