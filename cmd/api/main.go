package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"ssocore.org/internal/config"
	"ssocore.org/internal/httpapi"
	"ssocore.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger := obs.Logger()

	// Refuses to start without signing key material.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	trusted, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer app.close()
	app.start(ctx)

	api := httpapi.New(httpapi.Deps{
		Auth:       app.authn,
		Tokens:     app.tokens,
		RBAC:       app.rbac,
		Registry:   app.registry,
		Audit:      app.audit,
		AuditLog:   app.auditReader(),
		Events:     app.events,
		Ready:      httpapi.ReadyFunc(app.ready),
		Version:    version,
		RateBurst:  cfg.RateBurst,
		RatePerSec: cfg.RatePerSecond,
		Logger:     logger,

		TrustedProxies: trusted,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewGRPCServer(httpapi.ReadyFunc(app.ready), app.registry, logger)
	health.Start(ctx)
	defer health.Stop()
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, health.Health())

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen %s: %v", cfg.GRPCAddr, err)
	}

	logger.Info("starting ssocore", "version", version, "http_addr", srv.Addr, "grpc_addr", cfg.GRPCAddr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	logger.Info("stopped")
}
