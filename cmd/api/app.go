package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"ssocore.org/internal/audit"
	"ssocore.org/internal/auth"
	"ssocore.org/internal/config"
	"ssocore.org/internal/httpapi"
	"ssocore.org/internal/lockout"
	"ssocore.org/internal/rbac"
	"ssocore.org/internal/registry"
	"ssocore.org/internal/sentinel"
	"ssocore.org/internal/store/pg"
	"ssocore.org/internal/stream"
	"ssocore.org/internal/token"
)

const janitorInterval = time.Minute

// app holds the wired components and everything that must be closed.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	db    *pg.Store
	redis *redis.Client
	kafka *audit.KafkaSink

	tunables *config.Provider
	audit    *audit.Log
	events   *stream.Stream
	tokens   *token.Engine
	authn    *auth.Authenticator
	rbac     *rbac.Resolver
	registry *registry.Registry
	prober   *registry.Prober

	memLocks *lockout.MemoryStore
	pgLocks  *pg.LockoutStore

	janitorStop chan struct{}
	janitorDone chan struct{}
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var (
		principals auth.CredentialStore = auth.NewMemoryStore()
		sessions   token.SessionStore   = token.NewMemoryStore()
		roles      rbac.Source          = rbac.NewMemorySource(builtinRoles()...)
		services   registry.Store       = registry.NewMemoryStore()
		settings   config.Source
		locks      lockout.Store
		sinks      audit.Multi
	)

	if cfg.PostgresDSN != "" {
		db, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.db = db
		principals = db.Principals()
		sessions = db.Sessions()
		roles = db.Roles()
		services = db.Services()
		settings = db.SystemConfig()
		a.pgLocks = db.Lockouts()
		locks = a.pgLocks
		sinks = append(sinks, db.Audit())
	} else {
		logger.Warn("no postgres dsn configured, state is kept in memory")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("%w: redis url: %v", sentinel.ErrInvalidInput, err)
		}
		a.redis = redis.NewClient(opts)
		locks = lockout.NewRedisStore(a.redis, "sso:lockout:")
	}
	if locks == nil {
		a.memLocks = lockout.NewMemoryStore()
		locks = a.memLocks
	}

	if len(cfg.KafkaBrokers) > 0 {
		a.kafka = audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		sinks = append(sinks, a.kafka)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, audit.NewLogSink(logger))
	}
	a.events = stream.New()
	sinks = append(sinks, a.events)

	a.tunables = config.NewProvider(cfg.Tunables, settings, cfg.SystemConfigPoll, logger)
	if err := a.tunables.Refresh(ctx); err != nil {
		logger.Warn("initial system config load failed, using static values", "error", err)
	}

	a.audit = audit.New(sinks,
		audit.WithPolicyFunc(func() audit.Policy { return audit.Policy(a.tunables.Current().AuditPolicy) }),
		audit.WithLogger(logger),
	)

	keys, err := signingKeys(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.tokens, err = token.NewEngine(sessions, keys,
		token.WithIssuer(cfg.Issuer),
		token.WithLifetimes(func() (time.Duration, time.Duration) {
			t := a.tunables.Current()
			return t.AccessTTL, t.RefreshTTL
		}),
		token.WithRoleSource(auth.ActiveRoles{Store: principals}),
		token.WithAudit(a.audit),
		token.WithLogger(logger),
	)
	if err != nil {
		a.close()
		return nil, err
	}

	tracker := lockout.New(locks,
		lockout.WithPolicyFunc(func() lockout.Policy {
			t := a.tunables.Current()
			return lockout.Policy{Threshold: t.LockoutThreshold, Duration: t.LockoutDuration, Window: t.LockoutWindow}
		}),
		lockout.WithLogger(logger),
	)
	a.authn, err = auth.NewAuthenticator(principals, tracker, a.tokens,
		auth.WithAudit(a.audit),
		auth.WithLockoutKeyMode(cfg.LockoutKeyMode),
		auth.WithLogger(logger),
	)
	if err != nil {
		a.close()
		return nil, err
	}

	a.rbac = rbac.New(roles, rbac.WithRefresh(cfg.RBACRefresh), rbac.WithLogger(logger))
	if err := a.rbac.Reload(ctx); err != nil {
		a.close()
		return nil, err
	}

	a.registry = registry.New(services, registry.WithAudit(a.audit), registry.WithLogger(logger))
	a.prober = registry.NewProber(services, registry.NewSchemeChecker(&http.Client{}),
		registry.WithTimings(
			func() time.Duration { return a.tunables.Current().ProbeInterval },
			func() time.Duration { return a.tunables.Current().ProbeTimeout },
		),
		registry.WithConcurrency(cfg.ProbeConcurrency),
		registry.WithProbeAudit(a.audit),
		registry.WithProbeLogger(logger),
	)

	if err := a.bootstrap(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func signingKeys(cfg config.Config) (token.Keys, error) {
	var (
		keys token.Keys
		err  error
	)
	if cfg.RSAPrivatePEM != "" {
		keys, err = token.RS256Keys(cfg.RSAPrivatePEM, cfg.RSAPublicPEM)
	} else {
		keys, err = token.HS256Key([]byte(cfg.TokenSecret))
	}
	if err != nil {
		return token.Keys{}, err
	}
	if cfg.KeyID != "" {
		keys = keys.WithKeyID(cfg.KeyID)
	}
	return keys, nil
}

func builtinRoles() []rbac.Role {
	return []rbac.Role{
		{
			Name:        "admin",
			Description: "Full administrative access",
			Permissions: []string{
				rbac.PermRolesManage, rbac.PermUsersManage, rbac.PermUsersDelete,
				rbac.PermServicesManage, rbac.PermAuditRead,
			},
		},
		{Name: "viewer", Description: "Authenticated user without administrative rights", Permissions: []string{}},
	}
}

func (a *app) bootstrap(ctx context.Context) error {
	if a.cfg.BootstrapEmail == "" {
		return nil
	}
	_, err := a.authn.Register(ctx, a.cfg.BootstrapEmail, a.cfg.BootstrapPassword, []string{"admin"})
	switch {
	case err == nil:
		a.logger.Info("bootstrap administrator created", "email", a.cfg.BootstrapEmail)
	case errors.Is(err, sentinel.ErrConflict):
	default:
		return fmt.Errorf("bootstrap administrator: %w", err)
	}
	return nil
}

// auditReader is nil without postgres; entries then only reach logs and the live feed.
func (a *app) auditReader() httpapi.AuditReader {
	if a.db == nil {
		return nil
	}
	return a.db.Audit()
}

func (a *app) ready(ctx context.Context) error {
	if a.db != nil {
		if err := a.db.Check(ctx); err != nil {
			return err
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("%w: redis: %v", sentinel.ErrStoreUnavailable, err)
		}
	}
	return nil
}

func (a *app) start(ctx context.Context) {
	a.tunables.Start(ctx)
	a.rbac.Start(ctx)
	a.prober.Start(ctx)

	a.janitorStop = make(chan struct{})
	a.janitorDone = make(chan struct{})
	go a.janitor(ctx)
}

// janitor removes expired lockout rows and sessions.
func (a *app) janitor(ctx context.Context) {
	defer close(a.janitorDone)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.janitorStop:
			return
		case <-ticker.C:
		}
		now := time.Now()
		window := a.tunables.Current().LockoutWindow
		if a.memLocks != nil {
			a.memLocks.Prune(now, window)
		}
		if a.pgLocks != nil {
			if n, err := a.pgLocks.PruneExpired(ctx, now, window); err != nil {
				a.logger.Warn("prune lockouts failed", "error", err)
			} else if n > 0 {
				a.logger.Info("pruned lockouts", "count", n)
			}
		}
		if a.db != nil {
			if n, err := a.db.Sessions().PruneExpired(ctx, now); err != nil {
				a.logger.Warn("prune sessions failed", "error", err)
			} else if n > 0 {
				a.logger.Info("pruned sessions", "count", n)
			}
		}
	}
}

func (a *app) close() {
	if a.janitorStop != nil {
		close(a.janitorStop)
		<-a.janitorDone
	}
	if a.prober != nil {
		a.prober.Stop()
	}
	if a.rbac != nil {
		a.rbac.Stop()
	}
	if a.tunables != nil {
		a.tunables.Stop()
	}
	if a.kafka != nil {
		_ = a.kafka.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
