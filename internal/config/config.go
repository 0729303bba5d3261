// Package config loads process configuration from an optional TOML file and
// SSO_* environment variables, and serves runtime tunables from the
// system_config table with bounded staleness.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"ssocore.org/internal/sentinel"
)

const (
	AuditFailClosed = "fail-closed"
	AuditFailOpen   = "fail-open"

	LockoutKeyIdentity   = "identity"
	LockoutKeyIPIdentity = "ip+identity"

	minSecretLength = 32
)

// Tunables are the values the core reads on every decision. They may be
// overridden at runtime through SystemConfig.
type Tunables struct {
	LockoutThreshold int           `toml:"lockout_threshold"`
	LockoutDuration  time.Duration `toml:"lockout_duration"`
	LockoutWindow    time.Duration `toml:"lockout_window"`
	AccessTTL        time.Duration `toml:"access_ttl"`
	RefreshTTL       time.Duration `toml:"refresh_ttl"`
	ProbeInterval    time.Duration `toml:"probe_interval"`
	ProbeTimeout     time.Duration `toml:"probe_timeout"`
	AuditPolicy      string        `toml:"audit_policy"`
}

// DefaultTunables returns the documented defaults.
func DefaultTunables() Tunables {
	return Tunables{
		LockoutThreshold: 5,
		LockoutDuration:  15 * time.Minute,
		LockoutWindow:    15 * time.Minute,
		AccessTTL:        15 * time.Minute,
		RefreshTTL:       7 * 24 * time.Hour,
		ProbeInterval:    30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		AuditPolicy:      AuditFailClosed,
	}
}

// Validate checks tunables for values the core cannot operate with.
func (t Tunables) Validate() error {
	switch {
	case t.LockoutThreshold <= 0:
		return fmt.Errorf("%w: lockout threshold must be positive", sentinel.ErrInvalidInput)
	case t.LockoutDuration <= 0 || t.LockoutWindow <= 0:
		return fmt.Errorf("%w: lockout duration and window must be positive", sentinel.ErrInvalidInput)
	case t.AccessTTL <= 0 || t.RefreshTTL <= 0:
		return fmt.Errorf("%w: token lifetimes must be positive", sentinel.ErrInvalidInput)
	case t.AccessTTL > t.RefreshTTL:
		return fmt.Errorf("%w: access ttl exceeds refresh ttl", sentinel.ErrInvalidInput)
	case t.ProbeInterval <= 0 || t.ProbeTimeout <= 0:
		return fmt.Errorf("%w: probe interval and timeout must be positive", sentinel.ErrInvalidInput)
	case t.ProbeTimeout >= t.ProbeInterval:
		return fmt.Errorf("%w: probe timeout must be shorter than the interval", sentinel.ErrInvalidInput)
	case t.AuditPolicy != AuditFailClosed && t.AuditPolicy != AuditFailOpen:
		return fmt.Errorf("%w: audit policy %q", sentinel.ErrInvalidInput, t.AuditPolicy)
	}
	return nil
}

// Config is the full process configuration.
type Config struct {
	HTTPAddr string `toml:"http_addr"`
	GRPCAddr string `toml:"grpc_addr"`

	PostgresDSN  string   `toml:"pg_dsn"`
	RedisURL     string   `toml:"redis_url"`
	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaTopic   string   `toml:"kafka_topic"`

	TokenSecret       string `toml:"token_secret"`
	RSAPrivateKeyFile string `toml:"rsa_private_key_file"`
	RSAPublicKeyFile  string `toml:"rsa_public_key_file"`
	RSAPrivatePEM     string `toml:"-"`
	RSAPublicPEM      string `toml:"-"`
	KeyID             string `toml:"key_id"`
	Issuer            string `toml:"issuer"`

	LockoutKeyMode   string        `toml:"lockout_key_mode"`
	ProbeConcurrency int           `toml:"probe_concurrency"`
	RBACRefresh      time.Duration `toml:"rbac_refresh"`
	SystemConfigPoll time.Duration `toml:"system_config_poll"`
	RateBurst        int           `toml:"rate_burst"`
	RatePerSecond    int           `toml:"rate_per_second"`

	// TrustedProxies lists CIDRs or addresses of reverse proxies whose
	// X-Forwarded-For header is believed. Empty means the socket peer is
	// always the client.
	TrustedProxies []string `toml:"trusted_proxies"`

	// Bootstrap creates an administrator on first start when no principal
	// with this email exists.
	BootstrapEmail    string `toml:"bootstrap_email"`
	BootstrapPassword string `toml:"-"`

	Tunables Tunables `toml:"tunables"`
}

// Default returns a configuration with every optional value populated.
func Default() Config {
	return Config{
		HTTPAddr:         ":8080",
		GRPCAddr:         ":9090",
		KafkaTopic:       "sso.audit",
		Issuer:           "ssocore",
		LockoutKeyMode:   LockoutKeyIdentity,
		ProbeConcurrency: 16,
		RBACRefresh:      30 * time.Second,
		SystemConfigPoll: 30 * time.Second,
		RateBurst:        20,
		RatePerSecond:    10,
		Tunables:         DefaultTunables(),
	}
}

// Load builds configuration from defaults, the file named by SSO_CONFIG_FILE
// and SSO_* environment variables, in that order of precedence.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(getenv("SSO_CONFIG_FILE")); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	e := envReader{get: getenv}
	e.str("SSO_HTTP_ADDR", &cfg.HTTPAddr)
	e.str("SSO_GRPC_ADDR", &cfg.GRPCAddr)
	e.str("SSO_PG_DSN", &cfg.PostgresDSN)
	e.str("SSO_REDIS_URL", &cfg.RedisURL)
	e.list("SSO_KAFKA_BROKERS", &cfg.KafkaBrokers)
	e.str("SSO_KAFKA_TOPIC", &cfg.KafkaTopic)
	e.str("SSO_TOKEN_SECRET", &cfg.TokenSecret)
	e.str("SSO_RSA_PRIVATE_KEY_FILE", &cfg.RSAPrivateKeyFile)
	e.str("SSO_RSA_PUBLIC_KEY_FILE", &cfg.RSAPublicKeyFile)
	e.str("SSO_KEY_ID", &cfg.KeyID)
	e.str("SSO_ISSUER", &cfg.Issuer)
	e.str("SSO_LOCKOUT_KEY_MODE", &cfg.LockoutKeyMode)
	e.integer("SSO_PROBE_CONCURRENCY", &cfg.ProbeConcurrency)
	e.duration("SSO_RBAC_REFRESH", &cfg.RBACRefresh)
	e.duration("SSO_SYSCONFIG_POLL", &cfg.SystemConfigPoll)
	e.integer("SSO_RATE_BURST", &cfg.RateBurst)
	e.integer("SSO_RATE_PER_SEC", &cfg.RatePerSecond)
	e.list("SSO_TRUSTED_PROXIES", &cfg.TrustedProxies)
	e.str("SSO_BOOTSTRAP_EMAIL", &cfg.BootstrapEmail)
	e.str("SSO_BOOTSTRAP_PASSWORD", &cfg.BootstrapPassword)

	t := &cfg.Tunables
	e.integer("SSO_LOCKOUT_THRESHOLD", &t.LockoutThreshold)
	e.duration("SSO_LOCKOUT_DURATION", &t.LockoutDuration)
	e.duration("SSO_LOCKOUT_WINDOW", &t.LockoutWindow)
	e.duration("SSO_ACCESS_TTL", &t.AccessTTL)
	e.duration("SSO_REFRESH_TTL", &t.RefreshTTL)
	e.duration("SSO_PROBE_INTERVAL", &t.ProbeInterval)
	e.duration("SSO_PROBE_TIMEOUT", &t.ProbeTimeout)
	e.str("SSO_AUDIT_POLICY", &t.AuditPolicy)
	if e.err != nil {
		return Config{}, e.err
	}

	if cfg.RSAPrivateKeyFile != "" || cfg.RSAPublicKeyFile != "" {
		priv, err := os.ReadFile(cfg.RSAPrivateKeyFile)
		if err != nil {
			return Config{}, fmt.Errorf("config: read private key: %w", err)
		}
		pub, err := os.ReadFile(cfg.RSAPublicKeyFile)
		if err != nil {
			return Config{}, fmt.Errorf("config: read public key: %w", err)
		}
		cfg.RSAPrivatePEM = string(priv)
		cfg.RSAPublicPEM = string(pub)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the core must not start with.
func (c Config) Validate() error {
	if !c.HasKeyMaterial() {
		return sentinel.ErrNoKeyMaterial
	}
	if c.TokenSecret != "" && len(c.TokenSecret) < minSecretLength {
		return fmt.Errorf("%w: token secret shorter than %d bytes", sentinel.ErrNoKeyMaterial, minSecretLength)
	}
	if c.LockoutKeyMode != LockoutKeyIdentity && c.LockoutKeyMode != LockoutKeyIPIdentity {
		return fmt.Errorf("%w: lockout key mode %q", sentinel.ErrInvalidInput, c.LockoutKeyMode)
	}
	if (c.BootstrapEmail == "") != (c.BootstrapPassword == "") {
		return fmt.Errorf("%w: bootstrap email and password must be set together", sentinel.ErrInvalidInput)
	}
	if c.ProbeConcurrency <= 0 {
		return fmt.Errorf("%w: probe concurrency must be positive", sentinel.ErrInvalidInput)
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return c.Tunables.Validate()
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address becomes a
// single-host prefix.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, spec := range c.TrustedProxies {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		if strings.Contains(spec, "/") {
			p, err := netip.ParsePrefix(spec)
			if err != nil {
				return nil, fmt.Errorf("%w: trusted proxy %q", sentinel.ErrInvalidInput, spec)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: trusted proxy %q", sentinel.ErrInvalidInput, spec)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// HasKeyMaterial reports whether a signing secret or an RSA key pair is configured.
func (c Config) HasKeyMaterial() bool {
	if strings.TrimSpace(c.RSAPrivatePEM) != "" && strings.TrimSpace(c.RSAPublicPEM) != "" {
		return true
	}
	return strings.TrimSpace(c.TokenSecret) != ""
}

type envReader struct {
	get func(string) string
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(e.get(key))
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok || e.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("config: %s: %w", key, errors.Join(sentinel.ErrInvalidInput, err))
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok || e.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("config: %s: %w", key, errors.Join(sentinel.ErrInvalidInput, err))
		return
	}
	*dst = d
}
