package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ssocore.org/internal/sentinel"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(envFrom(map[string]string{"SSO_TOKEN_SECRET": testSecret}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tun := cfg.Tunables
	if tun.LockoutThreshold != 5 || tun.LockoutDuration != 15*time.Minute {
		t.Fatalf("unexpected lockout defaults: %+v", tun)
	}
	if tun.AccessTTL != 15*time.Minute || tun.RefreshTTL != 7*24*time.Hour {
		t.Fatalf("unexpected token defaults: %+v", tun)
	}
	if tun.ProbeInterval != 30*time.Second || tun.AuditPolicy != AuditFailClosed {
		t.Fatalf("unexpected registry/audit defaults: %+v", tun)
	}
}

func TestLoadRefusesMissingKeyMaterial(t *testing.T) {
	_, err := load(envFrom(nil))
	if !errors.Is(err, sentinel.ErrNoKeyMaterial) {
		t.Fatalf("expected ErrNoKeyMaterial, got %v", err)
	}
	_, err = load(envFrom(map[string]string{"SSO_TOKEN_SECRET": "short"}))
	if !errors.Is(err, sentinel.ErrNoKeyMaterial) {
		t.Fatalf("expected short secret to be rejected, got %v", err)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sso.toml")
	body := strings.Join([]string{
		`http_addr = ":7000"`,
		`token_secret = "` + testSecret + `"`,
		`kafka_brokers = ["k1:9092", "k2:9092"]`,
		`[tunables]`,
		`lockout_threshold = 3`,
		`probe_interval = "1m"`,
		`probe_timeout = "2s"`,
		`access_ttl = "5m"`,
		`refresh_ttl = "24h"`,
		`lockout_duration = "10m"`,
		`lockout_window = "10m"`,
		`audit_policy = "fail-open"`,
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := load(envFrom(map[string]string{
		"SSO_CONFIG_FILE":       path,
		"SSO_LOCKOUT_THRESHOLD": "7",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":7000" {
		t.Fatalf("file value not applied: %q", cfg.HTTPAddr)
	}
	if cfg.Tunables.LockoutThreshold != 7 {
		t.Fatalf("env should override file, got %d", cfg.Tunables.LockoutThreshold)
	}
	if cfg.Tunables.ProbeInterval != time.Minute || cfg.Tunables.AuditPolicy != AuditFailOpen {
		t.Fatalf("unexpected tunables: %+v", cfg.Tunables)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("unexpected brokers: %v", cfg.KafkaBrokers)
	}
}

func TestLoadTrustedProxies(t *testing.T) {
	cfg, err := load(envFrom(map[string]string{
		"SSO_TOKEN_SECRET":    testSecret,
		"SSO_TRUSTED_PROXIES": "10.0.0.0/8, 192.0.2.7",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	prefixes, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		t.Fatalf("TrustedProxyPrefixes: %v", err)
	}
	if len(prefixes) != 2 || prefixes[0].String() != "10.0.0.0/8" || prefixes[1].String() != "192.0.2.7/32" {
		t.Fatalf("unexpected prefixes %v", prefixes)
	}

	_, err = load(envFrom(map[string]string{
		"SSO_TOKEN_SECRET":    testSecret,
		"SSO_TRUSTED_PROXIES": "not-a-cidr",
	}))
	if !errors.Is(err, sentinel.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := load(envFrom(map[string]string{
		"SSO_TOKEN_SECRET": testSecret,
		"SSO_ACCESS_TTL":   "soon",
	}))
	if !errors.Is(err, sentinel.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestApplyTypedSettings(t *testing.T) {
	base := DefaultTunables()
	got, err := Apply(base, []Setting{
		{Key: "lockout.threshold", Value: "3", Type: TypeInt},
		{Key: "token.access_ttl", Value: "10m", Type: TypeDuration},
		{Key: "unrelated.key", Value: "x", Type: TypeString},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got.LockoutThreshold != 3 || got.AccessTTL != 10*time.Minute {
		t.Fatalf("settings not applied: %+v", got)
	}

	_, err = Apply(base, []Setting{{Key: "lockout.threshold", Value: "3", Type: TypeString}})
	if !errors.Is(err, sentinel.ErrInvalidInput) {
		t.Fatalf("expected type mismatch error, got %v", err)
	}
}

type flakySource struct {
	settings []Setting
	err      error
}

func (f *flakySource) LoadSettings(context.Context) ([]Setting, error) {
	return f.settings, f.err
}

func TestProviderKeepsLastGoodSnapshot(t *testing.T) {
	src := &flakySource{settings: []Setting{{Key: "lockout.threshold", Value: "9", Type: TypeInt}}}
	p := NewProvider(DefaultTunables(), src, time.Second, nil)
	if p.Current().LockoutThreshold != 5 {
		t.Fatalf("expected base before refresh")
	}
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if p.Current().LockoutThreshold != 9 {
		t.Fatalf("expected override, got %d", p.Current().LockoutThreshold)
	}

	src.err = errors.New("db down")
	if err := p.Refresh(context.Background()); !errors.Is(err, sentinel.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if p.Current().LockoutThreshold != 9 {
		t.Fatalf("snapshot should survive a failed refresh")
	}

	src.err = nil
	src.settings = []Setting{{Key: "lockout.threshold", Value: "-1", Type: TypeInt}}
	if err := p.Refresh(context.Background()); err == nil {
		t.Fatalf("expected invalid value to be rejected")
	}
	if p.Current().LockoutThreshold != 9 {
		t.Fatalf("invalid overlay must not replace snapshot")
	}
}

func TestProviderStartStop(t *testing.T) {
	src := NewMemorySource()
	src.Set(Setting{Key: "audit.policy", Value: AuditFailOpen, Type: TypeString})
	p := NewProvider(DefaultTunables(), src, 10*time.Millisecond, nil)
	p.Start(context.Background())
	defer p.Stop()

	deadline := time.Now().Add(time.Second)
	for p.Current().AuditPolicy != AuditFailOpen {
		if time.Now().After(deadline) {
			t.Fatal("provider did not pick up setting")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoadBootstrapRequiresBothFields(t *testing.T) {
	_, err := load(envFrom(map[string]string{
		"SSO_TOKEN_SECRET":    testSecret,
		"SSO_BOOTSTRAP_EMAIL": "root@example.com",
	}))
	if !errors.Is(err, sentinel.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	cfg, err := load(envFrom(map[string]string{
		"SSO_TOKEN_SECRET":       testSecret,
		"SSO_BOOTSTRAP_EMAIL":    "root@example.com",
		"SSO_BOOTSTRAP_PASSWORD": "change-me-now",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BootstrapEmail != "root@example.com" || cfg.BootstrapPassword != "change-me-now" {
		t.Fatalf("bootstrap not loaded: %+v", cfg)
	}
}
