package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"ssocore.org/internal/auth"
	"ssocore.org/internal/lockout"
	"ssocore.org/internal/token"
)

func newLoginAPI(t *testing.T, burst int, trusted ...netip.Prefix) http.Handler {
	t.Helper()
	keys, err := token.HS256Key([]byte("client-ip-test-secret-client-ip!!"))
	if err != nil {
		t.Fatalf("HS256Key: %v", err)
	}
	engine, err := token.NewEngine(token.NewMemoryStore(), keys)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	authn, err := auth.NewAuthenticator(auth.NewMemoryStore(), lockout.New(lockout.NewMemoryStore()), engine,
		auth.WithParams(testParams), auth.WithLockoutKeyMode("ip+identity"))
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	if _, err := authn.Register(context.Background(), "viewer@example.com", "viewer-password", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	api := New(Deps{
		Auth:           authn,
		Tokens:         engine,
		RateBurst:      burst,
		RatePerSec:     1,
		TrustedProxies: trusted,
	})
	return api.Handler()
}

func postLogin(h http.Handler, remote, xff, password string) int {
	body := fmt.Sprintf(`{"identity":"viewer@example.com","password":%q}`, password)
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remote
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr.Code
}

func TestSpoofedForwardedForDoesNotEscapeLockout(t *testing.T) {
	h := newLoginAPI(t, 1000)
	for i := 0; i < 5; i++ {
		code := postLogin(h, "198.51.100.4:4000", fmt.Sprintf("203.0.113.%d", i+1), "nope")
		if code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d", i, code)
		}
	}
	if code := postLogin(h, "198.51.100.4:4000", "203.0.113.200", "viewer-password"); code != http.StatusUnauthorized {
		t.Fatalf("expected lockout despite rotating X-Forwarded-For, got %d", code)
	}
	if code := postLogin(h, "198.51.100.5:4000", "", "viewer-password"); code != http.StatusOK {
		t.Fatalf("other peer should not share the lockout, got %d", code)
	}
}

func TestSpoofedForwardedForDoesNotEscapeRateLimit(t *testing.T) {
	h := newLoginAPI(t, 2)
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, postLogin(h, "198.51.100.4:4000", fmt.Sprintf("203.0.113.%d", i+1), "nope"))
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected third request limited, got %v", codes)
	}
}

func TestForwardedForFromTrustedProxy(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	cases := []struct {
		remote string
		xff    string
		want   string
	}{
		{"10.0.0.1:80", "203.0.113.9", "203.0.113.9"},
		{"10.0.0.1:80", "192.0.2.1, 203.0.113.9, 10.0.0.2", "203.0.113.9"},
		{"10.0.0.1:80", "", "10.0.0.1"},
		{"10.0.0.1:80", "garbage", "10.0.0.1"},
		{"198.51.100.4:80", "203.0.113.9", "198.51.100.4"},
	}
	for _, tc := range cases {
		var seen string
		h := ClientContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = clientIP(r)
		}), trusted...)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		if tc.xff != "" {
			req.Header.Set("X-Forwarded-For", tc.xff)
		}
		h.ServeHTTP(httptest.NewRecorder(), req)
		if seen != tc.want {
			t.Fatalf("remote=%s xff=%q: got %q, want %q", tc.remote, tc.xff, seen, tc.want)
		}
	}

	// without trusted proxies the header is ignored entirely
	var seen string
	h := ClientContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = clientIP(r)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:80"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "10.0.0.1" {
		t.Fatalf("untrusted header honoured: %q", seen)
	}
}
