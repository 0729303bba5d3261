package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"ssocore.org/internal/sentinel"
)

// HTTPChecker treats any 2xx response to GET as healthy.
type HTTPChecker struct {
	Client *http.Client
}

func (h HTTPChecker) Check(ctx context.Context, healthURL string) error {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", sentinel.ErrServiceUnreachable, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", sentinel.ErrServiceUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", sentinel.ErrServiceUnreachable, resp.StatusCode)
	}
	return nil
}

// GRPCChecker calls grpc.health.v1.Health/Check. The URL path, if any, names
// the service to check: grpc://host:port/pkg.Service.
type GRPCChecker struct {
	DialOptions []grpc.DialOption
}

func (g GRPCChecker) Check(ctx context.Context, healthURL string) error {
	u, err := url.Parse(healthURL)
	if err != nil {
		return fmt.Errorf("%w: %v", sentinel.ErrServiceUnreachable, err)
	}
	opts := g.DialOptions
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.DialContext(ctx, u.Host, opts...)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", sentinel.ErrServiceUnreachable, u.Host, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: strings.TrimPrefix(u.Path, "/"),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", sentinel.ErrServiceUnreachable, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: status %s", sentinel.ErrServiceUnreachable, resp.GetStatus())
	}
	return nil
}

// SchemeChecker dispatches on the health URL scheme.
type SchemeChecker struct {
	HTTP Checker
	GRPC Checker
}

// NewSchemeChecker returns a checker for http(s):// and grpc:// URLs.
func NewSchemeChecker(client *http.Client) SchemeChecker {
	return SchemeChecker{HTTP: HTTPChecker{Client: client}, GRPC: GRPCChecker{}}
}

func (s SchemeChecker) Check(ctx context.Context, healthURL string) error {
	switch {
	case strings.HasPrefix(healthURL, "grpc://"):
		return s.GRPC.Check(ctx, healthURL)
	case strings.HasPrefix(healthURL, "http://"), strings.HasPrefix(healthURL, "https://"):
		return s.HTTP.Check(ctx, healthURL)
	}
	return fmt.Errorf("%w: unsupported health url %q", sentinel.ErrServiceUnreachable, healthURL)
}
