package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Метрики ядра аутентификации
var (
	loginTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_lockouts_total",
		Help: "Identities locked after reaching the failure threshold.",
	})

	rotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_rotations_total",
			Help: "Refresh token rotations by outcome.",
		},
		[]string{"outcome"},
	)

	replaysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "token_replays_total",
		Help: "Refresh token reuse detections.",
	})

	probeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_probe_total",
			Help: "Health probes by result.",
		},
		[]string{"result"},
	)

	serviceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "registry_service_up",
			Help: "Last observed liveness per registered service (1 healthy, 0 otherwise).",
		},
		[]string{"service"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ssocore_ready",
		Help: "1 when backing stores answered the last readiness check.",
	})

	auditFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Audit appends that could not be persisted.",
		},
		[]string{"policy"},
	)
)

var initOnce sync.Once

// Init registers all collectors in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginTotal, lockoutsTotal, rotationsTotal, replaysTotal,
			probeTotal, serviceUp, auditFailures, readyGauge,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func LoginOutcome(outcome string) { loginTotal.WithLabelValues(outcome).Inc() }

func LockoutTriggered() { lockoutsTotal.Inc() }

func TokenRotation(outcome string) { rotationsTotal.WithLabelValues(outcome).Inc() }

func TokenReplay() { replaysTotal.Inc() }

// ProbeResult records a single probe and the resulting liveness of the service.
func ProbeResult(service string, healthy bool) {
	result := "failure"
	up := 0.0
	if healthy {
		result = "success"
		up = 1
	}
	probeTotal.WithLabelValues(result).Inc()
	serviceUp.WithLabelValues(service).Set(up)
}

func AuditWriteFailure(policy string) { auditFailures.WithLabelValues(policy).Inc() }

// SetReady publishes the outcome of the latest readiness check.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers in known routes so metric labels stay bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return p
	}
	switch parts[1] {
	case "services":
		switch {
		case len(parts) == 3:
			return "/v1/services/:name"
		case len(parts) == 4 && parts[3] == "access":
			return "/v1/services/:name/access"
		}
	case "roles":
		if len(parts) == 3 {
			return "/v1/roles/:name"
		}
	case "users":
		if len(parts) == 3 {
			return "/v1/users/:id"
		}
		if len(parts) == 4 {
			switch parts[3] {
			case "roles", "deactivate", "revoke":
				return "/v1/users/:id/" + parts[3]
			}
		}
	}
	return p
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
