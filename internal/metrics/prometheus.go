// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// Every recording method is safe on a nil *Registry, which lets components
// run without metrics in tests.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// gateway_upstream_attempts_total{op,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{op,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_session_events_total{event}
	sessionEvents *prometheus.CounterVec

	// gateway_sessions_active
	sessionsActive prometheus.Gauge

	// gateway_vault_operations_total{action,outcome}
	vaultOps *prometheus.CounterVec

	// gateway_catalog_refresh_total{outcome}
	catalogRefresh *prometheus.CounterVec

	// gateway_forward_retries_total{reason}
	retries *prometheus.CounterVec

	// gateway_forward_failures_total{reason}
	failures *prometheus.CounterVec

	// gateway_rate_limit_decisions_total{decision}
	rateLimit *prometheus.CounterVec

	// gateway_backend_health
	backendHealth prometheus.Gauge

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes session setup + backend)",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total backend calls by operation and outcome",
			},
			[]string{"op", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Backend call duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"op", "outcome"},
		),

		sessionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_session_events_total",
				Help: "Session lifecycle events (created, reused, invalidated, closed, expired)",
			},
			[]string{"event"},
		),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sessions_active",
			Help: "Sessions currently registered in this process",
		}),

		vaultOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_vault_operations_total",
				Help: "Credential vault operations by action and outcome",
			},
			[]string{"action", "outcome"},
		),

		catalogRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_catalog_refresh_total",
				Help: "Per-owner model catalog refreshes by outcome",
			},
			[]string{"outcome"},
		),

		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_forward_retries_total",
				Help: "Requests resent on a fresh session, by fault class",
			},
			[]string{"reason"},
		),

		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_forward_failures_total",
				Help: "Requests that failed after the retry policy, by fault class",
			},
			[]string{"reason"},
		),

		rateLimit: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limit_decisions_total",
				Help: "Per-owner rate limit decisions (allowed, limited, error)",
			},
			[]string{"decision"},
		),

		backendHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_backend_health",
			Help: "Backend health status (1=ok, 0=degraded)",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.sessionEvents,
		r.sessionsActive,
		r.vaultOps,
		r.catalogRefresh,
		r.retries,
		r.failures,
		r.rateLimit,
		r.backendHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	if r == nil {
		return
	}
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveUpstream records one backend call.
func (r *Registry) ObserveUpstream(op, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamAttempts.WithLabelValues(op, outcome).Inc()
	r.upstreamDuration.WithLabelValues(op, outcome).Observe(dur.Seconds())
}

// SessionEvent counts a session lifecycle transition.
func (r *Registry) SessionEvent(event string) {
	if r != nil {
		r.sessionEvents.WithLabelValues(event).Inc()
	}
}

func (r *Registry) SetActiveSessions(n int) {
	if r != nil {
		r.sessionsActive.Set(float64(n))
	}
}

func (r *Registry) VaultOp(action, outcome string) {
	if r != nil {
		r.vaultOps.WithLabelValues(action, outcome).Inc()
	}
}

func (r *Registry) CatalogRefresh(outcome string) {
	if r != nil {
		r.catalogRefresh.WithLabelValues(outcome).Inc()
	}
}

func (r *Registry) RecordRetry(reason string) {
	if r != nil {
		r.retries.WithLabelValues(reason).Inc()
	}
}

func (r *Registry) RecordFailure(reason string) {
	if r != nil {
		r.failures.WithLabelValues(reason).Inc()
	}
}

func (r *Registry) RateLimitDecision(decision string) {
	if r != nil {
		r.rateLimit.WithLabelValues(decision).Inc()
	}
}

func (r *Registry) SetBackendHealth(ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.backendHealth.Set(1)
		return
	}
	r.backendHealth.Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	if r == nil {
		return
	}
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
