package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

func TestRegistry_NilIsSafe(t *testing.T) {
	var r *Registry
	r.IncInFlight()
	r.DecInFlight()
	r.ObserveHTTP("/v1/models", 200, time.Millisecond, 0, 10)
	r.ObserveUpstream("prompt", "ok", time.Millisecond)
	r.SessionEvent("created")
	r.SetActiveSessions(3)
	r.VaultOp("get", "ok")
	r.CatalogRefresh("ok")
	r.RecordRetry("empty_body")
	r.RecordFailure("empty_body")
	r.RateLimitDecision("limited")
	r.SetBackendHealth(true)
	r.SetBuildInfo("test")
}

func TestRegistry_HandlerExposesMetrics(t *testing.T) {
	r := New()
	r.SetBuildInfo("1.2.3")
	r.SessionEvent("created")
	r.SessionEvent("reused")
	r.RecordRetry("session_expired")
	r.VaultOp("store", "ok")
	r.RateLimitDecision("limited")

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/metrics")
	r.Handler()(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	body := string(ctx.Response.Body())
	for _, want := range []string{
		`gateway_build_info{version="1.2.3"} 1`,
		`gateway_session_events_total{event="created"} 1`,
		`gateway_forward_retries_total{reason="session_expired"} 1`,
		`gateway_vault_operations_total{action="store",outcome="ok"} 1`,
		`gateway_rate_limit_decisions_total{decision="limited"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
