package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nulpointcorp/session-gateway/internal/auth"
	"github.com/nulpointcorp/session-gateway/internal/ratelimit"
	"github.com/valyala/fasthttp"
)

// --- recovery middleware ----------------------------------------------------

func TestRecovery_CatchesPanic(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		panic("mock panic")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
	body := string(ctx.Response.Body())
	if !strings.Contains(body, "internal server error") || !strings.Contains(body, "internal_error") {
		t.Errorf("unexpected body: %s", body)
	}
}

// --- requestID middleware ---------------------------------------------------

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	var seen string
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		seen = requestIDOf(ctx)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if seen == "" {
		t.Fatal("request id should be generated")
	}
	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != seen {
		t.Errorf("response header %q != user value %q", got, seen)
	}
}

func TestRequestID_KeepsClientValue(t *testing.T) {
	handler := requestID(func(*fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", "client-id-1")
	handler(ctx)

	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != "client-id-1" {
		t.Errorf("expected client id, got %q", got)
	}
}

// --- CORS middleware --------------------------------------------------------

func TestCORS_OpenByDefault(t *testing.T) {
	handler := corsHandler(nil)(func(*fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
		t.Errorf("expected *, got %q", got)
	}
}

func TestCORS_AllowListEchoesKnownOrigin(t *testing.T) {
	handler := corsHandler([]string{"https://a.example", "https://b.example"})(func(*fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Origin", "https://b.example")
	handler(ctx)
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "https://b.example" {
		t.Errorf("expected echoed origin, got %q", got)
	}

	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Origin", "https://evil.example")
	handler(ctx)
	if got := ctx.Response.Header.Peek("Access-Control-Allow-Origin"); len(got) != 0 {
		t.Errorf("unknown origin must not be allowed, got %q", got)
	}
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	called := false
	handler := corsHandler(nil)(func(*fasthttp.RequestCtx) { called = true })

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	handler(ctx)

	if called {
		t.Error("preflight should not reach the handler")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("expected 204, got %d", ctx.Response.StatusCode())
	}
}

// --- security headers -------------------------------------------------------

func TestSecurityHeaders(t *testing.T) {
	handler := securityHeaders(func(*fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	for _, h := range []string{"Strict-Transport-Security", "X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy"} {
		if len(ctx.Response.Header.Peek(h)) == 0 {
			t.Errorf("missing %s", h)
		}
	}
}

// --- authentication ---------------------------------------------------------

func TestAuthenticate(t *testing.T) {
	g := &Gateway{identity: auth.NewStaticIdentity([]string{"sk-good"}), log: discardLogger()}

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", fasthttp.StatusUnauthorized},
		{"wrong scheme", "Basic sk-good", fasthttp.StatusUnauthorized},
		{"unknown key", "Bearer sk-bad", fasthttp.StatusUnauthorized},
		{"accepted", "Bearer sk-good", fasthttp.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var owner string
			handler := g.authenticate(func(ctx *fasthttp.RequestCtx) {
				owner = ownerKeyOf(ctx)
			})

			ctx := &fasthttp.RequestCtx{}
			if tt.header != "" {
				ctx.Request.Header.Set("Authorization", tt.header)
			}
			handler(ctx)

			if ctx.Response.StatusCode() != tt.status {
				t.Fatalf("status = %d, want %d", ctx.Response.StatusCode(), tt.status)
			}
			if tt.status == fasthttp.StatusOK && owner != "sk-good" {
				t.Errorf("owner key = %q", owner)
			}
			if tt.status != fasthttp.StatusOK && owner != "" {
				t.Error("handler must not run for rejected keys")
			}
		})
	}
}

// --- chain order ------------------------------------------------------------

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}
	h := applyMiddleware(func(*fasthttp.RequestCtx) { order = append(order, "handler") }, mw("a"), mw("b"))
	h(&fasthttp.RequestCtx{})

	if strings.Join(order, ",") != "a,b,handler" {
		t.Errorf("order = %v", order)
	}
}

type staticIdentity struct{ err error }

func (s staticIdentity) Resolve(_ context.Context, key string) (auth.Caller, error) {
	return auth.Caller{ID: "c", OwnerKey: key}, s.err
}

func TestAuthenticate_IdentityErrorHidden(t *testing.T) {
	g := &Gateway{identity: staticIdentity{err: auth.ErrUnknownKey}, log: discardLogger()}
	handler := g.authenticate(func(*fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer sk-x")
	handler(ctx)

	if strings.Contains(string(ctx.Response.Body()), "sk-x") {
		t.Errorf("owner key echoed in error: %s", ctx.Response.Body())
	}
}

// --- rate limit middleware --------------------------------------------------

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestRateLimit_PerOwner(t *testing.T) {
	l := ratelimit.NewLocalLimiter(context.Background(), 60, 1)
	defer l.Close()
	g := &Gateway{limiter: l, log: discardLogger()}

	calls := 0
	h := g.rateLimit(func(ctx *fasthttp.RequestCtx) { calls++ })

	send := func(owner string) int {
		ctx := &fasthttp.RequestCtx{}
		ctx.SetUserValue(userValueOwnerKey, owner)
		h(ctx)
		return ctx.Response.StatusCode()
	}

	if code := send("sk-a"); code != fasthttp.StatusOK {
		t.Fatalf("first request = %d", code)
	}
	if code := send("sk-a"); code != fasthttp.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", code)
	}
	if code := send("sk-b"); code != fasthttp.StatusOK {
		t.Errorf("other owner = %d", code)
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}

func TestRateLimit_LimitedBody(t *testing.T) {
	l := ratelimit.NewLocalLimiter(context.Background(), 60, 1)
	defer l.Close()
	g := &Gateway{limiter: l, log: discardLogger()}
	h := g.rateLimit(func(*fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	ctx.SetUserValue(userValueOwnerKey, "sk-a")
	h(ctx)
	ctx = &fasthttp.RequestCtx{}
	ctx.SetUserValue(userValueOwnerKey, "sk-a")
	h(ctx)

	if !strings.Contains(string(ctx.Response.Body()), "rate_limit_error") {
		t.Errorf("body = %s", ctx.Response.Body())
	}
}

func TestRateLimit_FailsOpenOnError(t *testing.T) {
	g := &Gateway{limiter: failingLimiter{}, log: discardLogger()}
	called := false
	h := g.rateLimit(func(*fasthttp.RequestCtx) { called = true })

	ctx := &fasthttp.RequestCtx{}
	ctx.SetUserValue(userValueOwnerKey, "sk-a")
	h(ctx)
	if !called {
		t.Error("a limiter error must not block the request")
	}
}

func TestRateLimit_NilLimiterPassesThrough(t *testing.T) {
	g := &Gateway{log: discardLogger()}
	called := false
	g.rateLimit(func(*fasthttp.RequestCtx) { called = true })(&fasthttp.RequestCtx{})
	if !called {
		t.Error("handler not called")
	}
}
