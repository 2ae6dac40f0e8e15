package gateway

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/session-gateway/internal/auth"
	"github.com/nulpointcorp/session-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// User value keys set by the middleware chain.
const (
	userValueRequestID = "request_id"
	userValueOwnerKey  = "owner_key"
	userValueCallerID  = "caller_id"
)

// recovery catches panics in any handler and returns a 500 without crashing
// the server process. The panic value is logged at ERROR level.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				apierr.Write(ctx, fasthttp.StatusInternalServerError,
					"internal server error", apierr.KindInternal, "", apierr.CodeInternalError)
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request has an X-Request-ID header. If the client
// does not supply one a UUID v4 is generated.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue(userValueRequestID, id)
		next(ctx)
	}
}

// timing records the handler duration in X-Response-Time. For streams this
// is the time to the first chunk.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds the OWASP-recommended headers for an API that serves
// no HTML.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// corsHandler returns a CORS middleware for the given allowed origins.
//
//   - nil or []string{"*"} → Access-Control-Allow-Origin: *
//   - specific origins      → the request Origin is echoed when listed
//
// OPTIONS preflight requests are answered with 204 No Content.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	open := len(origins) == 0 || (len(origins) == 1 && origins[0] == "*")
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimSpace(o)] = struct{}{}
	}

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			if open {
				h.Set("Access-Control-Allow-Origin", "*")
			} else if origin := string(ctx.Request.Header.Peek("Origin")); origin != "" {
				if _, ok := allowed[origin]; ok {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Vary", "Origin")
				}
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Session-ID")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// authenticate resolves the bearer owner key through the identity provider
// and stores it for the handler. Unknown or missing keys get a 401.
func (g *Gateway) authenticate(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token := auth.ParseBearer(string(ctx.Request.Header.Peek("Authorization")))
		if token == "" {
			apierr.WriteError(ctx, apierr.Authentication("missing or malformed bearer token"), g.debugErrors)
			return
		}

		caller, err := g.identity.Resolve(ctx, token)
		if err != nil {
			g.log.DebugContext(ctx, "auth_rejected",
				slog.String("request_id", requestIDOf(ctx)),
				slog.String("owner", auth.Fingerprint(token)),
				slog.String("error", err.Error()),
			)
			apierr.WriteError(ctx, apierr.Authentication("invalid API key"), g.debugErrors)
			return
		}

		ctx.SetUserValue(userValueOwnerKey, caller.OwnerKey)
		ctx.SetUserValue(userValueCallerID, caller.ID)
		next(ctx)
	}
}

// rateLimit applies the per-owner request budget. It runs after
// authenticate and is a no-op without a limiter. Limiter errors fail open.
func (g *Gateway) rateLimit(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if g.limiter == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		owner := auth.Fingerprint(ownerKeyOf(ctx))
		allowed, err := g.limiter.Allow(ctx, owner)
		switch {
		case err != nil:
			g.metrics.RateLimitDecision("error")
		case !allowed:
			g.metrics.RateLimitDecision("limited")
			g.log.InfoContext(ctx, "rate_limited",
				slog.String("request_id", requestIDOf(ctx)),
				slog.String("owner", owner),
			)
			apierr.WriteError(ctx, apierr.RateLimited(), g.debugErrors)
			return
		default:
			g.metrics.RateLimitDecision("allowed")
		}
		next(ctx)
	}
}

// instrument records in-flight and per-route HTTP metrics for handlers that
// answer with a buffered body.
func (g *Gateway) instrument(route string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if g.metrics == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		g.metrics.IncInFlight()
		defer func() {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start),
				len(ctx.PostBody()), len(ctx.Response.Body()))
		}()
		next(ctx)
	}
}

// applyMiddleware wraps h with the given middleware chain. The first
// middleware becomes the outermost wrapper:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func requestIDOf(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue(userValueRequestID).(string)
	return id
}

func ownerKeyOf(ctx *fasthttp.RequestCtx) string {
	key, _ := ctx.UserValue(userValueOwnerKey).(string)
	return key
}
