package gateway

import (
	"context"
	"errors"
	"net"

	"github.com/fasthttp/router"
	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// Handler builds the routed handler with the full middleware chain.
func (g *Gateway) Handler() RouteHandler {
	r := router.New()

	v1 := func(route string, h fasthttp.RequestHandler) fasthttp.RequestHandler {
		return g.instrument(route, g.authenticate(h))
	}

	r.GET("/v1/models", v1("models", g.handleModels))
	r.POST("/v1/chat/completions", g.authenticate(g.rateLimit(g.dispatchChat)))
	r.PUT("/v1/credentials", v1("credentials", g.handlePutCredential))
	r.GET("/v1/credentials", v1("credentials", g.handleGetCredential))
	r.DELETE("/v1/credentials", v1("credentials", g.handleDeleteCredential))
	r.GET("/v1/sessions", v1("sessions", g.handleListSessions))
	r.DELETE("/v1/sessions/{id}", v1("sessions", g.handleCloseSession))

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start serves HTTP on addr (e.g. ":8080") until Shutdown is called.
func (g *Gateway) Start(addr string) error {
	return g.srv.ListenAndServe(addr)
}

// Serve serves HTTP on ln until Shutdown is called.
func (g *Gateway) Serve(ln net.Listener) error {
	return g.srv.Serve(ln)
}

// Shutdown stops accepting connections and waits for open ones to finish
// or for ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if err := g.srv.ShutdownWithContext(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
