// Package gateway is the OpenAI-compatible HTTP surface of the session
// gateway.
//
// The Gateway authenticates the owner key, hands chat completions to the
// forwarder and streams the backend's chunks back as server-sent events. It
// also exposes the owner's model catalog, the credential registration
// endpoints and the session listing.
//
// Key design constraints:
//   - The backend call runs on a context owned by the gateway, not the
//     fasthttp request, so a streamed reply outlives the handler and a failed
//     flush to the client cancels it.
//   - Nothing is written to a streaming client before the first backend
//     chunk arrives; earlier failures still get a proper error status.
//   - Metrics and the health checker are optional and nil-safe.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/nulpointcorp/session-gateway/internal/auth"
	"github.com/nulpointcorp/session-gateway/internal/forwarder"
	"github.com/nulpointcorp/session-gateway/internal/metrics"
	"github.com/nulpointcorp/session-gateway/internal/models"
	"github.com/nulpointcorp/session-gateway/internal/session"
	"github.com/nulpointcorp/session-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const (
	routeChat = "chat_completions"

	sseDone = "data: [DONE]\n\n"
)

// Completer runs chat completions.
type Completer interface {
	Open(ctx context.Context, req forwarder.Request) (*forwarder.Result, error)
}

// ModelCatalog lists the models an owner can reach.
type ModelCatalog interface {
	Catalog(ctx context.Context, ownerKey string) []models.Mapping
	Defaults() []models.Mapping
	ResolvePublicName(ctx context.Context, backendID, ownerKey string) string
}

// CredentialVault stores the owners' backend credentials.
type CredentialVault interface {
	Store(ctx context.Context, ownerKey, secret string) error
	Get(ctx context.Context, ownerKey string) (string, bool)
	Has(ctx context.Context, ownerKey string) bool
	Delete(ctx context.Context, ownerKey string) error
}

// SessionPool exposes the owner's backend sessions.
type SessionPool interface {
	List(ownerKey string) []session.Session
	Close(ctx context.Context, owner session.Owner, sessionID string) error
}

// RateLimiter decides whether an owner may send another completion.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Options wires a Gateway. Forwarder, Models, Vault, Sessions and Identity
// are required.
type Options struct {
	Forwarder Completer
	Models    ModelCatalog
	Vault     CredentialVault
	Sessions  SessionPool
	Identity  auth.Identity

	// Health backs /health and /readiness. Nil reports a static "ok".
	Health *HealthChecker

	// Limiter caps completions per owner. Nil disables limiting.
	Limiter RateLimiter

	Metrics *metrics.Registry
	Logger  *slog.Logger

	// CORSOrigins lists allowed origins. Empty or ["*"] allows all.
	CORSOrigins []string

	// DebugErrors exposes internal error causes to clients.
	DebugErrors bool

	// ReadTimeout bounds reading one request. Default: 60s.
	ReadTimeout time.Duration
	// IdleTimeout bounds keep-alive connections between requests. Default: 75s.
	IdleTimeout time.Duration
	// WriteTimeout bounds writing one response, streams included. Zero
	// means no limit; set it at least as large as the backend timeout.
	WriteTimeout time.Duration
}

// Gateway is the HTTP front of the service. All dependencies are injected
// through Options so tests can replace them.
type Gateway struct {
	forwarder Completer
	models    ModelCatalog
	vault     CredentialVault
	sessions  SessionPool
	identity  auth.Identity
	health    *HealthChecker
	limiter   RateLimiter

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	corsOrigins []string
	debugErrors bool

	readTimeout  time.Duration
	idleTimeout  time.Duration
	writeTimeout time.Duration

	srv *fasthttp.Server
}

// New creates a Gateway. baseCtx bounds every backend call the gateway
// starts; cancelling it aborts in-flight completions.
func New(baseCtx context.Context, opts Options) (*Gateway, error) {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	switch {
	case opts.Forwarder == nil:
		return nil, errors.New("gateway: forwarder is required")
	case opts.Models == nil:
		return nil, errors.New("gateway: model catalog is required")
	case opts.Vault == nil:
		return nil, errors.New("gateway: credential vault is required")
	case opts.Sessions == nil:
		return nil, errors.New("gateway: session pool is required")
	case opts.Identity == nil:
		return nil, errors.New("gateway: identity provider is required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 75 * time.Second
	}

	g := &Gateway{
		forwarder:    opts.Forwarder,
		models:       opts.Models,
		vault:        opts.Vault,
		sessions:     opts.Sessions,
		identity:     opts.Identity,
		health:       opts.Health,
		limiter:      opts.Limiter,
		baseCtx:      baseCtx,
		log:          log,
		metrics:      opts.Metrics,
		corsOrigins:  opts.CORSOrigins,
		debugErrors:  opts.DebugErrors,
		readTimeout:  opts.ReadTimeout,
		idleTimeout:  opts.IdleTimeout,
		writeTimeout: opts.WriteTimeout,
	}
	g.srv = &fasthttp.Server{
		Handler:      g.Handler(),
		Name:         "session-gateway",
		ReadTimeout:  g.readTimeout,
		WriteTimeout: g.writeTimeout,
		IdleTimeout:  g.idleTimeout,
	}
	return g, nil
}

// inboundChat holds the fields the gateway itself needs. The rest of the
// body is forwarded untouched.
type inboundChat struct {
	Model    string            `json:"model"`
	Stream   bool              `json:"stream"`
	Messages []json.RawMessage `json:"messages"`
}

// dispatchChat handles POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqBytes := len(ctx.PostBody())
	streaming := false

	g.metrics.IncInFlight()
	defer func() {
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeChat, ctx.Response.StatusCode(), time.Since(start), reqBytes, len(ctx.Response.Body()))
	}()

	reqID := requestIDOf(ctx)
	ownerKey := ownerKeyOf(ctx)

	body := ctx.PostBody()
	var req inboundChat
	if err := json.Unmarshal(body, &req); err != nil {
		apierr.WriteError(ctx, apierr.Validation("", "invalid JSON: "+err.Error()), g.debugErrors)
		return
	}
	if req.Model == "" {
		apierr.WriteError(ctx, apierr.Validation("model", "field 'model' is required"), g.debugErrors)
		return
	}
	if len(req.Messages) == 0 {
		apierr.WriteError(ctx, apierr.Validation("messages", "field 'messages' must be a non-empty array"), g.debugErrors)
		return
	}

	log := g.log.With(
		slog.String("request_id", reqID),
		slog.String("owner", auth.Fingerprint(ownerKey)),
		slog.String("model", req.Model),
	)
	log.InfoContext(ctx, "request", slog.Bool("stream", req.Stream))

	// The fasthttp ctx is recycled once the handler returns, so the payload
	// is copied and the backend call gets its own cancelable context.
	callCtx, cancel := context.WithCancel(g.baseCtx)
	payload := append([]byte(nil), body...)

	res, err := g.forwarder.Open(callCtx, forwarder.Request{
		OwnerKey:  ownerKey,
		Model:     req.Model,
		Stream:    req.Stream,
		Payload:   payload,
		RequestID: reqID,
	})
	if err != nil {
		cancel()
		log.WarnContext(ctx, "completion_failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		g.writeError(ctx, err)
		return
	}

	ctx.Response.Header.Set("X-Session-ID", res.SessionID)

	if res.Stream == nil {
		cancel()
		log.DebugContext(ctx, "response_ok",
			slog.String("session_id", res.SessionID),
			slog.Int("attempts", res.Attempts),
			slog.Duration("elapsed", time.Since(start)),
		)
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.SetBody(res.Body)
		return
	}

	streaming = true
	writeSSE(ctx, res.Stream, cancel, func(chunks int, err error) {
		dur := time.Since(start)
		if err != nil {
			log.WarnContext(callCtx, "stream_aborted",
				slog.String("session_id", res.SessionID),
				slog.Int("chunks", chunks),
				slog.String("error", err.Error()),
				slog.Duration("elapsed", dur),
			)
		} else {
			log.DebugContext(callCtx, "stream_ok",
				slog.String("session_id", res.SessionID),
				slog.Int("chunks", chunks),
				slog.Int("attempts", res.Attempts),
				slog.Duration("elapsed", dur),
			)
		}
		g.metrics.ObserveHTTP(routeChat, fasthttp.StatusOK, dur, reqBytes, -1)
		g.metrics.DecInFlight()
	})
}

// writeError renders err in the error envelope. A request cancelled by
// shutdown is reported as a gateway fault rather than an internal error.
func (g *Gateway) writeError(ctx *fasthttp.RequestCtx, err error) {
	if errors.Is(err, context.Canceled) {
		err = apierr.BadGateway("request canceled", err)
	}
	apierr.WriteError(ctx, err, g.debugErrors)
}

// writeSSE streams chunks to the client, each framed as "data: <chunk>\n\n"
// and terminated by "data: [DONE]". A failed write or flush means the
// client went away: the stream is closed and cancel aborts the backend call.
// onComplete runs once with the number of chunks written and the reason the
// stream stopped early, if any.
func writeSSE(ctx *fasthttp.RequestCtx, s *forwarder.Stream, cancel context.CancelFunc, onComplete func(chunks int, err error)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		var (
			chunks  int
			stopErr error
		)
		defer func() {
			_ = s.Close()
			cancel()
			if onComplete != nil {
				onComplete(chunks, stopErr)
			}
		}()

		for s.Next() {
			if err := writeEvent(w, s.Chunk()); err != nil {
				stopErr = err
				return
			}
			chunks++
		}

		if err := s.Err(); err != nil {
			stopErr = err
			e := apierr.BadGateway("backend stream interrupted", err)
			_ = writeEvent(w, apierr.Marshal(e.Message, e.Kind, "", e.Code))
			return
		}

		if _, err := w.WriteString(sseDone); err != nil {
			stopErr = err
			return
		}
		if err := w.Flush(); err != nil {
			stopErr = err
		}
	})
}

func writeEvent(w *bufio.Writer, data []byte) error {
	if _, err := w.WriteString("data: "); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.WriteString("\n\n"); err != nil {
		return err
	}
	return w.Flush()
}
