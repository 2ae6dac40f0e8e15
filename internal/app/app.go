// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra: durable store (Redis or in-process)
//  2. initBackend: proxy-router client, metrics registry
//  3. initServices: audit log, vault, model router, session pool, forwarder
//  4. initGateway: HTTP surface, health checker, rate limiter
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/session-gateway/internal/audit"
	"github.com/nulpointcorp/session-gateway/internal/backend"
	"github.com/nulpointcorp/session-gateway/internal/config"
	"github.com/nulpointcorp/session-gateway/internal/forwarder"
	"github.com/nulpointcorp/session-gateway/internal/gateway"
	"github.com/nulpointcorp/session-gateway/internal/metrics"
	"github.com/nulpointcorp/session-gateway/internal/models"
	"github.com/nulpointcorp/session-gateway/internal/ratelimit"
	"github.com/nulpointcorp/session-gateway/internal/session"
	"github.com/nulpointcorp/session-gateway/internal/store"
	"github.com/nulpointcorp/session-gateway/internal/vault"
)

// shutdownGrace is how long open requests, streams included, may run after
// a shutdown signal before their backend calls are cancelled.
const shutdownGrace = 30 * time.Second

// durableStore is what the app needs from either store implementation.
type durableStore interface {
	store.LockingStore
	Ping(ctx context.Context) error
}

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// callCtx outlives the shutdown signal so open streams can drain.
	callCtx     context.Context
	cancelCalls context.CancelFunc

	// Exactly one of the two is set.
	redisStore *store.RedisStore
	memStore   *store.MemoryStore
	store      durableStore

	prom    *metrics.Registry
	backend *backend.Client

	audit     *audit.Logger
	vault     *vault.Vault
	router    *models.Router
	pool      *session.Pool
	forwarder *forwarder.Forwarder

	health  *gateway.HealthChecker
	limiter gateway.RateLimiter
	local   *ratelimit.LocalLimiter
	gw      *gateway.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}
	a.callCtx, a.cancelCalls = context.WithCancel(context.WithoutCancel(ctx))

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"backend", a.initBackend},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. On cancellation open requests get shutdownGrace to finish before
// the app is closed.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Addr()

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("store_mode", a.cfg.Store.Mode),
		slog.String("backend", redactURL(a.cfg.Backend.URL)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down", slog.Duration("grace", shutdownGrace))
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.gw.Shutdown(sctx); err != nil {
			a.log.Error("http shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.cancelCalls != nil {
		a.cancelCalls()
	}
	if a.health != nil {
		a.health.Close()
	}
	if a.local != nil {
		a.local.Close()
	}
	if a.pool != nil {
		a.pool.Shutdown()
	}
	if a.vault != nil {
		a.vault.Close()
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.Error("audit close error", slog.String("error", err.Error()))
		}
	}
	if a.memStore != nil {
		a.memStore.Close()
	}
	if a.redisStore != nil {
		if err := a.redisStore.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
	}
}

// Handler exposes the routed HTTP handler, for embedding and tests.
func (a *App) Handler() gateway.RouteHandler {
	return a.gw.Handler()
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
