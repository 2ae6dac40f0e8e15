package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/session-gateway/internal/audit"
	"github.com/nulpointcorp/session-gateway/internal/auth"
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

// initInfra opens the durable store. Redis is only used when
// STORE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	switch a.cfg.Store.Mode {
	case config.StoreModeRedis:
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Store.RedisURL)))

		rs, err := store.NewRedisStoreFromURL(ctx, a.cfg.Store.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.redisStore = rs
		a.store = rs
		a.log.Info("store backend: redis")

	case config.StoreModeMemory:
		a.memStore = store.NewMemoryStore(a.baseCtx)
		a.store = a.memStore
		a.log.Info("store backend: memory (in-process, not shared across replicas)")

	default:
		return fmt.Errorf("unknown store mode: %s", a.cfg.Store.Mode)
	}

	return nil
}

// initBackend creates the metrics registry and the proxy-router client.
func (a *App) initBackend(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	c, err := backend.New(backend.Config{
		BaseURL:          a.cfg.Backend.URL,
		Username:         a.cfg.Backend.Username,
		Password:         a.cfg.Backend.Password,
		CredentialHeader: a.cfg.Backend.CredentialHeader,
		Timeout:          a.cfg.Backend.Timeout,
		ControlTimeout:   a.cfg.Backend.ControlTimeout,
		Metrics:          a.prom,
		Logger:           a.log,
	})
	if err != nil {
		return err
	}
	a.backend = c

	a.log.Info("backend configured",
		slog.String("url", redactURL(a.cfg.Backend.URL)),
		slog.Duration("timeout", a.cfg.Backend.Timeout),
		slog.Duration("control_timeout", a.cfg.Backend.ControlTimeout),
	)
	return nil
}

// initServices builds the vault, model router, session pool and forwarder.
func (a *App) initServices(_ context.Context) error {
	al, err := audit.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	a.audit = al

	cipher, err := vault.NewCipher([]byte(a.cfg.Credential.EncryptionKey))
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	a.vault, err = vault.New(a.baseCtx, cipher, a.store, vault.Options{
		DurableTTL:    a.cfg.Credential.TTL,
		UnusedAfter:   a.cfg.Credential.CacheUnused,
		SweepInterval: a.cfg.Credential.SweepInterval,
		Audit:         a.audit,
		Metrics:       a.prom,
		Logger:        a.log,
	})
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	var defaults []models.Mapping
	if len(a.cfg.Models.Defaults) > 0 {
		defaults, err = models.ParseDefaults(a.cfg.Models.Defaults)
		if err != nil {
			return err
		}
		a.log.Info("model defaults overridden", slog.Int("entries", len(defaults)))
	}
	a.router, err = models.NewRouter(a.store, a.vault, a.backend, models.Options{
		Defaults:    defaults,
		DefaultName: a.cfg.Models.DefaultName,
		DefaultID:   a.cfg.Models.DefaultID,
		ResolveTTL:  a.cfg.Models.CacheTTL,
		CatalogTTL:  a.cfg.Models.CatalogTTL,
		Metrics:     a.prom,
		Logger:      a.log,
	})
	if err != nil {
		return err
	}

	a.pool, err = session.NewPool(a.baseCtx, a.backend, a.store, session.Options{
		Duration:       a.cfg.Session.Duration,
		ExpiryMargin:   a.cfg.Session.ExpiryMargin,
		LockTTL:        a.cfg.Session.LockTTL,
		ControlTimeout: a.cfg.Backend.ControlTimeout,
		Metrics:        a.prom,
		Logger:         a.log,
	})
	if err != nil {
		return err
	}

	a.forwarder = forwarder.New(a.vault, a.router, a.pool, a.backend, forwarder.Options{
		SessionDuration: a.cfg.Session.Duration,
		Flags: session.Flags{
			DirectPayment: a.cfg.Session.DirectPayment,
			Failover:      a.cfg.Session.Failover,
		},
		Metrics: a.prom,
		Logger:  a.log,
	})

	return nil
}

// initGateway wires the HTTP surface.
func (a *App) initGateway(_ context.Context) error {
	a.health = gateway.NewHealthChecker(a.baseCtx, a.backend, a.store, a.pool, a.prom)

	if rpm := a.cfg.RateLimit.RPM; rpm > 0 {
		if a.redisStore != nil {
			a.limiter = ratelimit.NewRPMLimiter(a.redisStore.Client(), rpm, a.log)
		} else {
			a.local = ratelimit.NewLocalLimiter(a.baseCtx, rpm, a.cfg.RateLimit.Burst)
			a.limiter = a.local
		}
		a.log.Info("per-owner rate limit enabled", slog.Int("rpm", rpm))
	}

	if len(a.cfg.OwnerKeys) > 0 {
		a.log.Info("owner key allow-list enabled", slog.Int("keys", len(a.cfg.OwnerKeys)))
	}

	gw, err := gateway.New(a.callCtx, gateway.Options{
		Forwarder:    a.forwarder,
		Models:       a.router,
		Vault:        a.vault,
		Sessions:     a.pool,
		Identity:     auth.NewStaticIdentity(a.cfg.OwnerKeys),
		Health:       a.health,
		Limiter:      a.limiter,
		Metrics:      a.prom,
		Logger:       a.log,
		CORSOrigins:  a.cfg.CORSOrigins,
		DebugErrors:  a.cfg.DebugErrors,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
		WriteTimeout: a.cfg.Backend.Timeout,
	})
	if err != nil {
		return err
	}
	a.gw = gw

	return nil
}
