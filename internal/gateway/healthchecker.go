package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/session-gateway/internal/metrics"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// Component states reported by the health checker.
const (
	statusUnknown  = "unknown"
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusDown     = "down"
)

// Pinger is anything with a cheap liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return statusUnknown
	}
	return s.status
}

// SessionCounter reports how many sessions the pool holds.
type SessionCounter interface {
	Len() int
}

// HealthChecker runs background probes against the backend and the durable
// store and exposes the latest results.
type HealthChecker struct {
	backend  Pinger
	store    Pinger
	sessions SessionCounter
	baseCtx  context.Context
	metrics  *metrics.Registry

	backendStatus componentStatus
	storeStatus   componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and starts background probes.
// A nil probe is reported as "ok". sessions may be nil.
func NewHealthChecker(ctx context.Context, backend, store Pinger, sessions SessionCounter, met *metrics.Registry) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		backend:   backend,
		store:     store,
		sessions:  sessions,
		baseCtx:   ctx,
		metrics:   met,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	// First probe runs synchronously so health is not "unknown" at startup.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Backend        string `json:"backend"`
	Store          string `json:"store"`
	ActiveSessions int    `json:"active_sessions"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	snap := HealthSnapshot{
		Status:        statusOK,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Backend:       hc.backendStatus.get(),
		Store:         hc.storeStatus.get(),
	}
	if snap.Backend != statusOK || snap.Store != statusOK {
		snap.Status = statusDegraded
	}
	if hc.sessions != nil {
		snap.ActiveSessions = hc.sessions.Len()
	}
	return snap
}

// ReadinessOK reports whether the durable store is reachable. A degraded
// backend does not make the gateway unready: credential and session
// endpoints still work and completions fail with a gateway error.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.storeStatus.get() == statusOK
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if hc.backend == nil || hc.backend.Ping(ctx) == nil {
			hc.backendStatus.set(statusOK)
			hc.metrics.SetBackendHealth(true)
			return
		}
		hc.backendStatus.set(statusDegraded)
		hc.metrics.SetBackendHealth(false)
	}()

	go func() {
		defer wg.Done()
		if hc.store == nil || hc.store.Ping(ctx) == nil {
			hc.storeStatus.set(statusOK)
			return
		}
		hc.storeStatus.set(statusDown)
	}()

	wg.Wait()

	if hc.sessions != nil {
		hc.metrics.SetActiveSessions(hc.sessions.Len())
	}
}
