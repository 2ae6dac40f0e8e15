// Package session keeps at most one live backend session per
// (credential, model) pair.
//
// Sessions are tracked in a local registry and in the shared store so that
// every gateway process reuses the same backend session. Creation for a key
// is single-flight inside a process and guarded by a store lock across
// processes: concurrent callers all receive the session created by the one
// call that reached the backend.
//
// Two ways to forget a pooled session without contacting the backend are
// exported. Discard drops a session only while it is still the registered
// one, which is what request retries need. Invalidate drops whatever is
// registered for a (credential, model) pair and is meant for callers that
// know the pair is unusable as a whole, such as an operator tool or an
// embedding program reacting to a revoked credential.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/session-gateway/internal/auth"
	"github.com/nulpointcorp/session-gateway/internal/backend"
	"github.com/nulpointcorp/session-gateway/internal/metrics"
	"github.com/nulpointcorp/session-gateway/internal/store"
)

const (
	recordPrefix = "session:"
	lockPrefix   = "session:lock:"

	defaultDuration       = time.Hour
	defaultExpiryMargin   = 30 * time.Second
	defaultLockTTL        = 30 * time.Second
	defaultControlTimeout = 30 * time.Second
	defaultPruneInterval  = time.Minute

	lockPollMin = 25 * time.Millisecond
	lockPollMax = 500 * time.Millisecond
)

var (
	ErrNoCredential = errors.New("session: owner has no credential")
	ErrNoModel      = errors.New("session: empty model id")
	ErrNotFound     = errors.New("session: not found")
)

// Backend is the part of the backend client the pool drives.
type Backend interface {
	CreateSession(ctx context.Context, credential string, req backend.SessionRequest) (*backend.SessionInfo, error)
	CloseSession(ctx context.Context, credential, sessionID string) error
}

// Options configures a Pool. Zero values fall back to defaults.
type Options struct {
	// Duration is used when GetOrCreate is called with a non-positive one.
	Duration time.Duration
	// ExpiryMargin is subtracted from a session's expiry when deciding
	// whether it can be reused.
	ExpiryMargin time.Duration
	// LockTTL bounds how long a crashed process can hold a creation lock.
	LockTTL time.Duration
	// ControlTimeout bounds creation and close calls.
	ControlTimeout time.Duration
	// PruneInterval is how often expired sessions are dropped.
	PruneInterval time.Duration

	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// Pool is the session pool. It is safe for concurrent use.
type Pool struct {
	backend Backend
	store   store.LockingStore

	defaultDuration time.Duration
	margin          time.Duration
	lockTTL         time.Duration
	controlTimeout  time.Duration

	mu    sync.RWMutex
	byKey map[string]*Session
	byID  map[string]string

	group singleflight.Group

	metrics *metrics.Registry
	log     *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	now func() time.Time
}

// NewPool creates a Pool and starts its prune loop. The loop stops when ctx
// is cancelled or Shutdown is called.
func NewPool(ctx context.Context, b Backend, st store.LockingStore, opts Options) (*Pool, error) {
	if ctx == nil {
		return nil, fmt.Errorf("session: context must not be nil")
	}
	if b == nil || st == nil {
		return nil, fmt.Errorf("session: backend and store are required")
	}
	if opts.Duration <= 0 {
		opts.Duration = defaultDuration
	}
	if opts.ExpiryMargin <= 0 {
		opts.ExpiryMargin = defaultExpiryMargin
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.ControlTimeout <= 0 {
		opts.ControlTimeout = defaultControlTimeout
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = defaultPruneInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Pool{
		backend:         b,
		store:           st,
		defaultDuration: opts.Duration,
		margin:          opts.ExpiryMargin,
		lockTTL:         opts.LockTTL,
		controlTimeout:  opts.ControlTimeout,
		byKey:           make(map[string]*Session),
		byID:            make(map[string]string),
		metrics:         opts.Metrics,
		log:             opts.Logger,
		done:            make(chan struct{}),
		now:             time.Now,
	}

	p.wg.Add(1)
	go p.pruneLoop(ctx, opts.PruneInterval)

	return p, nil
}

// GetOrCreate returns the active session for (owner credential, modelID),
// creating one when none exists. Only one creation per key is ever in
// flight; concurrent callers share its result. Cancelling ctx abandons the
// wait but not the creation itself.
func (p *Pool) GetOrCreate(ctx context.Context, owner Owner, modelID string, duration time.Duration, flags Flags) (Session, error) {
	if owner.Credential == "" {
		return Session{}, ErrNoCredential
	}
	if modelID == "" {
		return Session{}, ErrNoModel
	}
	if duration <= 0 {
		duration = p.defaultDuration
	}
	key := sessionKey(owner.Credential, modelID)

	if s, ok := p.lookup(key); ok {
		p.metrics.SessionEvent("reused")
		return s, nil
	}

	ch := p.group.DoChan(key, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.controlTimeout)
		defer cancel()
		return p.create(cctx, owner, key, modelID, duration, flags)
	})

	select {
	case <-ctx.Done():
		return Session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		s := res.Val.(Session)
		if res.Shared {
			p.metrics.SessionEvent("reused")
		}
		return s, nil
	}
}

// Invalidate forgets the session for (owner credential, modelID) so the next
// GetOrCreate creates a fresh one. The backend is not contacted.
func (p *Pool) Invalidate(ctx context.Context, owner Owner, modelID string) {
	if owner.Credential == "" || modelID == "" {
		return
	}
	key := sessionKey(owner.Credential, modelID)

	p.mu.Lock()
	s := p.byKey[key]
	p.dropLocked(key)
	p.mu.Unlock()

	p.deleteRecord(ctx, key, "")
	if s != nil {
		p.metrics.SessionEvent("invalidated")
		p.log.InfoContext(ctx, "session_invalidated",
			slog.String("session_id", s.ID),
			slog.String("model_id", modelID),
		)
	}
}

// Discard invalidates s only if it is still the registered session for its
// key. A request that failed on an old session therefore never throws away
// the replacement another request just created.
func (p *Pool) Discard(ctx context.Context, owner Owner, s Session) {
	if owner.Credential == "" || s.ModelID == "" {
		return
	}
	key := sessionKey(owner.Credential, s.ModelID)

	p.mu.Lock()
	cur := p.byKey[key]
	if cur != nil && cur.ID != s.ID {
		p.mu.Unlock()
		return
	}
	p.dropLocked(key)
	p.mu.Unlock()

	p.deleteRecord(ctx, key, s.ID)
	p.metrics.SessionEvent("invalidated")
	p.log.InfoContext(ctx, "session_invalidated",
		slog.String("session_id", s.ID),
		slog.String("model_id", s.ModelID),
	)
}

// Close ends sessionID for owner. The session is always deregistered
// locally; the backend close is best effort and its failure is only logged.
func (p *Pool) Close(ctx context.Context, owner Owner, sessionID string) error {
	ownerFP := auth.Fingerprint(owner.Key)

	p.mu.Lock()
	key, ok := p.byID[sessionID]
	var s *Session
	if ok {
		s = p.byKey[key]
	}
	if s == nil || s.OwnerFP != ownerFP {
		p.mu.Unlock()
		return ErrNotFound
	}
	p.dropLocked(key)
	p.mu.Unlock()

	p.deleteRecord(ctx, key, sessionID)
	p.metrics.SessionEvent("closed")

	if owner.Credential == "" {
		return nil
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.controlTimeout)
	defer cancel()
	if err := p.backend.CloseSession(cctx, owner.Credential, sessionID); err != nil {
		p.log.WarnContext(ctx, "session_close_failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	p.log.InfoContext(ctx, "session_closed", slog.String("session_id", sessionID))
	return nil
}

// List returns the usable sessions opened by ownerKey in this process.
func (p *Pool) List(ownerKey string) []Session {
	fp := auth.Fingerprint(ownerKey)
	now := p.now()

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Session, 0)
	for _, s := range p.byKey {
		if s.OwnerFP == fp && s.usable(now, p.margin) {
			out = append(out, *s)
		}
	}
	return out
}

// Len returns the number of registered sessions.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byKey)
}

// Shutdown stops the prune loop. Backend sessions are left to lapse on
// their own timers.
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Pool) create(ctx context.Context, owner Owner, key, modelID string, duration time.Duration, flags Flags) (Session, error) {
	if s, ok := p.lookup(key); ok {
		return s, nil
	}
	if s, ok := p.adopt(ctx, key); ok {
		return s, nil
	}

	token := uuid.NewString()
	locked, err := p.acquire(ctx, key, token)
	if err != nil {
		return Session{}, err
	}
	if locked {
		defer func() {
			if err := p.store.Unlock(context.WithoutCancel(ctx), lockPrefix+key, token); err != nil {
				p.log.WarnContext(ctx, "session_unlock_failed", slog.String("error", err.Error()))
			}
		}()
	}
	// Another process may have finished while we waited for the lock.
	if s, ok := p.adopt(ctx, key); ok {
		return s, nil
	}

	info, err := p.backend.CreateSession(ctx, owner.Credential, backend.SessionRequest{
		ModelID:       modelID,
		Duration:      duration,
		DirectPayment: flags.DirectPayment,
		Failover:      flags.Failover,
	})
	if err != nil {
		p.log.WarnContext(ctx, "session_create_failed",
			slog.String("model_id", modelID),
			slog.String("error", err.Error()),
		)
		return Session{}, fmt.Errorf("session: create: %w", err)
	}

	now := p.now()
	s := &Session{
		ID:           info.ID,
		OwnerFP:      auth.Fingerprint(owner.Key),
		CredentialFP: auth.Fingerprint(owner.Credential),
		ModelID:      modelID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(duration),
		Status:       StatusActive,
	}

	if data, err := json.Marshal(s); err == nil {
		if err := p.store.Set(ctx, recordPrefix+key, data, duration); err != nil {
			p.log.WarnContext(ctx, "session_persist_failed",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	p.register(key, s)
	p.metrics.SessionEvent("created")
	p.log.InfoContext(ctx, "session_created",
		slog.String("session_id", s.ID),
		slog.String("model_id", modelID),
		slog.String("owner", s.OwnerFP),
		slog.Duration("duration", duration),
	)
	return *s, nil
}

// acquire takes the cross-process creation lock, polling while another
// process holds it. It returns false without error when the store failed and
// creation should proceed unguarded.
func (p *Pool) acquire(ctx context.Context, key, token string) (bool, error) {
	wait := lockPollMin
	for {
		ok, err := p.store.TryLock(ctx, lockPrefix+key, token, p.lockTTL)
		if err != nil {
			p.log.WarnContext(ctx, "session_lock_unavailable", slog.String("error", err.Error()))
			return false, nil
		}
		if ok {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, fmt.Errorf("session: waiting for creation lock: %w", ctx.Err())
		case <-time.After(wait):
		}
		if _, found := p.recorded(ctx, key); found {
			// The holder finished; let the caller adopt its session.
			return false, nil
		}
		wait *= 2
		if wait > lockPollMax {
			wait = lockPollMax
		}
	}
}

// adopt registers a usable session recorded by any process for key.
func (p *Pool) adopt(ctx context.Context, key string) (Session, bool) {
	s, ok := p.recorded(ctx, key)
	if !ok {
		return Session{}, false
	}
	p.register(key, &s)
	return s, true
}

// recorded returns the durable record for key if it is still usable.
func (p *Pool) recorded(ctx context.Context, key string) (Session, bool) {
	data, ok := p.store.Get(ctx, recordPrefix+key)
	if !ok {
		return Session{}, false
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil || s.ID == "" {
		return Session{}, false
	}
	if !s.usable(p.now(), p.margin) {
		return Session{}, false
	}
	return s, true
}

func (p *Pool) lookup(key string) (Session, bool) {
	now := p.now()
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s := p.byKey[key]; s != nil && s.usable(now, p.margin) {
		return *s, true
	}
	return Session{}, false
}

func (p *Pool) register(key string, s *Session) {
	p.mu.Lock()
	if old := p.byKey[key]; old != nil {
		delete(p.byID, old.ID)
	}
	p.byKey[key] = s
	p.byID[s.ID] = key
	n := len(p.byKey)
	p.mu.Unlock()
	p.metrics.SetActiveSessions(n)
}

func (p *Pool) dropLocked(key string) {
	if s := p.byKey[key]; s != nil {
		delete(p.byID, s.ID)
		delete(p.byKey, key)
	}
	p.metrics.SetActiveSessions(len(p.byKey))
}

// deleteRecord removes the durable record for key. With a non-empty id the
// record is only removed while it still describes that session.
func (p *Pool) deleteRecord(ctx context.Context, key, id string) {
	if id != "" {
		if data, ok := p.store.Get(ctx, recordPrefix+key); ok {
			var rec Session
			if json.Unmarshal(data, &rec) == nil && rec.ID != id {
				return
			}
		}
	}
	if err := p.store.Delete(ctx, recordPrefix+key); err != nil {
		p.log.WarnContext(ctx, "session_record_delete_failed", slog.String("error", err.Error()))
	}
}

func (p *Pool) prune() {
	now := p.now()
	expired := 0

	p.mu.Lock()
	for key, s := range p.byKey {
		if !s.usable(now, p.margin) {
			delete(p.byID, s.ID)
			delete(p.byKey, key)
			expired++
		}
	}
	n := len(p.byKey)
	p.mu.Unlock()

	for i := 0; i < expired; i++ {
		p.metrics.SessionEvent("expired")
	}
	p.metrics.SetActiveSessions(n)
	if expired > 0 {
		p.log.Debug("sessions_pruned", slog.Int("expired", expired), slog.Int("remaining", n))
	}
}

func (p *Pool) pruneLoop(ctx context.Context, every time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.prune()
		}
	}
}

func sessionKey(credential, modelID string) string {
	return auth.Fingerprint(credential) + ":" + modelID
}
