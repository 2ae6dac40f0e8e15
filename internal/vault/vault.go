// Package vault stores per-owner backend credentials.
//
// Credentials live in two tiers. The durable tier holds the encrypted form in
// a store.Store with a sliding expiration. The in-memory tier (go-cache)
// holds decrypted secrets for recently used owners and is swept of entries
// that have not been used within the unused threshold. Sweeping never touches
// the durable tier.
//
// The durable tier is shared by every gateway process. A memory hit is
// checked against it at most once per recheck interval: a credential deleted
// elsewhere is dropped and a replaced one is reloaded. Durable I/O never runs
// under the per-owner stripe locks, which only guard the memory tier.
//
// Every operation is recorded in the audit log keyed by the owner
// fingerprint. Raw owner keys and secrets are never logged.
package vault

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/nulpointcorp/session-gateway/internal/audit"
	"github.com/nulpointcorp/session-gateway/internal/auth"
	"github.com/nulpointcorp/session-gateway/internal/metrics"
	"github.com/nulpointcorp/session-gateway/internal/store"
)

const (
	keyPrefix = "vault:cred:"

	defaultDurableTTL    = 30 * 24 * time.Hour
	defaultUnusedAfter   = 30 * time.Minute
	defaultSweepInterval = 15 * time.Minute

	defaultRecheckInterval = time.Minute

	lockStripes = 64
)

var (
	ErrEmptyOwnerKey = errors.New("vault: empty owner key")
	ErrEmptySecret   = errors.New("vault: empty secret")
)

// Options configures a Vault. Zero values fall back to defaults.
type Options struct {
	// DurableTTL is the sliding expiration of the encrypted durable entry.
	DurableTTL time.Duration
	// UnusedAfter evicts in-memory entries not used for this long.
	UnusedAfter time.Duration
	// SweepInterval is how often the in-memory tier is swept.
	SweepInterval time.Duration
	// RecheckInterval bounds how often a memory hit is verified against the
	// durable tier and re-arms its TTL.
	RecheckInterval time.Duration

	Audit   *audit.Logger
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

type entry struct {
	secret string
	// sealed is the durable ciphertext the secret was decrypted from.
	sealed string
	// refreshed is the unix-nano time the entry was last checked against
	// the durable tier.
	refreshed atomic.Int64
	// dropped marks entries removed by Delete so the eviction hook ignores them.
	dropped atomic.Bool
}

// Vault is the credential vault. It is safe for concurrent use.
type Vault struct {
	cipher  *Cipher
	durable store.Store
	mem     *cache.Cache

	durableTTL    time.Duration
	sweepInterval time.Duration
	recheckEvery  time.Duration

	// locks guard the memory tier. gens[i] is bumped under locks[i] by every
	// write so a read that went to the durable tier without the lock can tell
	// whether its result is still current.
	locks [lockStripes]sync.Mutex
	gens  [lockStripes]uint64

	audit   *audit.Logger
	metrics *metrics.Registry
	log     *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Vault and starts the sweep loop. The loop stops when ctx is
// cancelled or Close is called.
func New(ctx context.Context, c *Cipher, durable store.Store, opts Options) (*Vault, error) {
	if ctx == nil {
		return nil, fmt.Errorf("vault: context must not be nil")
	}
	if c == nil || durable == nil {
		return nil, fmt.Errorf("vault: cipher and durable store are required")
	}
	if opts.DurableTTL <= 0 {
		opts.DurableTTL = defaultDurableTTL
	}
	if opts.UnusedAfter <= 0 {
		opts.UnusedAfter = defaultUnusedAfter
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.RecheckInterval <= 0 {
		opts.RecheckInterval = defaultRecheckInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	v := &Vault{
		cipher:        c,
		durable:       durable,
		mem:           cache.New(opts.UnusedAfter, 0),
		durableTTL:    opts.DurableTTL,
		sweepInterval: opts.SweepInterval,
		recheckEvery:  opts.RecheckInterval,
		audit:         opts.Audit,
		metrics:       opts.Metrics,
		log:           opts.Logger,
		done:          make(chan struct{}),
	}
	v.mem.OnEvicted(v.onEvicted)

	v.wg.Add(1)
	go v.sweepLoop(ctx)

	return v, nil
}

// Store encrypts secret and saves it for ownerKey in both tiers, replacing
// any previous credential.
func (v *Vault) Store(ctx context.Context, ownerKey, secret string) error {
	if ownerKey == "" {
		return ErrEmptyOwnerKey
	}
	if secret == "" {
		return ErrEmptySecret
	}
	fp := auth.Fingerprint(ownerKey)

	sealed, err := v.cipher.Encrypt([]byte(secret))
	if err != nil {
		v.record(audit.ActionStore, fp, audit.OutcomeError, "encrypt failed")
		return err
	}

	gen := v.invalidate(fp)
	if err := v.durable.Set(ctx, keyPrefix+fp, []byte(sealed), v.durableTTL); err != nil {
		v.invalidate(fp)
		v.record(audit.ActionStore, fp, audit.OutcomeError, "durable write failed")
		return fmt.Errorf("vault: store: %w", err)
	}
	v.installAfterWrite(fp, gen, secret, sealed)

	v.record(audit.ActionStore, fp, audit.OutcomeOK, "")
	return nil
}

// Get returns the decrypted credential for ownerKey. Missing, expired and
// undecryptable entries are all reported as absent.
func (v *Vault) Get(ctx context.Context, ownerKey string) (string, bool) {
	if ownerKey == "" {
		return "", false
	}
	fp := auth.Fingerprint(ownerKey)

	e, gen, due := v.cached(fp)
	if e != nil && !due {
		v.record(audit.ActionGet, fp, audit.OutcomeOK, "")
		return e.secret, true
	}
	if e != nil {
		return v.recheck(ctx, fp, e, gen)
	}

	sealed, ok := v.durable.Get(ctx, keyPrefix+fp)
	if !ok {
		v.record(audit.ActionGet, fp, audit.OutcomeMiss, "")
		return "", false
	}

	secret, err := v.open(ctx, fp, string(sealed))
	if err != nil {
		return "", false
	}
	v.install(fp, gen, secret, string(sealed))
	v.expireDurable(ctx, fp)

	v.record(audit.ActionGet, fp, audit.OutcomeOK, "")
	return secret, true
}

// Has reports whether a credential is registered for ownerKey without
// decrypting it. It always asks the durable tier.
func (v *Vault) Has(ctx context.Context, ownerKey string) bool {
	if ownerKey == "" {
		return false
	}
	_, ok := v.durable.Get(ctx, keyPrefix+auth.Fingerprint(ownerKey))
	return ok
}

// Delete removes the credential for ownerKey from both tiers. Deleting an
// unknown owner is not an error.
func (v *Vault) Delete(ctx context.Context, ownerKey string) error {
	if ownerKey == "" {
		return ErrEmptyOwnerKey
	}
	fp := auth.Fingerprint(ownerKey)

	v.invalidate(fp)
	err := v.durable.Delete(ctx, keyPrefix+fp)
	// A read that started before the durable delete may still carry the old
	// value; the second bump stops it from being installed.
	v.invalidate(fp)
	if err != nil {
		v.record(audit.ActionDelete, fp, audit.OutcomeError, "durable delete failed")
		return fmt.Errorf("vault: delete: %w", err)
	}

	v.record(audit.ActionDelete, fp, audit.OutcomeOK, "")
	return nil
}

// Sweep evicts in-memory entries that exceeded the unused threshold. The
// durable tier is left alone, so an evicted credential is decrypted again on
// its next use.
func (v *Vault) Sweep() {
	v.mem.DeleteExpired()
}

// Len returns the number of credentials held in memory.
func (v *Vault) Len() int {
	return v.mem.ItemCount()
}

// Close stops the sweep loop.
func (v *Vault) Close() {
	v.closeOnce.Do(func() { close(v.done) })
	v.wg.Wait()
}

// cached returns the memory entry for fp, the stripe generation observed
// with it, and whether the entry is due for a durable recheck. A hit re-arms
// the unused timer. Only one caller per interval is told the entry is due.
func (v *Vault) cached(fp string) (*entry, uint64, bool) {
	i := stripe(fp)
	v.locks[i].Lock()
	defer v.locks[i].Unlock()

	gen := v.gens[i]
	raw, ok := v.mem.Get(fp)
	if !ok {
		return nil, gen, false
	}
	e := raw.(*entry)
	v.mem.SetDefault(fp, e)

	now := time.Now().UnixNano()
	last := e.refreshed.Load()
	if now-last < int64(v.recheckEvery) {
		return e, gen, false
	}
	return e, gen, e.refreshed.CompareAndSwap(last, now)
}

// recheck verifies a cached entry against the durable tier. A durable entry
// that is gone evicts the cached one. A different ciphertext means the
// credential was replaced elsewhere and is reloaded. Backend errors keep
// serving the cached secret.
func (v *Vault) recheck(ctx context.Context, fp string, e *entry, gen uint64) (string, bool) {
	exists, err := v.durable.Expire(ctx, keyPrefix+fp, v.durableTTL)
	if err != nil {
		v.log.WarnContext(ctx, "credential_ttl_refresh_failed",
			slog.String("owner", fp),
			slog.String("error", err.Error()),
		)
		v.record(audit.ActionGet, fp, audit.OutcomeOK, "")
		return e.secret, true
	}
	if !exists {
		v.evict(fp, e)
		v.record(audit.ActionGet, fp, audit.OutcomeMiss, "removed from durable tier")
		return "", false
	}

	sealed, ok := v.durable.Get(ctx, keyPrefix+fp)
	if !ok || string(sealed) == e.sealed {
		v.record(audit.ActionGet, fp, audit.OutcomeOK, "")
		return e.secret, true
	}

	secret, err := v.open(ctx, fp, string(sealed))
	if err != nil {
		v.evict(fp, e)
		return "", false
	}
	v.install(fp, gen, secret, string(sealed))

	v.record(audit.ActionGet, fp, audit.OutcomeOK, "reloaded")
	return secret, true
}

func (v *Vault) open(ctx context.Context, fp, sealed string) (string, error) {
	plain, err := v.cipher.Decrypt(sealed)
	if err != nil {
		v.log.WarnContext(ctx, "credential_decrypt_failed",
			slog.String("owner", fp),
			slog.String("error", err.Error()),
		)
		v.record(audit.ActionGet, fp, audit.OutcomeError, "decrypt failed")
		return "", err
	}
	return string(plain), nil
}

func newEntry(secret, sealed string) *entry {
	e := &entry{secret: secret, sealed: sealed}
	e.refreshed.Store(time.Now().UnixNano())
	return e
}

// install caches a value read from the durable tier unless a write to the
// same stripe happened since gen was observed.
func (v *Vault) install(fp string, gen uint64, secret, sealed string) {
	i := stripe(fp)
	v.locks[i].Lock()
	defer v.locks[i].Unlock()

	if v.gens[i] != gen {
		return
	}
	v.mem.SetDefault(fp, newEntry(secret, sealed))
}

// installAfterWrite caches a freshly stored value. A competing write since
// gen leaves the memory tier empty so the next read goes to the durable tier.
func (v *Vault) installAfterWrite(fp string, gen uint64, secret, sealed string) {
	i := stripe(fp)
	v.locks[i].Lock()
	defer v.locks[i].Unlock()

	if v.gens[i] == gen {
		v.mem.SetDefault(fp, newEntry(secret, sealed))
	} else {
		v.dropLocked(fp)
	}
	v.gens[i]++
}

// invalidate drops the memory entry for fp and bumps the stripe generation.
// It returns the new generation.
func (v *Vault) invalidate(fp string) uint64 {
	i := stripe(fp)
	v.locks[i].Lock()
	defer v.locks[i].Unlock()

	v.dropLocked(fp)
	v.gens[i]++
	return v.gens[i]
}

// evict drops e if it is still the cached entry for fp.
func (v *Vault) evict(fp string, e *entry) {
	i := stripe(fp)
	v.locks[i].Lock()
	defer v.locks[i].Unlock()

	if raw, ok := v.mem.Get(fp); ok && raw.(*entry) == e {
		v.dropLocked(fp)
		v.gens[i]++
	}
}

func (v *Vault) dropLocked(fp string) {
	if raw, ok := v.mem.Get(fp); ok {
		raw.(*entry).dropped.Store(true)
	}
	v.mem.Delete(fp)
}

func (v *Vault) expireDurable(ctx context.Context, fp string) {
	if _, err := v.durable.Expire(ctx, keyPrefix+fp, v.durableTTL); err != nil {
		v.log.WarnContext(ctx, "credential_ttl_refresh_failed",
			slog.String("owner", fp),
			slog.String("error", err.Error()),
		)
	}
}

func (v *Vault) onEvicted(fp string, raw any) {
	if e, ok := raw.(*entry); ok && e.dropped.Load() {
		return
	}
	v.record(audit.ActionEvict, fp, audit.OutcomeOK, "")
}

func (v *Vault) record(action audit.Action, fp string, outcome audit.Outcome, detail string) {
	v.audit.Record(action, fp, outcome, detail)
	v.metrics.VaultOp(string(action), string(outcome))
}

func stripe(fp string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fp))
	return h.Sum32() % lockStripes
}

func (v *Vault) sweepLoop(ctx context.Context) {
	defer v.wg.Done()

	ticker := time.NewTicker(v.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-v.done:
			return
		case <-ticker.C:
			before := v.mem.ItemCount()
			v.Sweep()
			if evicted := before - v.mem.ItemCount(); evicted > 0 {
				v.log.Debug("credential_cache_swept", slog.Int("evicted", evicted))
			}
		}
	}
}
