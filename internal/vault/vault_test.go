package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nulpointcorp/session-gateway/internal/auth"
	"github.com/nulpointcorp/session-gateway/internal/store"
)

const testMaterial = "test-encryption-key-material-0001"

func newTestVault(t *testing.T, opts Options) (*Vault, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := store.NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStoreFromURL: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	v := newVaultOn(t, s, opts)
	return v, mr
}

func newVaultOn(t *testing.T, s store.Store, opts Options) *Vault {
	t.Helper()
	c, err := NewCipher([]byte(testMaterial))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = time.Hour
	}
	v, err := New(context.Background(), c, s, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(v.Close)
	return v
}

func TestVault_StoreGetRoundTrip(t *testing.T) {
	v, _ := newTestVault(t, Options{})
	ctx := context.Background()

	if err := v.Store(ctx, "owner-1", "0xsecret"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, ok := v.Get(ctx, "owner-1")
	if !ok || got != "0xsecret" {
		t.Fatalf("Get = (%q, %v), want (0xsecret, true)", got, ok)
	}
}

func TestVault_DurableFormIsEncrypted(t *testing.T) {
	v, mr := newTestVault(t, Options{DurableTTL: time.Hour})
	ctx := context.Background()

	if err := v.Store(ctx, "owner-1", "0xsecret"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	key := keyPrefix + auth.Fingerprint("owner-1")
	raw, err := mr.Get(key)
	if err != nil {
		t.Fatalf("durable entry missing: %v", err)
	}
	if raw == "0xsecret" {
		t.Fatal("secret stored in plaintext")
	}
	if ttl := mr.TTL(key); ttl != time.Hour {
		t.Errorf("durable TTL = %v, want 1h", ttl)
	}
}

func TestVault_StoreReplacesPrevious(t *testing.T) {
	v, _ := newTestVault(t, Options{})
	ctx := context.Background()

	_ = v.Store(ctx, "owner-1", "first")
	_ = v.Store(ctx, "owner-1", "second")

	if got, _ := v.Get(ctx, "owner-1"); got != "second" {
		t.Fatalf("Get = %q, want second", got)
	}
}

func TestVault_DeleteRemovesBothTiers(t *testing.T) {
	v, mr := newTestVault(t, Options{})
	ctx := context.Background()

	_ = v.Store(ctx, "owner-1", "0xsecret")
	if err := v.Delete(ctx, "owner-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, ok := v.Get(ctx, "owner-1"); ok {
		t.Fatal("credential still readable after delete")
	}
	if mr.Exists(keyPrefix + auth.Fingerprint("owner-1")) {
		t.Fatal("durable entry survived delete")
	}
	if v.Len() != 0 {
		t.Fatalf("memory tier still holds %d entries", v.Len())
	}
	if err := v.Delete(ctx, "owner-1"); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
}

func TestVault_EmptyArguments(t *testing.T) {
	v, _ := newTestVault(t, Options{})
	ctx := context.Background()

	if err := v.Store(ctx, "", "x"); !errors.Is(err, ErrEmptyOwnerKey) {
		t.Errorf("Store empty owner: %v", err)
	}
	if err := v.Store(ctx, "owner", ""); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("Store empty secret: %v", err)
	}
	if _, ok := v.Get(ctx, ""); ok {
		t.Error("Get with empty owner must be absent")
	}
}

func TestVault_GetUnknownOwner(t *testing.T) {
	v, _ := newTestVault(t, Options{})
	if _, ok := v.Get(context.Background(), "nobody"); ok {
		t.Fatal("expected absent")
	}
}

func TestVault_CorruptedDurableEntryIsAbsent(t *testing.T) {
	v, mr := newTestVault(t, Options{})
	ctx := context.Background()

	if err := mr.Set(keyPrefix+auth.Fingerprint("owner-1"), "deadbeef:not-hex"); err != nil {
		t.Fatal(err)
	}
	if _, ok := v.Get(ctx, "owner-1"); ok {
		t.Fatal("corrupted entry must read as absent")
	}
}

func TestVault_SurvivesRestartThroughDurableTier(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := store.NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	first := newVaultOn(t, s, Options{})
	_ = first.Store(ctx, "owner-1", "0xsecret")

	second := newVaultOn(t, s, Options{})
	got, ok := second.Get(ctx, "owner-1")
	if !ok || got != "0xsecret" {
		t.Fatalf("second process Get = (%q, %v)", got, ok)
	}
}

func TestVault_SweepEvictsMemoryOnly(t *testing.T) {
	v, _ := newTestVault(t, Options{UnusedAfter: 20 * time.Millisecond})
	ctx := context.Background()

	_ = v.Store(ctx, "owner-1", "0xsecret")
	if v.Len() != 1 {
		t.Fatalf("Len = %d, want 1", v.Len())
	}

	time.Sleep(40 * time.Millisecond)
	v.Sweep()

	if v.Len() != 0 {
		t.Fatalf("Len after sweep = %d, want 0", v.Len())
	}
	got, ok := v.Get(ctx, "owner-1")
	if !ok || got != "0xsecret" {
		t.Fatal("sweep must not remove the durable credential")
	}
}

func TestVault_DurableTTLSlidesOnRead(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := store.NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	writer := newVaultOn(t, s, Options{DurableTTL: time.Hour})
	_ = writer.Store(ctx, "owner-1", "0xsecret")

	key := keyPrefix + auth.Fingerprint("owner-1")
	mr.FastForward(50 * time.Minute)

	reader := newVaultOn(t, s, Options{DurableTTL: time.Hour})
	if _, ok := reader.Get(ctx, "owner-1"); !ok {
		t.Fatal("expected hit before expiry")
	}
	if ttl := mr.TTL(key); ttl != time.Hour {
		t.Fatalf("TTL after read = %v, want re-armed 1h", ttl)
	}
}

func TestVault_Has(t *testing.T) {
	v, _ := newTestVault(t, Options{})
	ctx := context.Background()

	if v.Has(ctx, "owner-1") {
		t.Fatal("unexpected credential")
	}
	_ = v.Store(ctx, "owner-1", "0xsecret")
	if !v.Has(ctx, "owner-1") {
		t.Fatal("expected credential")
	}
}

func TestVault_ConcurrentStoreDelete(t *testing.T) {
	s := store.NewMemoryStore(context.Background())
	t.Cleanup(s.Close)
	v := newVaultOn(t, s, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = v.Store(ctx, "owner-1", "0xsecret")
		}()
		go func() {
			defer wg.Done()
			_ = v.Delete(ctx, "owner-1")
		}()
	}
	wg.Wait()

	// Memory may be colder than the durable tier, never ahead of it.
	_, inMemory := v.mem.Get(auth.Fingerprint("owner-1"))
	_, durable := s.Get(ctx, keyPrefix+auth.Fingerprint("owner-1"))
	if inMemory && !durable {
		t.Fatal("memory tier holds a credential the durable tier lost")
	}
	if _, ok := v.Get(ctx, "owner-1"); ok != durable {
		t.Fatalf("Get ok = %v, durable = %v", ok, durable)
	}
}

func newSharedVaults(t *testing.T, opts Options) (*Vault, *Vault, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	open := func() store.Store {
		s, err := store.NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr())
		if err != nil {
			t.Fatalf("NewRedisStoreFromURL: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	return newVaultOn(t, open(), opts), newVaultOn(t, open(), opts), mr
}

func TestVault_DeleteOnOtherProcessIsObserved(t *testing.T) {
	a, b, mr := newSharedVaults(t, Options{RecheckInterval: time.Nanosecond})
	ctx := context.Background()

	if err := a.Store(ctx, "key1", "0xabc"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if got, ok := b.Get(ctx, "key1"); !ok || got != "0xabc" {
		t.Fatalf("B.Get = (%q, %v), want (0xabc, true)", got, ok)
	}
	if b.Len() != 1 {
		t.Fatalf("B memory tier = %d entries, want 1", b.Len())
	}

	if err := a.Delete(ctx, "key1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("durable keys after delete = %v", keys)
	}

	time.Sleep(time.Millisecond)
	if got, ok := b.Get(ctx, "key1"); ok {
		t.Fatalf("B.Get after delete on A = (%q, true), want absent", got)
	}
	if b.Len() != 0 {
		t.Fatalf("B memory tier still holds %d entries", b.Len())
	}
}

func TestVault_ReplaceOnOtherProcessIsObserved(t *testing.T) {
	a, b, _ := newSharedVaults(t, Options{RecheckInterval: time.Nanosecond})
	ctx := context.Background()

	_ = a.Store(ctx, "key1", "0xabc")
	if got, _ := b.Get(ctx, "key1"); got != "0xabc" {
		t.Fatalf("B.Get = %q, want 0xabc", got)
	}

	if err := a.Store(ctx, "key1", "0xdef"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	time.Sleep(time.Millisecond)
	if got, ok := b.Get(ctx, "key1"); !ok || got != "0xdef" {
		t.Fatalf("B.Get after replace on A = (%q, %v), want (0xdef, true)", got, ok)
	}
	// The reloaded entry is served from memory until the next recheck.
	if got, _ := b.Get(ctx, "key1"); got != "0xdef" {
		t.Fatalf("second B.Get = %q, want 0xdef", got)
	}
}

func TestVault_RecheckIsThrottled(t *testing.T) {
	a, b, _ := newSharedVaults(t, Options{RecheckInterval: time.Hour})
	ctx := context.Background()

	_ = a.Store(ctx, "key1", "0xabc")
	_, _ = b.Get(ctx, "key1")
	_ = a.Delete(ctx, "key1")

	// Within the recheck interval the memory tier answers alone.
	if got, ok := b.Get(ctx, "key1"); !ok || got != "0xabc" {
		t.Fatalf("B.Get inside recheck interval = (%q, %v)", got, ok)
	}
}

// gatedStore blocks Get for one key until release is closed.
type gatedStore struct {
	store.Store
	key     string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) Get(ctx context.Context, key string) ([]byte, bool) {
	if key == g.key {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.Store.Get(ctx, key)
}

func TestVault_DurableReadDoesNotHoldStripeLock(t *testing.T) {
	// Two owners sharing one lock stripe.
	slow := "owner-slow"
	var fast string
	for i := 0; ; i++ {
		cand := fmt.Sprintf("owner-%d", i)
		if stripe(auth.Fingerprint(cand)) == stripe(auth.Fingerprint(slow)) && cand != slow {
			fast = cand
			break
		}
	}

	mem := store.NewMemoryStore(context.Background())
	t.Cleanup(mem.Close)
	gs := &gatedStore{
		Store:   mem,
		key:     keyPrefix + auth.Fingerprint(slow),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	v := newVaultOn(t, gs, Options{})
	ctx := context.Background()

	if err := v.Store(ctx, fast, "0xfast"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_, _ = v.Get(ctx, slow)
	}()
	<-gs.entered

	fastDone := make(chan string, 1)
	go func() {
		got, _ := v.Get(ctx, fast)
		fastDone <- got
	}()

	select {
	case got := <-fastDone:
		if got != "0xfast" {
			t.Errorf("Get = %q, want 0xfast", got)
		}
	case <-time.After(time.Second):
		t.Error("Get for another owner blocked behind a durable read")
	}

	close(gs.release)
	<-slowDone
}
