package store

import (
	"context"
	"sync"
	"time"
)

const memoryCleanupInterval = 5 * time.Minute

// memItem stores a value together with its expiry time. A zero expiresAt
// never expires.
type memItem struct {
	data      []byte
	expiresAt time.Time
}

func (i memItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && now.After(i.expiresAt)
}

// MemoryStore is an in-process Store and Locker with per-entry TTL.
//
// It is safe for concurrent use. A background goroutine periodically removes
// expired entries. Data is not shared across replicas; use RedisStore when
// more than one gateway process serves the same callers.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates a MemoryStore and starts the cleanup loop. The loop
// stops when ctx is cancelled or Close is called.
func NewMemoryStore(ctx context.Context) *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]memItem),
		done:  make(chan struct{}),
	}
	go s.cleanup(ctx)
	return s
}

func expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// Get returns the value for key. Expired entries are removed lazily.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if item.expired(time.Now()) {
		s.mu.Lock()
		if cur, ok := s.items[key]; ok && cur.expired(time.Now()) {
			delete(s.items, key)
		}
		s.mu.Unlock()
		return nil, false
	}

	out := make([]byte, len(item.data))
	copy(out, item.data)
	return out, true
}

// Set stores a copy of value under key.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	data := make([]byte, len(value))
	copy(data, value)

	s.mu.Lock()
	s.items[key] = memItem{data: data, expiresAt: expiryFor(ttl)}
	s.mu.Unlock()
	return nil
}

// Expire resets the TTL of key if it exists and has not expired.
func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok || item.expired(time.Now()) {
		return false, nil
	}
	item.expiresAt = expiryFor(ttl)
	s.items[key] = item
	return true, nil
}

// Delete removes key. Returns nil if the key did not exist.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// TryLock stores token under key unless a live entry already exists.
func (s *MemoryStore) TryLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.items[key]; ok && !item.expired(time.Now()) {
		return false, nil
	}
	s.items[key] = memItem{data: []byte(token), expiresAt: expiryFor(ttl)}
	return true, nil
}

// Unlock deletes key if it still holds token.
func (s *MemoryStore) Unlock(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.items[key]; ok && string(item.data) == token {
		delete(s.items, key)
	}
	return nil
}

// Len returns the number of entries, including expired ones not yet evicted.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Ping always succeeds; it exists so MemoryStore can back a readiness probe.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close stops the background cleanup goroutine. Safe to call more than once.
func (s *MemoryStore) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *MemoryStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(memoryCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) evictExpired() {
	now := time.Now()

	s.mu.Lock()
	for k, v := range s.items {
		if v.expired(now) {
			delete(s.items, k)
		}
	}
	s.mu.Unlock()
}
