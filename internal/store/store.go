// Package store provides the durable key/value tier shared by the credential
// vault, the model router and the session pool.
//
// Two backends are available:
//   - RedisStore: shared across gateway replicas. Required in production.
//   - MemoryStore: in-process, zero external dependencies. Single instance
//     deployments, local development and tests.
//
// Both implement Store and Locker so they are fully interchangeable.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyKey is returned by writes with an empty key.
var ErrEmptyKey = errors.New("store: empty key")

// Store is a key/value store with per-key TTL.
type Store interface {
	// Get returns the value for key. Backend errors degrade to a miss.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores value under key. A non-positive ttl stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Expire resets the TTL of an existing key and reports whether the key
	// existed. Missing keys are not an error.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// Locker provides a best-effort mutual exclusion primitive shared by every
// process connected to the same backend.
type Locker interface {
	// TryLock acquires key for token unless another token holds it.
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Unlock releases key only if it is still held by token.
	Unlock(ctx context.Context, key, token string) error
}

// LockingStore is a Store that can also hand out locks.
type LockingStore interface {
	Store
	Locker
}
