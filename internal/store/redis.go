package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueryTimeout = 500 * time.Millisecond

// unlockScript deletes the lock key only while it still holds the caller's
// token, so an expired-and-reacquired lock is never released by its old owner.
// KEYS[1] = lock key
// ARGV[1] = owner token
// Returns: 1 if released, 0 otherwise.
var unlockScript = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
`)

// RedisStore is a Redis-backed Store and Locker.
//
// Reads degrade gracefully: Get returns (nil, false) on any error and logs a
// warning. Writes return the underlying error so the caller can decide
// whether the operation failed.
type RedisStore struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisStoreFromClient wraps an existing Redis client. The caller owns the
// client lifecycle.
func NewRedisStoreFromClient(cli *redis.Client) *RedisStore {
	return &RedisStore{client: cli, queryTimeout: defaultQueryTimeout}
}

// Client returns the underlying Redis client for components that share the
// connection, such as the rate limiter.
func (s *RedisStore) Client() *redis.Client { return s.client }

// NewRedisStoreFromURL parses redisURL, connects, verifies the connection
// with a PING and returns a RedisStore owning the client.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("store: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &RedisStore{client: cli, queryTimeout: defaultQueryTimeout}, nil
}

// Get retrieves key. Returns (nil, false) on a miss or any Redis error.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "store_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return val, true
}

// Set stores value under key. A non-positive ttl stores without expiry.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if ttl < 0 {
		ttl = 0
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("store: SET %s: %w", key, err)
	}
	return nil
}

// Expire resets the TTL of key. A non-positive ttl removes the expiry.
// PERSIST answers false for a key without a TTL, so existence is checked
// separately in that case.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if ttl <= 0 {
		if err := s.client.Persist(ctx, key).Err(); err != nil {
			return false, fmt.Errorf("store: PERSIST %s: %w", key, err)
		}
		n, err := s.client.Exists(ctx, key).Result()
		if err != nil {
			return false, fmt.Errorf("store: EXISTS %s: %w", key, err)
		}
		return n > 0, nil
	}

	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store: EXPIRE %s: %w", key, err)
	}
	return ok, nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("store: DEL %s: %w", key, err)
	}
	return nil
}

// TryLock sets key to token with SET NX PX.
func (s *RedisStore) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store: SETNX %s: %w", key, err)
	}
	return ok, nil
}

// Unlock releases key if it is still held by token.
func (s *RedisStore) Unlock(ctx context.Context, key, token string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := unlockScript.Run(ctx, s.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("store: unlock %s: %w", key, err)
	}
	return nil
}

// Ping checks connectivity. Used by the readiness probe.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
