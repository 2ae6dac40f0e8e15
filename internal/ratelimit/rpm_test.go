package ratelimit_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/session-gateway/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRPMLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 10
	limiter := ratelimit.NewRPMLimiter(rdb, limit, quietLogger())
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "owner-a")
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}
}

func TestRPMLimiter_BlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	limiter := ratelimit.NewRPMLimiter(rdb, limit, quietLogger())
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		if allowed, _ := limiter.Allow(ctx, "owner-a"); !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}

	allowed, err := limiter.Allow(ctx, "owner-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected allowed=false after limit exceeded")
	}
}

func TestRPMLimiter_KeysAreIndependent(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewRPMLimiter(rdb, 1, quietLogger())
	ctx := context.Background()

	if allowed, _ := limiter.Allow(ctx, "owner-a"); !allowed {
		t.Fatal("first request for owner-a should pass")
	}
	if allowed, _ := limiter.Allow(ctx, "owner-a"); allowed {
		t.Fatal("second request for owner-a should be limited")
	}
	if allowed, _ := limiter.Allow(ctx, "owner-b"); !allowed {
		t.Error("owner-b must not share owner-a's budget")
	}
}

func TestRPMLimiter_FailsOpenWhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	cleanup()

	limiter := ratelimit.NewRPMLimiter(rdb, 5, quietLogger())

	allowed, err := limiter.Allow(context.Background(), "owner-a")
	if err == nil {
		t.Error("expected the redis error to be reported")
	}
	if !allowed {
		t.Error("expected allowed=true when Redis is unavailable")
	}
}
