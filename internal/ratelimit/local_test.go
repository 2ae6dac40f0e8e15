package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLocalLimiter_Burst(t *testing.T) {
	l := NewLocalLimiter(context.Background(), 60, 2)
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, err := l.Allow(ctx, "owner-a"); !ok || err != nil {
			t.Fatalf("request %d: allowed=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, "owner-a"); ok {
		t.Error("third request should exceed the burst")
	}
	if ok, _ := l.Allow(ctx, "owner-b"); !ok {
		t.Error("owner-b has its own bucket")
	}
}

func TestLocalLimiter_BurstDefaultsToRPM(t *testing.T) {
	l := NewLocalLimiter(context.Background(), 5, 0)
	defer l.Close()

	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow(context.Background(), "k"); !ok {
			t.Fatalf("request %d should pass", i)
		}
	}
	if ok, _ := l.Allow(context.Background(), "k"); ok {
		t.Error("sixth request should be limited")
	}
}

func TestLocalLimiter_EvictIdle(t *testing.T) {
	l := NewLocalLimiter(context.Background(), 10, 0)
	defer l.Close()

	l.Allow(context.Background(), "stale")
	l.Allow(context.Background(), "fresh")

	l.mu.Lock()
	l.buckets["stale"].lastSeen = time.Now().Add(-2 * localIdleTTL)
	l.mu.Unlock()

	l.evictIdle(time.Now())
	if l.Len() != 1 {
		t.Errorf("len = %d, want 1", l.Len())
	}
}

func TestLocalLimiter_CloseIdempotent(t *testing.T) {
	l := NewLocalLimiter(context.Background(), 10, 0)
	l.Close()
	l.Close()
}
