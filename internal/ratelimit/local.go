package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	localIdleTTL         = 10 * time.Minute
	localCleanupInterval = time.Minute
)

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter is an in-process token bucket per key. Buckets unused for
// ten minutes are dropped.
type LocalLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*localEntry

	done      chan struct{}
	closeOnce sync.Once
}

// NewLocalLimiter refills rpm tokens per minute with the given burst. A
// burst ≤ 0 defaults to rpm. The cleanup loop stops when ctx is cancelled
// or Close is called.
func NewLocalLimiter(ctx context.Context, rpm, burst int) *LocalLimiter {
	if burst <= 0 {
		burst = rpm
	}
	l := &LocalLimiter{
		limit:   rate.Limit(float64(rpm) / 60.0),
		burst:   burst,
		buckets: make(map[string]*localEntry),
		done:    make(chan struct{}),
	}
	go l.cleanup(ctx)
	return l
}

// Allow takes one token from key's bucket. It never returns an error.
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	l.mu.Lock()
	e, ok := l.buckets[key]
	if !ok {
		e = &localEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1), nil
}

// Len returns the number of tracked keys.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops the cleanup loop. Safe to call more than once.
func (l *LocalLimiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *LocalLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(localCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case now := <-ticker.C:
			l.evictIdle(now)
		}
	}
}

func (l *LocalLimiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.buckets {
		if now.Sub(e.lastSeen) > localIdleTTL {
			delete(l.buckets, k)
		}
	}
}
