// Package ratelimit implements per-owner request limits on the completion
// route. RPMLimiter shares the budget across replicas through Redis;
// LocalLimiter keeps it in process for the memory store mode.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

const keyPrefix = "gw:ratelimit:rpm:"

// RPMLimiter enforces a requests-per-minute budget per key using a Redis
// sliding window.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
	window   time.Duration
	log      *slog.Logger
}

// NewRPMLimiter creates an RPMLimiter allowing rpmLimit requests per key per
// minute. rpmLimit must be > 0; values ≤ 0 block every request.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int, log *slog.Logger) *RPMLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit, window: time.Minute, log: log}
}

// Allow reports whether one more request for key fits the budget. When Redis
// is unavailable the request is allowed and the error is returned alongside.
func (r *RPMLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixNano()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + key},
		now, r.window.Nanoseconds(), r.rpmLimit,
	).Int()
	if err != nil {
		r.log.Warn("rate limiter unavailable, allowing request", slog.String("error", err.Error()))
		return true, err
	}

	return result == 1, nil
}
