// Package ratelimit enforces a per-principal requests-per-minute limit.
//
// RedisLimiter shares the window across replicas with an atomic Lua sliding
// window; LocalLimiter is an in-process token bucket for single instances.
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether principal may issue one more request.
type Limiter interface {
	Allow(ctx context.Context, principal string) (bool, error)
}

// slidingWindowScript is an atomic sliding window over a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// ARGV[4] = unique member for this request
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

		redis.call('ZADD', key, now, ARGV[4])
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

const keyPrefix = "ratelimit:rpm:"

// RedisLimiter is a Limiter backed by Redis.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
	log    *slog.Logger
	seq    atomic.Uint64
}

// NewRedisLimiter allows limit requests per minute per principal. A limit of
// zero or less blocks every request.
func NewRedisLimiter(rdb *redis.Client, limit int, log *slog.Logger) *RedisLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RedisLimiter{rdb: rdb, limit: limit, window: time.Minute, now: time.Now, log: log}
}

// Allow records one request for principal. When Redis is unavailable the
// request is allowed and the error returned for metrics.
func (r *RedisLimiter) Allow(ctx context.Context, principal string) (bool, error) {
	now := r.now().UnixNano()
	member := strconv.FormatInt(now, 10) + "-" + strconv.FormatUint(r.seq.Add(1), 10)

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + principal},
		now, r.window.Nanoseconds(), r.limit, member,
	).Int()
	if err != nil {
		r.log.WarnContext(ctx, "ratelimit_redis_error", slog.String("error", err.Error()))
		return true, err
	}
	return result == 1, nil
}
