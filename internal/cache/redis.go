package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueryTimeout = 500 * time.Millisecond
	defaultKeyPrefix    = "igw:"
)

// RedisCache is a Redis-backed Cache.
//
// It degrades instead of failing requests:
//   - Get reports a miss on any error.
//   - Set logs and returns nil on error.
//   - Delete returns the error so callers can decide.
type RedisCache struct {
	client       *redis.Client
	prefix       string
	queryTimeout time.Duration
	ownsClient   bool
}

// NewRedisCache wraps an existing client. The caller keeps ownership of it.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: defaultKeyPrefix, queryTimeout: defaultQueryTimeout}
}

// NewRedisCacheFromURL dials redisURL and verifies it with a PING.
func NewRedisCacheFromURL(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}
	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	c := NewRedisCache(cli)
	c.ownsClient = true
	return c, nil
}

// WithPrefix returns c with every key namespaced under prefix.
func (c *RedisCache) WithPrefix(prefix string) *RedisCache {
	c.prefix = prefix
	return c
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error", slog.String("error", err.Error()))
		}
		return nil, false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error", slog.String("error", err.Error()))
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("cache: del %s: %w", key, err)
	}
	return nil
}

// Ping reports whether Redis answers; used by the readiness probe.
func (c *RedisCache) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err() == nil
}

// Close releases the connection pool when the cache dialed it itself.
func (c *RedisCache) Close() error {
	if !c.ownsClient {
		return nil
	}
	return c.client.Close()
}
