// Package cache memoizes non-streaming completion responses keyed by
// Fingerprint. Both backends degrade rather than fail: a broken cache
// makes requests slower, never wrong.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// opTimeout caps every Redis round trip so a slow cache cannot stall
// the request path.
const opTimeout = 500 * time.Millisecond

// ExactCache stores responses in Redis. Get treats any Redis error as a
// miss and Set swallows write errors, logging both at WARN; Delete is the
// one operation that reports failure, because callers invalidate for
// correctness rather than speed.
type ExactCache struct {
	rdb *redis.Client
}

// NewExactCacheFromClient wraps a caller-owned Redis client. The caller
// remains responsible for closing it.
func NewExactCacheFromClient(rdb *redis.Client) *ExactCache {
	return &ExactCache{rdb: rdb}
}

// NewExactCacheFromURL dials Redis at redisURL and verifies the
// connection with a ping before returning.
func NewExactCacheFromURL(ctx context.Context, redisURL string) (*ExactCache, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	return &ExactCache{rdb: rdb}, nil
}

// Get looks up key. A miss and a Redis failure are indistinguishable to
// the caller; failures are logged.
func (c *ExactCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		return val, true
	case errors.Is(err, redis.Nil):
		return nil, false
	default:
		slog.WarnContext(ctx, "cache_get_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
}

// Set stores value under key for ttl. Write failures are logged and
// discarded; the response the client already has is not worth failing.
func (c *ExactCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Delete removes key and propagates the Redis error.
func (c *ExactCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}
	return nil
}

// Close releases the connection pool.
func (c *ExactCache) Close() error {
	return c.rdb.Close()
}
