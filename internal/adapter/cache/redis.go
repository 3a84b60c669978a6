// Package cache implements the optional L1 classification cache over Redis.
//
// The durable L2 tier is the source of truth; every operation here is
// best-effort. When Redis is down the pipeline loses speed, not correctness.
package cache

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

// TTL bounds how long an L1 entry outlives its last write.
const TTL = 7 * 24 * time.Hour

// RedisL1 is a user-scoped classification cache over a shared Redis.
type RedisL1 struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisL1 connects to redisURL. An empty URL or failed parse returns a
// nil cache, which every method tolerates.
func NewRedisL1(redisURL string) *RedisL1 {
	if redisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		slog.Warn("redis URL invalid, L1 cache disabled", slog.Any("error", err))
		return nil
	}
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	return &RedisL1{rdb: redis.NewClient(opts), ttl: TTL}
}

// NewRedisL1FromClient wraps an existing client (used in tests).
func NewRedisL1FromClient(rdb *redis.Client) *RedisL1 {
	return &RedisL1{rdb: rdb, ttl: TTL}
}

func key(userID int64, contentHash string) string {
	return fmt.Sprintf("class:%d:%s", userID, contentHash)
}

// Get returns the cached payload for (userID, contentHash), if present.
func (c *RedisL1) Get(ctx domain.Context, userID int64, contentHash string) ([]byte, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	b, err := c.rdb.Get(ctx, key(userID, contentHash)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Debug("l1 cache get failed", slog.Any("error", err))
		}
		return nil, false
	}
	return b, true
}

// Set stores the payload with the cache TTL. Last writer wins.
func (c *RedisL1) Set(ctx domain.Context, userID int64, contentHash string, payload []byte) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, key(userID, contentHash), payload, c.ttl).Err(); err != nil {
		slog.Debug("l1 cache set failed", slog.Any("error", err))
	}
}

// Delete drops the entry.
func (c *RedisL1) Delete(ctx domain.Context, userID int64, contentHash string) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, key(userID, contentHash)).Err(); err != nil {
		slog.Debug("l1 cache delete failed", slog.Any("error", err))
	}
}

// Ping reports L1 availability for health checks.
func (c *RedisL1) Ping(ctx domain.Context) error {
	if c == nil || c.rdb == nil {
		return fmt.Errorf("l1 cache disabled")
	}
	return c.rdb.Ping(ctx).Err()
}
