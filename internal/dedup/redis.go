package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces dedup keys.
const DefaultRedisPrefix = "tablepipe:dedup:"

// RedisCache shares seen IDs between instances through Redis key expiry.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	window time.Duration
}

// Ensure RedisCache implements Cache
var _ Cache = (*RedisCache)(nil)

// NewRedisCache connects to redisURL. A URL that does not parse is used as a plain address.
func NewRedisCache(ctx context.Context, redisURL string, window time.Duration) (*RedisCache, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		slog.Warn("dedup.NewRedisCache: failed to parse Redis URL, using direct Addr", "error", err)
		opt = &redis.Options{Addr: redisURL}
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Debug("dedup.NewRedisCache: connected", "addr", opt.Addr, "window", window)
	return NewRedisCacheFromClient(rdb, window), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(rdb *redis.Client, window time.Duration) *RedisCache {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisCache{rdb: rdb, prefix: DefaultRedisPrefix, window: window}
}

func (c *RedisCache) key(messageID string) string {
	return c.prefix + messageID
}

// SeenOrRecord uses SET NX so concurrent deliveries across instances race on one key.
func (c *RedisCache) SeenOrRecord(ctx context.Context, messageID string) (bool, error) {
	inserted, err := c.rdb.SetNX(ctx, c.key(messageID), 1, c.window).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedup insert failed: %w", err)
	}
	return !inserted, nil
}

// Seen checks key existence.
func (c *RedisCache) Seen(ctx context.Context, messageID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.key(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedup lookup failed: %w", err)
	}
	return n > 0, nil
}

// Record sets the key with the retention window as TTL. An existing key keeps its TTL.
func (c *RedisCache) Record(ctx context.Context, messageID string) error {
	if err := c.rdb.SetNX(ctx, c.key(messageID), 1, c.window).Err(); err != nil {
		return fmt.Errorf("redis dedup record failed: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
