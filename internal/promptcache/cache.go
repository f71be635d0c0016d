package promptcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache holds rendered system prompts in Redis. Rendering is pure and
// deterministic, so a cached copy is only ever a performance shortcut; the
// stored contract stays authoritative and the validator reconciles any
// divergence.
type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// DefaultTTL bounds how long a cached rendering can outlive its contract.
const DefaultTTL = 24 * time.Hour

// New connects to Redis and returns a ready Cache.
func New(redisURL string, ttl time.Duration, logger *zap.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger.Info("Redis prompt cache connected")
	return &Cache{rdb: rdb, ttl: ttl, logger: logger}, nil
}

func key(tenantID, agentID, version string) string {
	return fmt.Sprintf("covenant:prompt:%s:%s:%s", tenantID, agentID, version)
}

// Get returns the cached rendering for a contract version, or "" on a miss.
func (c *Cache) Get(ctx context.Context, tenantID, agentID, version string) (string, error) {
	val, err := c.rdb.Get(ctx, key(tenantID, agentID, version)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("prompt cache get: %w", err)
	}
	return val, nil
}

// Set stores a rendering for a contract version.
func (c *Cache) Set(ctx context.Context, tenantID, agentID, version, prompt string) error {
	if err := c.rdb.Set(ctx, key(tenantID, agentID, version), prompt, c.ttl).Err(); err != nil {
		return fmt.Errorf("prompt cache set: %w", err)
	}
	return nil
}

// Delete drops the cached rendering for a contract version. The validator
// uses it to evict a divergent copy; the runtime's read-through repopulates.
func (c *Cache) Delete(ctx context.Context, tenantID, agentID, version string) error {
	if err := c.rdb.Del(ctx, key(tenantID, agentID, version)).Err(); err != nil {
		return fmt.Errorf("prompt cache delete: %w", err)
	}
	return nil
}

// Close shuts down the Redis connection.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
