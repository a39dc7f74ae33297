// Package redis keeps ProxBalance state in Redis: cached recommendation sets,
// run and migration history, evacuation sessions, and the event bus that the
// events command streams from.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/config"
	"github.com/proxbalance/proxbalance/internal/domain"
	"github.com/proxbalance/proxbalance/internal/drs"
)

// ErrCacheMiss is returned when a cached value is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

const (
	connectTimeout = 5 * time.Second
	scanBatch      = 100

	// recommendationsNS must match the prefix drs.CacheKey produces.
	recommendationsNS = "recommendations"
)

var _ drs.Cache = (*Cache)(nil)

// Cache is a Redis client whose keys all live under one prefix, so several
// clusters can share a Redis instance.
type Cache struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewCache connects to Redis and fails if it does not answer a ping.
func NewCache(cfg config.RedisConfig, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address(), err)
	}

	c := NewCacheFromClient(client, cfg.KeyPrefix, logger)
	c.logger.Info("Connected to Redis",
		zap.String("addr", cfg.Address()),
		zap.Int("db", cfg.DB),
		zap.String("prefix", cfg.KeyPrefix),
	)
	return c, nil
}

// NewCacheFromClient wraps an existing client.
func NewCacheFromClient(client *redis.Client, prefix string, logger *zap.Logger) *Cache {
	return &Cache{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "redis")),
	}
}

// Close closes the connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health pings Redis.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// key joins parts under the prefix with ":".
func (c *Cache) key(parts ...string) string {
	if c.prefix != "" {
		parts = append([]string{c.prefix}, parts...)
	}
	return strings.Join(parts, ":")
}

// Get decodes the JSON value stored at key into dest.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return ErrCacheMiss
	case err != nil:
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Set stores value as JSON. A zero ttl keeps it until deleted.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.client.Set(ctx, c.key(key), data, ttl).Err()
}

// deleteMatching unlinks every key matching pattern and returns how many went.
func (c *Cache) deleteMatching(ctx context.Context, pattern string) (int, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, c.key(pattern), scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.client.Unlink(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("unlink %s: %w", pattern, err)
	}
	return int(n), nil
}

// =============================================================================
// Recommendation sets
// =============================================================================

// GetRecommendations returns the candidates cached under a drs.CacheKey.
func (c *Cache) GetRecommendations(ctx context.Context, key string) ([]*domain.Candidate, error) {
	var candidates []*domain.Candidate
	if err := c.Get(ctx, key, &candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

// SetRecommendations caches candidates. An empty set is cached too, so a
// balanced cluster is not re-scored on every request.
func (c *Cache) SetRecommendations(ctx context.Context, key string, candidates []*domain.Candidate, ttl time.Duration) error {
	if candidates == nil {
		candidates = []*domain.Candidate{}
	}
	return c.Set(ctx, key, candidates, ttl)
}

// InvalidateRecommendations drops every cached recommendation set.
func (c *Cache) InvalidateRecommendations(ctx context.Context) error {
	n, err := c.deleteMatching(ctx, recommendationsNS+":*")
	if err != nil {
		return err
	}
	c.logger.Debug("Recommendation cache invalidated", zap.Int("keys", n))
	return nil
}
