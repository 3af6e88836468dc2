package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/propertyhub/rules/internal/logger"
)

// RedisRulesCache shares cached scopes between engine instances.
// Invalidation bumps a generation counter that is part of every entry key,
// so stale entries are never read again and simply expire.
type RedisRulesCache struct {
	client *redis.Client
	prefix string
	config CacheConfig
}

// NewRedisRulesCache creates a cache on an existing client.
// An empty prefix defaults to "rules:cache".
func NewRedisRulesCache(client *redis.Client, prefix string, config CacheConfig) *RedisRulesCache {
	if prefix == "" {
		prefix = "rules:cache"
	}
	return &RedisRulesCache{client: client, prefix: prefix, config: config}
}

func (c *RedisRulesCache) Get(ctx context.Context, key string) ([]*BusinessRule, bool) {
	gen, err := c.generation(ctx)
	if err != nil {
		logger.Warn("rules cache generation read failed", "error", err)
		return nil, false
	}

	data, err := c.client.Get(ctx, c.entryKey(gen, key)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		logger.Warn("rules cache read failed", "key", key, "error", err)
		return nil, false
	}

	var rules []*BusinessRule
	if err := json.Unmarshal(data, &rules); err != nil {
		logger.Warn("rules cache entry is corrupt", "key", key, "error", err)
		return nil, false
	}
	return rules, true
}

// Generation reads the shared generation counter.
func (c *RedisRulesCache) Generation(ctx context.Context) (int64, bool) {
	gen, err := c.generation(ctx)
	if err != nil {
		logger.Warn("rules cache generation read failed", "error", err)
		return 0, false
	}
	return gen, true
}

// Set writes under the generation the rules were fetched in. After an
// Invalidate, readers look up the next generation's keys, so a late fill of an
// older generation is never read and simply expires.
func (c *RedisRulesCache) Set(ctx context.Context, key string, gen int64, rules []*BusinessRule) {
	data, err := json.Marshal(rules)
	if err != nil {
		logger.Warn("failed to encode rules for cache", "key", key, "error", err)
		return
	}

	if err := c.client.Set(ctx, c.entryKey(gen, key), data, c.config.TTL).Err(); err != nil {
		logger.Warn("rules cache write failed", "key", key, "error", err)
	}
}

func (c *RedisRulesCache) Invalidate(ctx context.Context) {
	if err := c.client.Incr(ctx, c.generationKey()).Err(); err != nil {
		logger.Error("rules cache invalidation failed", "error", err)
	}
}

func (c *RedisRulesCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey()).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return gen, err
}

func (c *RedisRulesCache) generationKey() string {
	return c.prefix + ":generation"
}

func (c *RedisRulesCache) entryKey(gen int64, key string) string {
	return fmt.Sprintf("%s:%d:%s", c.prefix, gen, key)
}
