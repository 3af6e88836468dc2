package rules

import (
	"context"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// InMemoryRulesCache is an in-process RulesCache bounded by scope count and TTL.
// Thread-safe for concurrent access.
type InMemoryRulesCache struct {
	lru *expirable.LRU[string, []*BusinessRule]

	// mu orders Set against Invalidate so a fill from an older generation
	// can never land after the purge.
	mu  sync.Mutex
	gen int64
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	size := config.Size
	if size <= 0 {
		size = DefaultCacheConfig().Size
	}
	return &InMemoryRulesCache{
		lru: expirable.NewLRU[string, []*BusinessRule](size, nil, config.TTL),
	}
}

// Get returns a copy so callers cannot modify the cached snapshot
func (c *InMemoryRulesCache) Get(_ context.Context, key string) ([]*BusinessRule, bool) {
	rules, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return cloneRules(rules), true
}

func (c *InMemoryRulesCache) Generation(_ context.Context) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen, true
}

func (c *InMemoryRulesCache) Set(_ context.Context, key string, gen int64, rules []*BusinessRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.lru.Add(key, cloneRules(rules))
}

func (c *InMemoryRulesCache) Invalidate(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.lru.Purge()
}

// Len returns the number of cached scopes.
func (c *InMemoryRulesCache) Len() int {
	return c.lru.Len()
}
