package rules

import (
	"context"
	"strings"
	"time"

	"github.com/guregu/null/v5"
)

// RulesCache provides an abstraction for caching the applicable rules of a scope.
// This allows swapping between in-memory, Redis, or other caching implementations.
// A cache failure is never an error for the caller; it is a miss.
type RulesCache interface {
	// Get retrieves cached rules for a scope key; ok is false on a miss or expiry.
	Get(ctx context.Context, key string) (rules []*BusinessRule, ok bool)

	// Generation returns the current invalidation generation. Read it before
	// fetching from the store and pass it to Set. ok is false when the cache
	// cannot tell, in which case the caller must not Set.
	Generation(ctx context.Context) (gen int64, ok bool)

	// Set stores the rules of a scope key fetched under generation gen.
	// The write is dropped if an Invalidate happened since.
	Set(ctx context.Context, key string, gen int64, rules []*BusinessRule)

	// Invalidate drops every scope and starts a new generation
	Invalidate(ctx context.Context)
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration

	// Size bounds the number of scopes held in memory.
	Size int
}

// DefaultCacheConfig returns sensible defaults for rule caching
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:  5 * time.Minute,
		Size: 1024,
	}
}

// ScopeKey builds the cache key of an (organization, property, category) scope.
func ScopeKey(orgID string, propertyID null.String, category Category) string {
	return strings.Join([]string{orgID, propertyID.String, string(category)}, "|")
}

func cloneRules(list []*BusinessRule) []*BusinessRule {
	out := make([]*BusinessRule, len(list))
	for i, r := range list {
		out[i] = r.Clone()
	}
	return out
}
