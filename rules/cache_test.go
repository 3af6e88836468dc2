package rules

import (
	"context"
	"testing"
	"time"

	"github.com/guregu/null/v5"
)

func TestScopeKey(t *testing.T) {
	orgWide := ScopeKey("org-1", null.String{}, CategoryPricing)
	property := ScopeKey("org-1", null.StringFrom("prop-1"), CategoryPricing)
	all := ScopeKey("org-1", null.StringFrom("prop-1"), "")

	if orgWide == property || property == all {
		t.Errorf("scope keys collide: %q %q %q", orgWide, property, all)
	}
	if orgWide != "org-1||PRICING" {
		t.Errorf("ScopeKey() = %q", orgWide)
	}
}

func TestInMemoryRulesCache_GetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryRulesCache(DefaultCacheConfig())

	if _, ok := cache.Get(ctx, "k"); ok {
		t.Fatal("Get() on empty cache should miss")
	}

	rule := validDraft()
	cache.Set(ctx, "k", 0, []*BusinessRule{rule})
	rule.Name = "changed after Set"

	got, ok := cache.Get(ctx, "k")
	if !ok || len(got) != 1 {
		t.Fatalf("Get() = %v, %v", got, ok)
	}
	if got[0].Name != "weekend surge" {
		t.Errorf("cached rule name = %q, want weekend surge", got[0].Name)
	}

	got[0].Priority = 999
	again, _ := cache.Get(ctx, "k")
	if again[0].Priority != 10 {
		t.Error("mutating a Get() result changed the cached rule")
	}
}

func TestInMemoryRulesCache_EmptyScopeIsAHit(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryRulesCache(DefaultCacheConfig())

	cache.Set(ctx, "k", 0, nil)
	got, ok := cache.Get(ctx, "k")
	if !ok || len(got) != 0 {
		t.Errorf("Get() = %v, %v; want empty hit", got, ok)
	}
}

func TestInMemoryRulesCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryRulesCache(DefaultCacheConfig())

	cache.Set(ctx, "a", 0, []*BusinessRule{validDraft()})
	cache.Set(ctx, "b", 0, []*BusinessRule{validDraft()})
	cache.Invalidate(ctx)

	if cache.Len() != 0 {
		t.Errorf("Len() = %d after Invalidate, want 0", cache.Len())
	}
	if _, ok := cache.Get(ctx, "a"); ok {
		t.Error("Get() should miss after Invalidate")
	}
}

func TestInMemoryRulesCache_Expiry(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryRulesCache(CacheConfig{TTL: 20 * time.Millisecond, Size: 4})

	cache.Set(ctx, "k", 0, []*BusinessRule{validDraft()})
	time.Sleep(60 * time.Millisecond)

	if _, ok := cache.Get(ctx, "k"); ok {
		t.Error("Get() should miss after the TTL")
	}
}

func TestInMemoryRulesCache_BoundedSize(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryRulesCache(CacheConfig{Size: 2})

	cache.Set(ctx, "a", 0, nil)
	cache.Set(ctx, "b", 0, nil)
	cache.Set(ctx, "c", 0, nil)

	if cache.Len() != 2 {
		t.Errorf("Len() = %d, want 2", cache.Len())
	}
	if _, ok := cache.Get(ctx, "a"); ok {
		t.Error("oldest scope should have been evicted")
	}
}

func TestInMemoryRulesCache_DropsFillFromOlderGeneration(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryRulesCache(DefaultCacheConfig())

	gen, ok := cache.Generation(ctx)
	if !ok {
		t.Fatal("Generation() should always be known in memory")
	}
	cache.Invalidate(ctx)
	cache.Set(ctx, "k", gen, []*BusinessRule{validDraft()})

	if _, ok := cache.Get(ctx, "k"); ok {
		t.Error("a fill fetched before Invalidate should be dropped")
	}

	current, _ := cache.Generation(ctx)
	if current != gen+1 {
		t.Errorf("Generation() = %d, want %d", current, gen+1)
	}
	cache.Set(ctx, "k", current, []*BusinessRule{validDraft()})
	if _, ok := cache.Get(ctx, "k"); !ok {
		t.Error("a fill from the current generation should be cached")
	}
}
