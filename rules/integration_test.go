//go:build integration

package rules

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/guregu/null/v5"

	"github.com/propertyhub/rules/internal/testdb"
)

func TestPostgresRuleStore_Lifecycle(t *testing.T) {
	_, db := testdb.Postgres(t)
	store := NewPostgresRuleStore(db)
	ctx := context.Background()

	rule := validDraft()
	rule.Description = null.StringFrom("weekends are busy")
	rule.Metadata = map[string]any{"source": "import"}
	if err := store.CreateRule(ctx, rule); err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}
	if err := store.CreateRule(ctx, rule); !errors.Is(err, ErrRuleExists) {
		t.Errorf("duplicate CreateRule() error = %v, want ErrRuleExists", err)
	}

	got, err := store.GetRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}
	if got.Description.String != "weekends are busy" || got.Metadata["source"] != "import" {
		t.Errorf("GetRule() = %+v", got)
	}
	if got.Conditions[0].Value.Kind != KindList || len(got.Conditions[0].Value.List) != 2 {
		t.Errorf("condition value = %s, want a two item list", got.Conditions[0].Value)
	}
	if !got.Actions[0].Value.Number.Equal(NumberValue(1.15).Number) {
		t.Errorf("action value = %s, want 1.15", got.Actions[0].Value)
	}

	update := got.Clone()
	update.Name = "renamed"
	update.CreatedBy = "intruder"
	update.UpdatedBy = null.StringFrom("editor")
	if err := store.UpdateRule(ctx, update); err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}
	if update.CreatedBy != "tester" {
		t.Errorf("UpdateRule() CreatedBy = %q, want tester", update.CreatedBy)
	}

	toggled, err := store.ToggleRule(ctx, rule.ID, false)
	if err != nil || toggled.IsActive || toggled.Name != "renamed" {
		t.Fatalf("ToggleRule() = %+v, %v", toggled, err)
	}
	same, err := store.ToggleRule(ctx, rule.ID, false)
	if err != nil || !same.UpdatedAt.Equal(toggled.UpdatedAt) {
		t.Errorf("repeated ToggleRule() changed updatedAt: %v -> %v", toggled.UpdatedAt, same.UpdatedAt)
	}

	if err := store.DeleteRule(ctx, rule.ID); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	if _, err := store.GetRule(ctx, rule.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("GetRule() after delete error = %v, want ErrRuleNotFound", err)
	}
	if err := store.UpdateRule(ctx, update); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("UpdateRule() after delete error = %v, want ErrRuleNotFound", err)
	}
}

func TestPostgresRuleStore_Scope(t *testing.T) {
	_, db := testdb.Postgres(t)
	store := NewPostgresRuleStore(db)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	seed := []struct {
		name     string
		priority int
		property string
		category Category
		active   bool
		age      time.Duration
	}{
		{"old p5", 5, "", CategoryPricing, true, 2 * time.Hour},
		{"new p5", 5, "", CategoryPricing, true, time.Hour},
		{"p1 property", 1, "prop-1", CategoryPricing, true, 0},
		{"other property", 1, "prop-2", CategoryPricing, true, 0},
		{"inactive", 1, "", CategoryPricing, false, 0},
		{"availability", 3, "", CategoryAvailability, true, 0},
	}
	for _, s := range seed {
		r := validDraft()
		r.Name, r.Priority, r.Category, r.IsActive = s.name, s.priority, s.category, s.active
		if s.property != "" {
			r.PropertyID = null.StringFrom(s.property)
		}
		r.CreatedAt = base.Add(-s.age)
		if err := store.CreateRule(ctx, r); err != nil {
			t.Fatalf("CreateRule(%s) failed: %v", s.name, err)
		}
	}

	got, err := store.GetRulesByScope(ctx, "org-1", null.StringFrom("prop-1"), CategoryPricing, true)
	if err != nil {
		t.Fatalf("GetRulesByScope() failed: %v", err)
	}
	want := []string{"p1 property", "new p5", "old p5"}
	if len(got) != len(want) {
		t.Fatalf("GetRulesByScope() = %d rules, want %d", len(got), len(want))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("rule %d = %q, want %q", i, got[i].Name, name)
		}
	}

	orgWide, err := store.GetRulesByScope(ctx, "org-1", null.String{}, "", false)
	if err != nil {
		t.Fatalf("GetRulesByScope(org-wide) failed: %v", err)
	}
	if len(orgWide) != 4 {
		t.Errorf("GetRulesByScope(org-wide) = %d rules, want 4", len(orgWide))
	}

	all, err := store.ListRules(ctx, "org-1")
	if err != nil || len(all) != 6 {
		t.Errorf("ListRules() = %d rules, %v; want 6", len(all), err)
	}
}

func TestEngine_WithPostgresStore(t *testing.T) {
	_, db := testdb.Postgres(t)
	store := NewPostgresRuleStore(db)
	engine, err := NewEngine(store)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	defer engine.Close()
	ctx := context.Background()

	if _, err := engine.AddRule(ctx, newRule("weekend", 10,
		when(ConditionDayOfWeek, OpIn, StringList("saturday", "sunday")),
		do(ActionMultiplyPrice, NumberValue(1.2)),
	)); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	assertPrice(t, evaluate(t, engine, pricingContext(saturday, 100), CategoryPricing).FinalPrice, "120")
	assertPrice(t, evaluate(t, engine, pricingContext(tuesday, 100), CategoryPricing).FinalPrice, "100")
}

func TestRedisRulesCache(t *testing.T) {
	client := testdb.Redis(t)
	ctx := context.Background()
	cache := NewRedisRulesCache(client, "test:cache", CacheConfig{TTL: time.Minute})

	if _, ok := cache.Get(ctx, "k"); ok {
		t.Fatal("Get() on empty cache should miss")
	}

	gen, ok := cache.Generation(ctx)
	if !ok || gen != 0 {
		t.Fatalf("Generation() = %d, %v; want 0, true", gen, ok)
	}

	rule := validDraft()
	rule.ID = "rule-1"
	cache.Set(ctx, "k", gen, []*BusinessRule{rule})

	got, ok := cache.Get(ctx, "k")
	if !ok || len(got) != 1 || got[0].ID != "rule-1" {
		t.Fatalf("Get() = %v, %v", got, ok)
	}
	if got[0].Conditions[0].Value.Kind != KindList {
		t.Errorf("cached condition value = %s, want a list", got[0].Conditions[0].Value)
	}

	// a second instance on the same prefix sees the entry and its invalidation
	peer := NewRedisRulesCache(client, "test:cache", CacheConfig{TTL: time.Minute})
	if _, ok := peer.Get(ctx, "k"); !ok {
		t.Error("peer Get() should hit")
	}
	peer.Invalidate(ctx)
	if _, ok := cache.Get(ctx, "k"); ok {
		t.Error("Get() should miss after a peer invalidated")
	}

	// a fill fetched before the invalidation is never read
	cache.Set(ctx, "k", gen, []*BusinessRule{rule})
	if _, ok := cache.Get(ctx, "k"); ok {
		t.Error("Get() should ignore a fill from the previous generation")
	}

	gen, _ = cache.Generation(ctx)
	cache.Set(ctx, "empty", gen, nil)
	if got, ok := cache.Get(ctx, "empty"); !ok || len(got) != 0 {
		t.Errorf("Get(empty) = %v, %v; want empty hit", got, ok)
	}
}

func TestRedisDispatcher(t *testing.T) {
	client := testdb.Redis(t)
	ctx := context.Background()
	dispatcher := NewRedisDispatcher(client, "test:dispatch")

	req := DispatchRequest{
		CorrelationID:  "corr-1",
		ActionType:     ActionSendNotification,
		Target:         "revenue-team",
		Payload:        "occupancy above 90%",
		RuleID:         "rule-1",
		RuleName:       "surge alert",
		OrganizationID: "org-1",
		RequestedAt:    time.Now().UTC(),
	}
	id, err := dispatcher.Dispatch(ctx, req)
	if err != nil || id != "corr-1" {
		t.Fatalf("Dispatch() = %q, %v", id, err)
	}

	n, err := dispatcher.QueueLength(ctx, ActionSendNotification)
	if err != nil || n != 1 {
		t.Errorf("QueueLength() = %d, %v; want 1", n, err)
	}

	raw, err := client.RPop(ctx, "test:dispatch:send_notification").Bytes()
	if err != nil {
		t.Fatalf("RPop() failed: %v", err)
	}
	var queued DispatchRequest
	if err := json.Unmarshal(raw, &queued); err != nil {
		t.Fatalf("queued request is not JSON: %v", err)
	}
	if queued.RuleID != "rule-1" || queued.Target != "revenue-team" {
		t.Errorf("queued request = %+v", queued)
	}

	status, err := client.HGet(ctx, "test:dispatch:status:corr-1", "status").Result()
	if err != nil || status != "queued" {
		t.Errorf("status = %q, %v; want queued", status, err)
	}
}
