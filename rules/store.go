package rules

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/guregu/null/v5"
)

// RuleStore manages rule persistence and retrieval.
// Implementations return copies; callers may keep returned rules as an
// immutable snapshot.
type RuleStore interface {
	// GetRulesByScope returns the rules of an organization that apply to the
	// property (organization-wide rules included). An empty category matches all.
	GetRulesByScope(ctx context.Context, orgID string, propertyID null.String, category Category, activeOnly bool) ([]*BusinessRule, error)

	// ListRules returns every rule of an organization, whatever its scope or state.
	ListRules(ctx context.Context, orgID string) ([]*BusinessRule, error)

	GetRule(ctx context.Context, id string) (*BusinessRule, error)

	// CreateRule assigns an ID when empty and sets the timestamps.
	CreateRule(ctx context.Context, rule *BusinessRule) error

	// UpdateRule replaces a rule, preserving CreatedAt and CreatedBy.
	UpdateRule(ctx context.Context, rule *BusinessRule) error

	DeleteRule(ctx context.Context, id string) error

	// ToggleRule sets the active flag. Setting the current value is a no-op.
	ToggleRule(ctx context.Context, id string, isActive bool) (*BusinessRule, error)
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
type InMemoryRuleStore struct {
	rules map[string]*BusinessRule
	mu    sync.RWMutex
	now   func() time.Time
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*BusinessRule),
		now:   time.Now,
	}
}

func (s *InMemoryRuleStore) GetRulesByScope(_ context.Context, orgID string, propertyID null.String, category Category, activeOnly bool) ([]*BusinessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*BusinessRule
	for _, rule := range s.rules {
		if activeOnly && !rule.IsActive {
			continue
		}
		if category != "" && rule.Category != category {
			continue
		}
		if !rule.AppliesTo(orgID, propertyID) {
			continue
		}
		matched = append(matched, rule.Clone())
	}
	SortByPriority(matched)
	return matched, nil
}

func (s *InMemoryRuleStore) ListRules(_ context.Context, orgID string) ([]*BusinessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []*BusinessRule
	for _, rule := range s.rules {
		if rule.OrganizationID == orgID {
			list = append(list, rule.Clone())
		}
	}
	SortByPriority(list)
	return list, nil
}

func (s *InMemoryRuleStore) GetRule(_ context.Context, id string) (*BusinessRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, errors.Wrapf(ErrRuleNotFound, "rule %s", id)
	}
	return rule.Clone(), nil
}

func (s *InMemoryRuleStore) CreateRule(_ context.Context, rule *BusinessRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if _, exists := s.rules[rule.ID]; exists {
		return errors.Wrapf(ErrRuleExists, "rule %s", rule.ID)
	}

	now := s.now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule.Clone()
	return nil
}

func (s *InMemoryRuleStore) UpdateRule(_ context.Context, rule *BusinessRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return errors.Wrapf(ErrRuleNotFound, "rule %s", rule.ID)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.CreatedBy = existing.CreatedBy
	rule.UpdatedAt = s.now()
	s.rules[rule.ID] = rule.Clone()
	return nil
}

func (s *InMemoryRuleStore) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return errors.Wrapf(ErrRuleNotFound, "rule %s", id)
	}
	delete(s.rules, id)
	return nil
}

func (s *InMemoryRuleStore) ToggleRule(_ context.Context, id string, isActive bool) (*BusinessRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[id]
	if !exists {
		return nil, errors.Wrapf(ErrRuleNotFound, "rule %s", id)
	}
	if existing.IsActive != isActive {
		// replace rather than mutate so snapshots held by running evaluations stay intact
		updated := existing.Clone()
		updated.IsActive = isActive
		updated.UpdatedAt = s.now()
		s.rules[id] = updated
		existing = updated
	}
	return existing.Clone(), nil
}

// SortByPriority orders rules by ascending priority, newest first on ties.
func SortByPriority(list []*BusinessRule) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
