package performance

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// maxRecordsPerRule bounds the in-memory execution log of each rule.
const maxRecordsPerRule = 1000

// MemoryStore implements Store in memory. A single mutex serializes upserts,
// which makes each one atomic.
type MemoryStore struct {
	mu          sync.Mutex
	performance map[string]RulePerformance
	executions  map[string][]ExecutionRecord
	seen        map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		performance: make(map[string]RulePerformance),
		executions:  make(map[string][]ExecutionRecord),
		seen:        make(map[string]struct{}),
	}
}

func (s *MemoryStore) AppendExecution(_ context.Context, rec ExecutionRecord, d *Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[rec.ID]; dup {
		return nil
	}
	s.seen[rec.ID] = struct{}{}
	if d != nil {
		s.apply(rec.RuleID, *d)
	}

	entries := append(s.executions[rec.RuleID], rec)
	if len(entries) > maxRecordsPerRule {
		for _, dropped := range entries[:len(entries)-maxRecordsPerRule] {
			delete(s.seen, dropped.ID)
		}
		entries = append([]ExecutionRecord(nil), entries[len(entries)-maxRecordsPerRule:]...)
	}
	s.executions[rec.RuleID] = entries
	return nil
}

func (s *MemoryStore) UpsertPerformance(_ context.Context, ruleID string, d Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.apply(ruleID, d)
	return nil
}

// apply must be called with mu held.
func (s *MemoryStore) apply(ruleID string, d Delta) {
	p, ok := s.performance[ruleID]
	if !ok {
		p = RulePerformance{RuleID: ruleID, TotalRevenueImpact: decimal.Zero}
	}
	p.apply(d)
	s.performance[ruleID] = p
}

func (s *MemoryStore) GetPerformance(_ context.Context, ruleID string) (RulePerformance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.performance[ruleID]; ok {
		return p, nil
	}
	return RulePerformance{RuleID: ruleID, TotalRevenueImpact: decimal.Zero}, nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, ruleID string, limit int) ([]ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.executions[ruleID]
	out := make([]ExecutionRecord, 0, min(limit, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}
