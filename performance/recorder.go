package performance

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/propertyhub/rules/rules"
)

// Recorder writes execution results synchronously.
type Recorder struct {
	store Store
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// RecordExecution appends the log entry and, for executed or failed rules,
// folds the result into the rule's aggregate. The revenue impact delta is the
// one computed by the engine. Recording the same execution again is a no-op.
func (r *Recorder) RecordExecution(ctx context.Context, res rules.RuleExecutionResult) error {
	if res.RuleID == "" {
		return errors.Wrap(ErrPerformanceWrite, "result has no rule id")
	}

	var delta *Delta
	if res.Counted() {
		delta = &Delta{
			Success:         res.Success,
			ExecutionTimeMs: res.ExecutionTimeMs,
			RevenueImpact:   res.RevenueImpact,
			ExecutedAt:      res.ExecutedAt,
		}
	}

	if err := r.store.AppendExecution(ctx, RecordFromResult(res), delta); err != nil {
		return errors.Mark(errors.Wrapf(err, "record execution %s", res.ExecutionID), ErrPerformanceWrite)
	}
	return nil
}

func (r *Recorder) UpsertPerformance(ctx context.Context, ruleID string, d Delta) error {
	if err := r.store.UpsertPerformance(ctx, ruleID, d); err != nil {
		return errors.Mark(errors.Wrapf(err, "upsert performance of rule %s", ruleID), ErrPerformanceWrite)
	}
	return nil
}

// GetPerformance returns the rule's aggregate with its derived rates.
func (r *Recorder) GetPerformance(ctx context.Context, ruleID string) (Summary, error) {
	p, err := r.store.GetPerformance(ctx, ruleID)
	if err != nil {
		return Summary{}, errors.Wrapf(err, "get performance of rule %s", ruleID)
	}
	return Summarize(p), nil
}

func (r *Recorder) ListExecutions(ctx context.Context, ruleID string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return r.store.ListExecutions(ctx, ruleID, limit)
}
