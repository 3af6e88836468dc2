// Package performance records rule executions and maintains running per-rule
// statistics. Aggregates are only ever changed by a single atomic upsert per
// execution, never read-modify-write.
package performance

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/guregu/null/v5"
	"github.com/shopspring/decimal"

	"github.com/propertyhub/rules/rules"
)

// ErrPerformanceWrite marks a failed execution log or aggregate write.
// It is logged by the asynchronous path and never reaches a pricing caller.
var ErrPerformanceWrite = errors.New("performance write failed")

const defaultListLimit = 50

// RulePerformance is the running aggregate of one rule.
type RulePerformance struct {
	RuleID               string          `json:"ruleId"`
	TotalExecutions      int64           `json:"totalExecutions"`
	SuccessfulExecutions int64           `json:"successfulExecutions"`
	FailedExecutions     int64           `json:"failedExecutions"`
	AvgExecutionTimeMs   float64         `json:"avgExecutionTimeMs"`
	TotalRevenueImpact   decimal.Decimal `json:"totalRevenueImpact"`
	LastExecutedAt       null.Time       `json:"lastExecutedAt"`
}

// Delta is one execution's contribution to an aggregate.
type Delta struct {
	Success         bool
	ExecutionTimeMs float64
	RevenueImpact   decimal.Decimal
	ExecutedAt      time.Time
}

// apply folds the delta into p. The average is updated incrementally:
// newAvg = (oldAvg*(n-1) + t) / n, with n the new total.
func (p *RulePerformance) apply(d Delta) {
	p.TotalExecutions++
	if d.Success {
		p.SuccessfulExecutions++
	} else {
		p.FailedExecutions++
	}
	n := float64(p.TotalExecutions)
	p.AvgExecutionTimeMs = (p.AvgExecutionTimeMs*(n-1) + d.ExecutionTimeMs) / n
	p.TotalRevenueImpact = p.TotalRevenueImpact.Add(d.RevenueImpact)
	if !p.LastExecutedAt.Valid || d.ExecutedAt.After(p.LastExecutedAt.Time) {
		p.LastExecutedAt = null.TimeFrom(d.ExecutedAt)
	}
}

// Summary is a RulePerformance with its derived rates.
type Summary struct {
	RulePerformance
	SuccessRate      float64         `json:"successRate"`
	AvgRevenueImpact decimal.Decimal `json:"avgRevenueImpact"`
}

// Summarize derives the success rate (percent, two decimals) and the average
// revenue impact per execution. Both are zero for a rule that never ran.
func Summarize(p RulePerformance) Summary {
	s := Summary{RulePerformance: p, AvgRevenueImpact: decimal.Zero}
	if p.TotalExecutions == 0 {
		return s
	}
	rate := float64(p.SuccessfulExecutions) / float64(p.TotalExecutions) * 100
	s.SuccessRate = math.Round(rate*100) / 100
	s.AvgRevenueImpact = p.TotalRevenueImpact.DivRound(decimal.NewFromInt(p.TotalExecutions), 4)
	return s
}

// ExecutionRecord is an immutable execution log entry.
type ExecutionRecord struct {
	ID                string                  `json:"id"`
	RuleID            string                  `json:"ruleId"`
	OrganizationID    string                  `json:"organizationId"`
	Executed          bool                    `json:"executed"`
	Success           bool                    `json:"success"`
	ConditionsMatched bool                    `json:"conditionsMatched"`
	ExecutionTimeMs   float64                 `json:"executionTimeMs"`
	RevenueImpact     decimal.Decimal         `json:"revenueImpact"`
	Error             null.String             `json:"error"`
	ActionResults     []rules.ActionResult    `json:"actionResults"`
	Context           *rules.ExecutionContext `json:"context,omitempty"`
	ExecutedAt        time.Time               `json:"executedAt"`
}

// RecordFromResult converts an engine result into a log entry.
func RecordFromResult(res rules.RuleExecutionResult) ExecutionRecord {
	rec := ExecutionRecord{
		ID:                res.ExecutionID,
		RuleID:            res.RuleID,
		OrganizationID:    res.OrganizationID,
		Executed:          res.Executed,
		Success:           res.Success,
		ConditionsMatched: res.ConditionsMatched,
		ExecutionTimeMs:   res.ExecutionTimeMs,
		RevenueImpact:     res.RevenueImpact,
		Error:             null.NewString(res.Error, res.Error != ""),
		ActionResults:     res.ActionResults,
		Context:           res.Context,
		ExecutedAt:        res.ExecutedAt,
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now().UTC()
	}
	return rec
}

// Store persists execution records and aggregates.
type Store interface {
	// AppendExecution is idempotent on the record ID. When the record is new
	// and d is not nil, d is folded into the rule's aggregate in the same
	// atomic step, so a retried append never counts an execution twice.
	AppendExecution(ctx context.Context, rec ExecutionRecord, d *Delta) error

	// UpsertPerformance creates or atomically updates the rule's aggregate.
	UpsertPerformance(ctx context.Context, ruleID string, d Delta) error

	// GetPerformance returns a zero aggregate for a rule that never ran.
	GetPerformance(ctx context.Context, ruleID string) (RulePerformance, error)

	// ListExecutions returns the most recent records first.
	ListExecutions(ctx context.Context, ruleID string, limit int) ([]ExecutionRecord, error)
}
