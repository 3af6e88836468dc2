package performance

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// performanceConflictSQL folds one execution into an existing aggregate, so
// concurrent executions of the same rule never lose an update.
const performanceConflictSQL = `
	ON CONFLICT (rule_id) DO UPDATE SET
		total_executions      = rule_performance.total_executions + 1,
		successful_executions = rule_performance.successful_executions + EXCLUDED.successful_executions,
		failed_executions     = rule_performance.failed_executions + EXCLUDED.failed_executions,
		avg_execution_time_ms = (rule_performance.avg_execution_time_ms * rule_performance.total_executions
		                         + EXCLUDED.avg_execution_time_ms) / (rule_performance.total_executions + 1),
		total_revenue_impact  = rule_performance.total_revenue_impact + EXCLUDED.total_revenue_impact,
		last_executed_at      = GREATEST(rule_performance.last_executed_at, EXCLUDED.last_executed_at),
		updated_at            = NOW()
`

const upsertPerformanceSQL = `
	INSERT INTO rule_performance (
		rule_id, total_executions, successful_executions, failed_executions,
		avg_execution_time_ms, total_revenue_impact, last_executed_at, updated_at
	)
	VALUES ($1, 1, $2, $3, $4, $5, $6, NOW())
` + performanceConflictSQL

// appendExecutionSQL inserts the log entry and, only when that insert wrote a
// row and $13 is true, folds it into the aggregate. One statement keeps both
// writes in one transaction keyed on the execution id.
const appendExecutionSQL = `
	WITH appended AS (
		INSERT INTO rule_executions (
			id, rule_id, organization_id, executed, success, conditions_matched,
			execution_time_ms, revenue_impact, error, action_results, context, executed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
		RETURNING rule_id
	)
	INSERT INTO rule_performance (
		rule_id, total_executions, successful_executions, failed_executions,
		avg_execution_time_ms, total_revenue_impact, last_executed_at, updated_at
	)
	SELECT rule_id, 1, $14::bigint, $15::bigint, $16::double precision, $17::numeric, $18::timestamptz, NOW()
	FROM appended
	WHERE $13::boolean
` + performanceConflictSQL

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) AppendExecution(ctx context.Context, rec ExecutionRecord, d *Delta) error {
	actions, err := json.Marshal(rec.ActionResults)
	if err != nil {
		return errors.Wrap(err, "failed to encode action results")
	}
	execCtx, err := json.Marshal(rec.Context)
	if err != nil {
		return errors.Wrap(err, "failed to encode execution context")
	}

	var (
		counted            bool
		successful, failed int
		elapsedMs          float64
		impact             = decimal.Zero
		executedAt         = rec.ExecutedAt
	)
	if d != nil {
		counted = true
		successful, failed = successCounts(d.Success)
		elapsedMs, impact, executedAt = d.ExecutionTimeMs, d.RevenueImpact, d.ExecutedAt
	}

	_, err = s.db.ExecContext(ctx, appendExecutionSQL,
		rec.ID, rec.RuleID, rec.OrganizationID, rec.Executed, rec.Success, rec.ConditionsMatched,
		rec.ExecutionTimeMs, rec.RevenueImpact, rec.Error, actions, execCtx, rec.ExecutedAt,
		counted, successful, failed, elapsedMs, impact, executedAt)
	if err != nil {
		return errors.Wrap(err, "failed to insert execution")
	}
	return nil
}

func (s *PostgresStore) UpsertPerformance(ctx context.Context, ruleID string, d Delta) error {
	successful, failed := successCounts(d.Success)
	_, err := s.db.ExecContext(ctx, upsertPerformanceSQL,
		ruleID, successful, failed, d.ExecutionTimeMs, d.RevenueImpact, d.ExecutedAt)
	if err != nil {
		return errors.Wrap(err, "failed to upsert performance")
	}
	return nil
}

func (s *PostgresStore) GetPerformance(ctx context.Context, ruleID string) (RulePerformance, error) {
	p := RulePerformance{RuleID: ruleID, TotalRevenueImpact: decimal.Zero}
	err := s.db.QueryRowContext(ctx, `
		SELECT total_executions, successful_executions, failed_executions,
		       avg_execution_time_ms, total_revenue_impact, last_executed_at
		FROM rule_performance
		WHERE rule_id = $1
	`, ruleID).Scan(&p.TotalExecutions, &p.SuccessfulExecutions, &p.FailedExecutions,
		&p.AvgExecutionTimeMs, &p.TotalRevenueImpact, &p.LastExecutedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return RulePerformance{}, errors.Wrap(err, "failed to query performance")
	}
	return p, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, ruleID string, limit int) ([]ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, organization_id, executed, success, conditions_matched,
		       execution_time_ms, revenue_impact, error, action_results, context, executed_at
		FROM rule_executions
		WHERE rule_id = $1
		ORDER BY executed_at DESC, id
		LIMIT $2
	`, ruleID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var records []ExecutionRecord
	for rows.Next() {
		var (
			rec              ExecutionRecord
			actions, ctxJSON []byte
		)
		if err := rows.Scan(&rec.ID, &rec.RuleID, &rec.OrganizationID, &rec.Executed, &rec.Success,
			&rec.ConditionsMatched, &rec.ExecutionTimeMs, &rec.RevenueImpact, &rec.Error,
			&actions, &ctxJSON, &rec.ExecutedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		if err := json.Unmarshal(actions, &rec.ActionResults); err != nil {
			return nil, errors.Wrapf(err, "execution %s: invalid action results", rec.ID)
		}
		if len(ctxJSON) > 0 && string(ctxJSON) != "null" {
			if err := json.Unmarshal(ctxJSON, &rec.Context); err != nil {
				return nil, errors.Wrapf(err, "execution %s: invalid context", rec.ID)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating executions")
	}
	return records, nil
}

func successCounts(success bool) (successful, failed int) {
	if success {
		return 1, 0
	}
	return 0, 1
}
