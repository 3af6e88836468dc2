package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/guregu/null/v5"
	"github.com/lib/pq"
)

const ruleColumns = `id, organization_id, property_id, name, description, category, priority,
	is_active, origin, conditions, actions, metadata, created_by, updated_by, created_at, updated_at`

// PostgresRuleStore implements RuleStore backed by PostgreSQL.
// Conditions, actions and metadata are stored as JSONB.
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

func (s *PostgresRuleStore) GetRulesByScope(ctx context.Context, orgID string, propertyID null.String, category Category, activeOnly bool) ([]*BusinessRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM business_rules
		WHERE organization_id = $1
		  AND (property_id IS NULL OR property_id = $2)
		  AND ($3::text = '' OR category = $3::text)
		  AND (NOT $4::boolean OR is_active)
		ORDER BY priority ASC, created_at DESC, id ASC
	`, orgID, propertyID, string(category), activeOnly)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query rules by scope")
	}
	return scanRules(rows)
}

func (s *PostgresRuleStore) ListRules(ctx context.Context, orgID string) ([]*BusinessRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM business_rules
		WHERE organization_id = $1
		ORDER BY priority ASC, created_at DESC, id ASC
	`, orgID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list rules")
	}
	return scanRules(rows)
}

func (s *PostgresRuleStore) GetRule(ctx context.Context, id string) (*BusinessRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM business_rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrRuleNotFound, "rule %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rule")
	}
	return rule, nil
}

func (s *PostgresRuleStore) CreateRule(ctx context.Context, rule *BusinessRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	conditions, actions, metadata, err := encodeRuleJSON(rule)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO business_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, rule.ID, rule.OrganizationID, rule.PropertyID, rule.Name, rule.Description,
		string(rule.Category), rule.Priority, rule.IsActive, rule.Origin,
		conditions, actions, metadata, rule.CreatedBy, rule.UpdatedBy,
		rule.CreatedAt, rule.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return errors.Wrapf(ErrRuleExists, "rule %s", rule.ID)
	}
	if err != nil {
		return errors.Wrap(err, "failed to insert rule")
	}
	return nil
}

func (s *PostgresRuleStore) UpdateRule(ctx context.Context, rule *BusinessRule) error {
	conditions, actions, metadata, err := encodeRuleJSON(rule)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		UPDATE business_rules
		SET property_id = $2, name = $3, description = $4, category = $5, priority = $6,
		    is_active = $7, origin = $8, conditions = $9, actions = $10, metadata = $11,
		    updated_by = $12, updated_at = $13
		WHERE id = $1
		RETURNING created_by, created_at
	`, rule.ID, rule.PropertyID, rule.Name, rule.Description, string(rule.Category),
		rule.Priority, rule.IsActive, rule.Origin, conditions, actions, metadata,
		rule.UpdatedBy, rule.UpdatedAt)

	err = row.Scan(&rule.CreatedBy, &rule.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrRuleNotFound, "rule %s", rule.ID)
	}
	if err != nil {
		return errors.Wrap(err, "failed to update rule")
	}
	return nil
}

func (s *PostgresRuleStore) DeleteRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM business_rules WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete rule")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rowsAffected == 0 {
		return errors.Wrapf(ErrRuleNotFound, "rule %s", id)
	}
	return nil
}

// ToggleRule only touches updated_at when the flag actually changes.
func (s *PostgresRuleStore) ToggleRule(ctx context.Context, id string, isActive bool) (*BusinessRule, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE business_rules
		SET is_active = $2, updated_at = NOW()
		WHERE id = $1 AND is_active <> $2
	`, id, isActive)
	if err != nil {
		return nil, errors.Wrap(err, "failed to toggle rule")
	}
	return s.GetRule(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*BusinessRule, error) {
	var (
		r                             BusinessRule
		category                      string
		conditions, actions, metadata []byte
	)
	err := row.Scan(&r.ID, &r.OrganizationID, &r.PropertyID, &r.Name, &r.Description,
		&category, &r.Priority, &r.IsActive, &r.Origin, &conditions, &actions, &metadata,
		&r.CreatedBy, &r.UpdatedBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Category = Category(category)

	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return nil, errors.Wrapf(err, "rule %s: invalid conditions", r.ID)
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, errors.Wrapf(err, "rule %s: invalid actions", r.ID)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, errors.Wrapf(err, "rule %s: invalid metadata", r.ID)
		}
	}
	return &r, nil
}

func scanRules(rows *sql.Rows) ([]*BusinessRule, error) {
	defer rows.Close()

	var list []*BusinessRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan rule")
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating rules")
	}
	return list, nil
}

func encodeRuleJSON(rule *BusinessRule) (conditions, actions, metadata []byte, err error) {
	if conditions, err = json.Marshal(rule.Conditions); err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to encode conditions")
	}
	if actions, err = json.Marshal(rule.Actions); err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to encode actions")
	}
	meta := rule.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	if metadata, err = json.Marshal(meta); err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to encode metadata")
	}
	return conditions, actions, metadata, nil
}
