package mysql

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
)

const ruleColumns = `id, position, name, entity_kind, conditions, score_modifier,
       active, created_by, created_at, updated_at`

func scanRule(sc rowScanner) (*types.PriorityRule, error) {
	var rule types.PriorityRule
	var conditions string

	err := sc.Scan(
		&rule.ID, &rule.Position, &rule.Name, &rule.EntityKind, &conditions,
		&rule.ScoreModifier, &rule.Active, &rule.CreatedBy,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(conditions, &rule.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions for %s: %w", rule.ID, err)
	}
	return &rule, nil
}

func createRule(ctx context.Context, q querier, rule *types.PriorityRule) error {
	conditions, err := marshalJSON(rule.Conditions, "[]")
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO priority_rules (
			id, name, entity_kind, conditions, score_modifier,
			active, created_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rule.ID, rule.Name, rule.EntityKind, conditions,
		rule.ScoreModifier, rule.Active, rule.CreatedBy,
		rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return fmt.Errorf("create rule %s: %w", rule.ID, storage.ErrDuplicateID)
		}
		return wrapDBError("create rule", err)
	}
	if position, err := res.LastInsertId(); err == nil {
		rule.Position = position
	}
	return nil
}

func getRule(ctx context.Context, q querier, id string) (*types.PriorityRule, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM priority_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get rule %s", id), err)
	}
	return rule, nil
}

func updateRule(ctx context.Context, q querier, rule *types.PriorityRule) error {
	conditions, err := marshalJSON(rule.Conditions, "[]")
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE priority_rules SET
			name = ?, entity_kind = ?, conditions = ?, score_modifier = ?,
			active = ?, updated_at = ?
		WHERE id = ?
	`,
		rule.Name, rule.EntityKind, conditions, rule.ScoreModifier,
		rule.Active, rule.UpdatedAt, rule.ID,
	)
	if err != nil {
		return wrapDBError("update rule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("update rule", err)
	}
	if n == 0 {
		return fmt.Errorf("update rule %s: %w", rule.ID, storage.ErrNotFound)
	}
	return nil
}

func deleteRule(ctx context.Context, q querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM priority_rules WHERE id = ?`, id)
	if err != nil {
		return wrapDBError("delete rule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("delete rule", err)
	}
	if n == 0 {
		return fmt.Errorf("delete rule %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func listRules(ctx context.Context, q querier, filter types.RuleFilter) ([]*types.PriorityRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM priority_rules`
	var conds []string
	var args []any
	if filter.Kind != nil {
		conds = append(conds, "entity_kind = ?")
		args = append(args, *filter.Kind)
	}
	if filter.ActiveOnly {
		conds = append(conds, "active = 1")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY position ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list rules", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []*types.PriorityRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, wrapDBError("scan rule", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// CreateRule inserts a new priority rule at the end of the evaluation order.
func (s *Store) CreateRule(ctx context.Context, rule *types.PriorityRule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = rule.CreatedAt
	}
	return createRule(ctx, s.db, rule)
}

// GetRule retrieves a priority rule by id.
func (s *Store) GetRule(ctx context.Context, id string) (*types.PriorityRule, error) {
	return getRule(ctx, s.db, id)
}

// UpdateRule rewrites an existing rule's mutable fields.
func (s *Store) UpdateRule(ctx context.Context, rule *types.PriorityRule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now()
	}
	return updateRule(ctx, s.db, rule)
}

// DeleteRule removes a rule. Deleting an unknown rule reports ErrNotFound.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	return deleteRule(ctx, s.db, id)
}

// ListRules returns rules in creation order, optionally filtered.
func (s *Store) ListRules(ctx context.Context, filter types.RuleFilter) ([]*types.PriorityRule, error) {
	return listRules(ctx, s.db, filter)
}
