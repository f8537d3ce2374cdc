package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
)

// txStore exposes the transactional operations over one *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

var _ storage.Transaction = (*txStore)(nil)

// RunInTransaction executes fn inside one transaction, committing when fn
// returns nil and rolling back otherwise.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

func (t *txStore) Enqueue(ctx context.Context, item *types.QueueItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	return insertItem(ctx, t.tx, item)
}

func (t *txStore) GetItem(ctx context.Context, id string) (*types.QueueItem, error) {
	return getItem(ctx, t.tx, id)
}

func (t *txStore) UpdateItem(ctx context.Context, item *types.QueueItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return updateItem(ctx, t.tx, item)
}

func (t *txStore) RemoveItem(ctx context.Context, id string) error {
	return removeItem(ctx, t.tx, id)
}

func (t *txStore) ListItems(ctx context.Context, filter types.ItemFilter) ([]*types.QueueItem, error) {
	return listItems(ctx, t.tx, filter)
}

func (t *txStore) CountAhead(ctx context.Context, score int, createdAt time.Time) (int, error) {
	return countAhead(ctx, t.tx, score, createdAt)
}

func (t *txStore) CreateRule(ctx context.Context, rule *types.PriorityRule) error {
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
	return createRule(ctx, t.tx, rule)
}

func (t *txStore) GetRule(ctx context.Context, id string) (*types.PriorityRule, error) {
	return getRule(ctx, t.tx, id)
}

func (t *txStore) UpdateRule(ctx context.Context, rule *types.PriorityRule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now()
	}
	return updateRule(ctx, t.tx, rule)
}

func (t *txStore) DeleteRule(ctx context.Context, id string) error {
	return deleteRule(ctx, t.tx, id)
}

func (t *txStore) CreateConflict(ctx context.Context, c *types.Conflict) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now()
	}
	return createConflict(ctx, t.tx, c)
}

func (t *txStore) GetConflict(ctx context.Context, id string) (*types.Conflict, error) {
	return getConflict(ctx, t.tx, id)
}

func (t *txStore) UpdateConflict(ctx context.Context, c *types.Conflict) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return updateConflict(ctx, t.tx, c)
}

func (t *txStore) SetMetadata(ctx context.Context, key, value string) error {
	return setMetadata(ctx, t.tx, key, value)
}

func (t *txStore) GetMetadata(ctx context.Context, key string) (string, error) {
	return getMetadata(ctx, t.tx, key)
}
