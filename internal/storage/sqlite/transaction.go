package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
)

// txStore exposes the transactional operations over a single connection
// holding an immediate transaction. All methods run the same statements as
// their Store counterparts.
type txStore struct {
	conn *sql.Conn
}

var _ storage.Transaction = (*txStore)(nil)

// RunInTransaction executes fn inside one immediate transaction. The
// transaction commits when fn returns nil and rolls back otherwise, so fn
// sees all-or-nothing semantics across every operation it performs.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	return s.withImmediate(ctx, func(conn *sql.Conn) error {
		return fn(&txStore{conn: conn})
	})
}

func (t *txStore) Enqueue(ctx context.Context, item *types.QueueItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	return insertItem(ctx, t.conn, item)
}

func (t *txStore) GetItem(ctx context.Context, id string) (*types.QueueItem, error) {
	return getItem(ctx, t.conn, id)
}

func (t *txStore) UpdateItem(ctx context.Context, item *types.QueueItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return updateItem(ctx, t.conn, item)
}

func (t *txStore) RemoveItem(ctx context.Context, id string) error {
	return removeItem(ctx, t.conn, id)
}

func (t *txStore) ListItems(ctx context.Context, filter types.ItemFilter) ([]*types.QueueItem, error) {
	return listItems(ctx, t.conn, filter)
}

func (t *txStore) CountAhead(ctx context.Context, score int, createdAt time.Time) (int, error) {
	return countAhead(ctx, t.conn, score, createdAt)
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
	return createRule(ctx, t.conn, rule)
}

func (t *txStore) GetRule(ctx context.Context, id string) (*types.PriorityRule, error) {
	return getRule(ctx, t.conn, id)
}

func (t *txStore) UpdateRule(ctx context.Context, rule *types.PriorityRule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now()
	}
	return updateRule(ctx, t.conn, rule)
}

func (t *txStore) DeleteRule(ctx context.Context, id string) error {
	return deleteRule(ctx, t.conn, id)
}

func (t *txStore) CreateConflict(ctx context.Context, c *types.Conflict) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now()
	}
	return createConflict(ctx, t.conn, c)
}

func (t *txStore) GetConflict(ctx context.Context, id string) (*types.Conflict, error) {
	return getConflict(ctx, t.conn, id)
}

func (t *txStore) UpdateConflict(ctx context.Context, c *types.Conflict) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return updateConflict(ctx, t.conn, c)
}

func (t *txStore) SetMetadata(ctx context.Context, key, value string) error {
	return setMetadata(ctx, t.conn, key, value)
}

func (t *txStore) GetMetadata(ctx context.Context, key string) (string, error) {
	return getMetadata(ctx, t.conn, key)
}
