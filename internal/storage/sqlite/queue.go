package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
)

const itemColumns = `id, entity_kind, action, entity_id, payload, priority_label,
       priority_score, priority_reason, manual_override, estimated_sync_time,
       created_at, last_attempt_at, retry_count, last_error, blocked_by,
       max_retries, next_attempt_at, lease_owner, lease_expires_at, version`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(sc rowScanner) (*types.QueueItem, error) {
	var item types.QueueItem
	var payload string
	var manualOverride sql.NullString
	var estimatedSyncTime, lastAttemptAt, nextAttemptAt, leaseExpiresAt sql.NullTime

	err := sc.Scan(
		&item.ID, &item.EntityKind, &item.Action, &item.EntityID, &payload,
		&item.PriorityLabel, &item.PriorityScore, &item.PriorityReason,
		&manualOverride, &estimatedSyncTime,
		&item.CreatedAt, &lastAttemptAt, &item.RetryCount, &item.LastError,
		&item.BlockedBy, &item.MaxRetries, &nextAttemptAt,
		&item.LeaseOwner, &leaseExpiresAt, &item.Version,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(payload, &item.Payload); err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", item.ID, err)
	}
	if manualOverride.Valid && manualOverride.String != "" {
		var override types.ManualOverride
		if err := unmarshalJSON(manualOverride.String, &override); err != nil {
			return nil, fmt.Errorf("decode manual override for %s: %w", item.ID, err)
		}
		item.ManualOverride = &override
	}
	item.EstimatedSyncTime = timePtr(estimatedSyncTime)
	item.LastAttemptAt = timePtr(lastAttemptAt)
	item.NextAttemptAt = timePtr(nextAttemptAt)
	item.LeaseExpiresAt = timePtr(leaseExpiresAt)

	return &item, nil
}

// insertItem inserts the item with the next position. The caller must hold
// a write transaction so position assignment is serialized.
func insertItem(ctx context.Context, q querier, item *types.QueueItem) error {
	var position int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) + 1 FROM queue_items`).Scan(&position); err != nil {
		return wrapDBError("next queue position", err)
	}

	payload, err := marshalJSON(item.Payload, "{}")
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	var override any
	if item.ManualOverride != nil {
		s, err := marshalJSON(item.ManualOverride, "")
		if err != nil {
			return fmt.Errorf("encode manual override: %w", err)
		}
		override = s
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO queue_items (
			id, position, entity_kind, action, entity_id, payload,
			priority_label, priority_score, priority_reason, manual_override,
			estimated_sync_time, created_at, last_attempt_at, retry_count,
			last_error, blocked_by, max_retries, next_attempt_at,
			lease_owner, lease_expires_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', NULL, 1)
	`,
		item.ID, position, item.EntityKind, item.Action, item.EntityID, payload,
		item.PriorityLabel, item.PriorityScore, item.PriorityReason, override,
		nullableTime(item.EstimatedSyncTime), item.CreatedAt,
		nullableTime(item.LastAttemptAt), item.RetryCount,
		item.LastError, item.BlockedBy, item.MaxRetries,
		nullableTime(item.NextAttemptAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "queue_items.id") {
			return fmt.Errorf("enqueue %s: %w", item.ID, storage.ErrDuplicateID)
		}
		return wrapDBError("insert queue item", err)
	}
	item.Version = 1
	return nil
}

func getItem(ctx context.Context, q querier, id string) (*types.QueueItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get queue item %s", id), err)
	}
	return item, nil
}

// updateItem writes the item's mutable fields with compare-and-set on
// version. Identity fields and lease bookkeeping are never touched here.
func updateItem(ctx context.Context, q querier, item *types.QueueItem) error {
	payload, err := marshalJSON(item.Payload, "{}")
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	var override any
	if item.ManualOverride != nil {
		s, err := marshalJSON(item.ManualOverride, "")
		if err != nil {
			return fmt.Errorf("encode manual override: %w", err)
		}
		override = s
	}

	res, err := q.ExecContext(ctx, `
		UPDATE queue_items SET
			payload = ?, priority_label = ?, priority_score = ?,
			priority_reason = ?, manual_override = ?, estimated_sync_time = ?,
			last_attempt_at = ?, retry_count = ?, last_error = ?,
			blocked_by = ?, max_retries = ?, next_attempt_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`,
		payload, item.PriorityLabel, item.PriorityScore,
		item.PriorityReason, override, nullableTime(item.EstimatedSyncTime),
		nullableTime(item.LastAttemptAt), item.RetryCount, item.LastError,
		item.BlockedBy, item.MaxRetries, nullableTime(item.NextAttemptAt),
		item.ID, item.Version,
	)
	if err != nil {
		return wrapDBError("update queue item", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("update queue item", err)
	}
	if n == 0 {
		var one int
		err := q.QueryRowContext(ctx, `SELECT 1 FROM queue_items WHERE id = ?`, item.ID).Scan(&one)
		if err == sql.ErrNoRows {
			return fmt.Errorf("update queue item %s: %w", item.ID, storage.ErrNotFound)
		}
		if err != nil {
			return wrapDBError("update queue item", err)
		}
		return fmt.Errorf("update queue item %s at version %d: %w", item.ID, item.Version, storage.ErrStaleVersion)
	}
	item.Version++
	return nil
}

func removeItem(ctx context.Context, q querier, id string) error {
	// Idempotent: deleting an absent item is not an error.
	_, err := q.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	return wrapDBError("remove queue item", err)
}

func listItems(ctx context.Context, q querier, filter types.ItemFilter) ([]*types.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items`
	var conds []string
	var args []any

	if filter.Kind != nil {
		conds = append(conds, "entity_kind = ?")
		args = append(args, *filter.Kind)
	}
	if filter.Label != nil {
		conds = append(conds, "priority_label = ?")
		args = append(args, *filter.Label)
	}
	if filter.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Blocked != nil {
		if *filter.Blocked {
			conds = append(conds, "blocked_by <> ''")
		} else {
			conds = append(conds, "blocked_by = ''")
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY position ASC"

	// Status is derived, so it filters in Go; push the limit down only
	// when no status filter can shrink the result afterwards.
	if filter.Status == nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list queue items", err)
	}
	defer func() { _ = rows.Close() }()

	now := filter.Now
	if now.IsZero() {
		now = time.Now()
	}

	var items []*types.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, wrapDBError("scan queue item", err)
		}
		if filter.Status != nil && item.DerivedStatus(now) != *filter.Status {
			continue
		}
		items = append(items, item)
		if filter.Status != nil && filter.Limit > 0 && len(items) >= filter.Limit {
			break
		}
	}
	return items, rows.Err()
}

// countAhead counts items that outrank the given (score, createdAt): a
// higher score, or the same score enqueued earlier.
func countAhead(ctx context.Context, q querier, score int, createdAt time.Time) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_items
		WHERE priority_score > ? OR (priority_score = ? AND created_at < ?)
	`, score, score, createdAt).Scan(&n)
	if err != nil {
		return 0, wrapDBError("count items ahead", err)
	}
	return n, nil
}

func queueSummary(ctx context.Context, q querier, now time.Time) (*types.QueueSummary, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT priority_label, created_at, last_attempt_at, retry_count,
		       max_retries, last_error, blocked_by, lease_owner, lease_expires_at
		FROM queue_items
	`)
	if err != nil {
		return nil, wrapDBError("queue summary", err)
	}
	defer func() { _ = rows.Close() }()

	summary := &types.QueueSummary{}
	for rows.Next() {
		var item types.QueueItem
		var lastAttemptAt, leaseExpiresAt sql.NullTime
		if err := rows.Scan(
			&item.PriorityLabel, &item.CreatedAt, &lastAttemptAt, &item.RetryCount,
			&item.MaxRetries, &item.LastError, &item.BlockedBy,
			&item.LeaseOwner, &leaseExpiresAt,
		); err != nil {
			return nil, wrapDBError("scan queue summary", err)
		}
		item.LastAttemptAt = timePtr(lastAttemptAt)
		item.LeaseExpiresAt = timePtr(leaseExpiresAt)

		summary.TotalItems++
		switch item.DerivedStatus(now) {
		case types.StatusPending:
			summary.Pending++
			if summary.OldestPendingAt == nil || item.CreatedAt.Before(*summary.OldestPendingAt) {
				t := item.CreatedAt
				summary.OldestPendingAt = &t
			}
		case types.StatusSyncing:
			summary.Syncing++
		case types.StatusFailed:
			summary.Failed++
		}
		if item.TerminalFailed() {
			summary.TerminalFailed++
		}
		if item.BlockedBy != "" {
			summary.Blocked++
		}

		switch item.PriorityLabel {
		case types.LabelCritical:
			summary.Critical++
		case types.LabelHigh:
			summary.High++
		case types.LabelNormal:
			summary.Normal++
		case types.LabelLow:
			summary.Low++
		}

		updated := item.CreatedAt
		if item.LastAttemptAt != nil && item.LastAttemptAt.After(updated) {
			updated = *item.LastAttemptAt
		}
		if summary.LastUpdatedAt == nil || updated.After(*summary.LastUpdatedAt) {
			t := updated
			summary.LastUpdatedAt = &t
		}
	}
	return summary, rows.Err()
}

// Enqueue inserts a new queue item, assigning its position atomically.
func (s *Store) Enqueue(ctx context.Context, item *types.QueueItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	return s.withImmediate(ctx, func(conn *sql.Conn) error {
		return insertItem(ctx, conn, item)
	})
}

// GetItem retrieves a queue item by id.
func (s *Store) GetItem(ctx context.Context, id string) (*types.QueueItem, error) {
	return getItem(ctx, s.db, id)
}

// UpdateItem writes the item back with compare-and-set on its version.
func (s *Store) UpdateItem(ctx context.Context, item *types.QueueItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return updateItem(ctx, s.db, item)
}

// RemoveItem deletes a queue item. Removing an absent item is a no-op.
func (s *Store) RemoveItem(ctx context.Context, id string) error {
	return removeItem(ctx, s.db, id)
}

// ListItems returns the items matching the filter in insertion order.
func (s *Store) ListItems(ctx context.Context, filter types.ItemFilter) ([]*types.QueueItem, error) {
	return listItems(ctx, s.db, filter)
}

// CountAhead counts queued items that outrank the given score and age.
func (s *Store) CountAhead(ctx context.Context, score int, createdAt time.Time) (int, error) {
	return countAhead(ctx, s.db, score, createdAt)
}

// Summary aggregates queue state as of now.
func (s *Store) Summary(ctx context.Context, now time.Time) (*types.QueueSummary, error) {
	return queueSummary(ctx, s.db, now)
}
