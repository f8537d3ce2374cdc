package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
)

// claimHeadQuery mirrors the sqlite claim: only entity heads compete, and an
// entity is skipped while leased elsewhere, blocked, exhausted, or backing
// off. FOR UPDATE locks the head row so concurrent claimers serialize
// instead of both stamping the same entity.
const claimHeadQuery = `
	SELECT head.entity_kind, head.entity_id FROM queue_items AS head
	WHERE head.position = (
	      SELECT MIN(q.position) FROM queue_items q
	      WHERE q.entity_kind = head.entity_kind AND q.entity_id = head.entity_id
	  )
	  AND head.blocked_by = ''
	  AND (head.max_retries = 0 OR head.retry_count < head.max_retries)
	  AND (head.next_attempt_at IS NULL OR head.next_attempt_at <= ?)
	  AND (head.lease_owner = '' OR head.lease_owner = ?
	       OR head.lease_expires_at IS NULL OR head.lease_expires_at <= ?)
	  AND NOT EXISTS (
	      SELECT 1 FROM queue_items other
	      WHERE other.entity_kind = head.entity_kind AND other.entity_id = head.entity_id
	        AND other.lease_owner <> '' AND other.lease_owner <> ?
	        AND other.lease_expires_at IS NOT NULL AND other.lease_expires_at > ?
	  )
	  AND NOT EXISTS (
	      SELECT 1 FROM queue_items blocked
	      WHERE blocked.entity_kind = head.entity_kind AND blocked.entity_id = head.entity_id
	        AND blocked.blocked_by <> ''
	  )
	ORDER BY head.priority_score DESC, head.created_at ASC, head.position ASC
	LIMIT 1
	FOR UPDATE
`

// ClaimNextEntity leases the highest-priority claimable entity to owner and
// returns its queued items in insertion order. Returns (nil, nil) when
// nothing is claimable.
func (s *Store) ClaimNextEntity(ctx context.Context, owner string, now, until time.Time) ([]*types.QueueItem, error) {
	var items []*types.QueueItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var kind types.EntityKind
		var entityID string
		err := tx.QueryRowContext(ctx, claimHeadQuery, now, owner, now, owner, now).Scan(&kind, &entityID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return wrapDBError("claim next entity", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE queue_items SET lease_owner = ?, lease_expires_at = ?
			WHERE entity_kind = ? AND entity_id = ?
		`, owner, until, kind, entityID)
		if err != nil {
			return wrapDBError("stamp entity lease", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT `+itemColumns+` FROM queue_items
			WHERE entity_kind = ? AND entity_id = ?
			ORDER BY position ASC
		`, kind, entityID)
		if err != nil {
			return wrapDBError("load claimed entity", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			item, err := scanItem(rows)
			if err != nil {
				return wrapDBError("scan claimed item", err)
			}
			items = append(items, item)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// RenewEntityLease extends the lease the owner already holds on the entity.
func (s *Store) RenewEntityLease(ctx context.Context, owner string, key types.EntityKey, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET lease_expires_at = ?
		WHERE entity_kind = ? AND entity_id = ? AND lease_owner = ?
	`, until, key.Kind, key.ID, owner)
	if err != nil {
		return wrapDBError("renew entity lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("renew entity lease", err)
	}
	if n == 0 {
		return fmt.Errorf("renew lease on %s for %s: %w", key, owner, storage.ErrNotLeaseOwner)
	}
	return nil
}

// ReleaseEntity clears the owner's lease on the entity. Releasing an entity
// the owner does not hold is a no-op.
func (s *Store) ReleaseEntity(ctx context.Context, owner string, key types.EntityKey) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET lease_owner = '', lease_expires_at = NULL
		WHERE entity_kind = ? AND entity_id = ? AND lease_owner = ?
	`, key.Kind, key.ID, owner)
	return wrapDBError("release entity lease", err)
}
