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

const conflictColumns = `id, entity_kind, entity_id, type, severity,
       local_version, server_version, conflict_fields, detected_at, detected_by,
       status, resolution_strategy, resolved_by, resolved_at, justification,
       audit_trail, queue_item_id, archived_at`

func scanConflict(sc rowScanner) (*types.Conflict, error) {
	var c types.Conflict
	var localVersion, serverVersion, conflictFields, auditTrail string
	var resolvedAt, archivedAt sql.NullTime

	err := sc.Scan(
		&c.ID, &c.EntityKind, &c.EntityID, &c.Type, &c.Severity,
		&localVersion, &serverVersion, &conflictFields, &c.DetectedAt, &c.DetectedBy,
		&c.Status, &c.ResolutionStrategy, &c.ResolvedBy, &resolvedAt, &c.Justification,
		&auditTrail, &c.QueueItemID, &archivedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(localVersion, &c.LocalVersion); err != nil {
		return nil, fmt.Errorf("decode local version for %s: %w", c.ID, err)
	}
	if err := unmarshalJSON(serverVersion, &c.ServerVersion); err != nil {
		return nil, fmt.Errorf("decode server version for %s: %w", c.ID, err)
	}
	if err := unmarshalJSON(conflictFields, &c.ConflictFields); err != nil {
		return nil, fmt.Errorf("decode conflict fields for %s: %w", c.ID, err)
	}
	if err := unmarshalJSON(auditTrail, &c.AuditTrail); err != nil {
		return nil, fmt.Errorf("decode audit trail for %s: %w", c.ID, err)
	}
	c.ResolvedAt = timePtr(resolvedAt)
	c.ArchivedAt = timePtr(archivedAt)
	return &c, nil
}

type conflictJSON struct {
	localVersion, serverVersion, conflictFields, auditTrail string
}

func encodeConflict(c *types.Conflict) (conflictJSON, error) {
	var enc conflictJSON
	var err error
	if enc.localVersion, err = marshalJSON(c.LocalVersion, "{}"); err != nil {
		return enc, fmt.Errorf("encode local version: %w", err)
	}
	if enc.serverVersion, err = marshalJSON(c.ServerVersion, "{}"); err != nil {
		return enc, fmt.Errorf("encode server version: %w", err)
	}
	if enc.conflictFields, err = marshalJSON(c.ConflictFields, "[]"); err != nil {
		return enc, fmt.Errorf("encode conflict fields: %w", err)
	}
	if enc.auditTrail, err = marshalJSON(c.AuditTrail, "[]"); err != nil {
		return enc, fmt.Errorf("encode audit trail: %w", err)
	}
	return enc, nil
}

func createConflict(ctx context.Context, q querier, c *types.Conflict) error {
	enc, err := encodeConflict(c)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO conflicts (
			id, entity_kind, entity_id, type, severity,
			local_version, server_version, conflict_fields, detected_at, detected_by,
			status, resolution_strategy, resolved_by, resolved_at, justification,
			audit_trail, queue_item_id, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.EntityKind, c.EntityID, c.Type, c.Severity,
		enc.localVersion, enc.serverVersion, enc.conflictFields, c.DetectedAt, c.DetectedBy,
		c.Status, c.ResolutionStrategy, c.ResolvedBy, nullableTime(c.ResolvedAt), c.Justification,
		enc.auditTrail, c.QueueItemID, nullableTime(c.ArchivedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("create conflict %s: %w", c.ID, storage.ErrDuplicateID)
		}
		return wrapDBError("create conflict", err)
	}
	return nil
}

func getConflict(ctx context.Context, q querier, id string) (*types.Conflict, error) {
	row := q.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("get conflict %s", id), err)
	}
	return c, nil
}

func updateConflict(ctx context.Context, q querier, c *types.Conflict) error {
	enc, err := encodeConflict(c)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		UPDATE conflicts SET
			status = ?, resolution_strategy = ?, resolved_by = ?, resolved_at = ?,
			justification = ?, audit_trail = ?, queue_item_id = ?, archived_at = ?
		WHERE id = ?
	`,
		c.Status, c.ResolutionStrategy, c.ResolvedBy, nullableTime(c.ResolvedAt),
		c.Justification, enc.auditTrail, c.QueueItemID, nullableTime(c.ArchivedAt),
		c.ID,
	)
	if err != nil {
		return wrapDBError("update conflict", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("update conflict", err)
	}
	if n == 0 {
		return fmt.Errorf("update conflict %s: %w", c.ID, storage.ErrNotFound)
	}
	return nil
}

func listConflicts(ctx context.Context, q querier, filter types.ConflictFilter) ([]*types.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	var conds []string
	var args []any

	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.Kind != nil {
		conds = append(conds, "entity_kind = ?")
		args = append(args, *filter.Kind)
	}
	if filter.Severity != nil {
		conds = append(conds, "severity = ?")
		args = append(args, *filter.Severity)
	}
	if filter.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if !filter.IncludeArchived {
		conds = append(conds, "archived_at IS NULL")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY detected_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list conflicts", err)
	}
	defer func() { _ = rows.Close() }()

	var conflicts []*types.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, wrapDBError("scan conflict", err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// CreateConflict records a newly detected conflict.
func (s *Store) CreateConflict(ctx context.Context, c *types.Conflict) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now()
	}
	return createConflict(ctx, s.db, c)
}

// GetConflict retrieves a conflict by id.
func (s *Store) GetConflict(ctx context.Context, id string) (*types.Conflict, error) {
	return getConflict(ctx, s.db, id)
}

// UpdateConflict rewrites a conflict's resolution fields. Identity and
// detection fields are immutable once recorded.
func (s *Store) UpdateConflict(ctx context.Context, c *types.Conflict) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return updateConflict(ctx, s.db, c)
}

// ListConflicts returns conflicts newest-first. Archived conflicts are
// excluded unless the filter asks for them.
func (s *Store) ListConflicts(ctx context.Context, filter types.ConflictFilter) ([]*types.Conflict, error) {
	return listConflicts(ctx, s.db, filter)
}

// ArchiveResolvedConflicts tombstones conflicts resolved before the cutoff
// and reports how many were archived.
func (s *Store) ArchiveResolvedConflicts(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts SET archived_at = ?
		WHERE status = ? AND archived_at IS NULL
		  AND resolved_at IS NOT NULL AND resolved_at < ?
	`, time.Now(), types.ConflictResolved, before)
	if err != nil {
		return 0, wrapDBError("archive resolved conflicts", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError("archive resolved conflicts", err)
	}
	return int(n), nil
}

// ConflictStats aggregates conflict counts by status, type, and severity.
func (s *Store) ConflictStats(ctx context.Context) (*types.ConflictStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, severity, status, archived_at FROM conflicts`)
	if err != nil {
		return nil, wrapDBError("conflict stats", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &types.ConflictStats{
		ByType:     make(map[types.ConflictType]int),
		BySeverity: make(map[types.Severity]int),
		ByStatus:   make(map[types.ConflictStatus]int),
	}
	for rows.Next() {
		var typ types.ConflictType
		var severity types.Severity
		var status types.ConflictStatus
		var archivedAt sql.NullTime
		if err := rows.Scan(&typ, &severity, &status, &archivedAt); err != nil {
			return nil, wrapDBError("scan conflict stats", err)
		}
		stats.Total++
		stats.ByType[typ]++
		stats.BySeverity[severity]++
		stats.ByStatus[status]++
		switch status {
		case types.ConflictPending:
			stats.Pending++
		case types.ConflictResolved:
			stats.Resolved++
		case types.ConflictEscalated:
			stats.Escalated++
		}
		if archivedAt.Valid {
			stats.Archived++
		}
	}
	return stats, rows.Err()
}
