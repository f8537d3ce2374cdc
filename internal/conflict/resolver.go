package conflict

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fieldworks/caravan/internal/debug"
	"github.com/fieldworks/caravan/internal/eventbus"
	"github.com/fieldworks/caravan/internal/remote"
	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
)

// ErrAlreadyResolved means the conflict was resolved earlier; the record is
// untouched and the original resolution stands.
var ErrAlreadyResolved = errors.New("conflict already resolved")

// ErrResolutionApply means the server rejected the resolved record. The
// conflict stays PENDING with the failure appended to its audit trail.
var ErrResolutionApply = errors.New("resolution apply failed")

// Resolver applies coordinator decisions to detected conflicts and keeps
// the queue and server consistent with each resolution.
type Resolver struct {
	store  storage.Store
	client *remote.Client
	bus    *eventbus.Bus

	now func() time.Time
}

// NewResolver wires a resolver over the store, the sync server, and the
// event bus. The bus may be nil when no consumer listens.
func NewResolver(store storage.Store, client *remote.Client, bus *eventbus.Bus) *Resolver {
	return &Resolver{
		store:  store,
		client: client,
		bus:    bus,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns one conflict by id.
func (r *Resolver) Get(ctx context.Context, id string) (*types.Conflict, error) {
	return r.store.GetConflict(ctx, id)
}

// ListPending returns unresolved conflicts in triage order: severity
// descending, then most recently detected first.
func (r *Resolver) ListPending(ctx context.Context) ([]*types.Conflict, error) {
	status := types.ConflictPending
	conflicts, err := r.store.ListConflicts(ctx, types.ConflictFilter{Status: &status})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(conflicts, func(i, j int) bool {
		if conflicts[i].Severity.Rank() != conflicts[j].Severity.Rank() {
			return conflicts[i].Severity.Rank() > conflicts[j].Severity.Rank()
		}
		return conflicts[i].DetectedAt.After(conflicts[j].DetectedAt)
	})
	return conflicts, nil
}

// List returns conflicts matching the filter, newest first.
func (r *Resolver) List(ctx context.Context, filter types.ConflictFilter) ([]*types.Conflict, error) {
	return r.store.ListConflicts(ctx, filter)
}

// Stats aggregates conflict counts by type, severity, and status.
func (r *Resolver) Stats(ctx context.Context) (*types.ConflictStats, error) {
	return r.store.ConflictStats(ctx)
}

// Resolve applies a coordinator's decision to a pending or escalated
// conflict. The resolved record is written to the server first (SERVER_WINS
// needs no write), then the server is notified, and only then does the
// conflict flip to RESOLVED, the superseded queue item disappear, and the
// entity unblock. A server rejection leaves the conflict PENDING with a
// RESOLUTION_FAILED entry appended to the audit trail.
func (r *Resolver) Resolve(ctx context.Context, id string, strategy types.ResolutionStrategy, mergedData types.Payload, coordinatorID, justification string) (*types.Conflict, error) {
	if coordinatorID == "" {
		return nil, fmt.Errorf("coordinator id is required")
	}
	if !strategy.IsValid() {
		return nil, fmt.Errorf("invalid resolution strategy: %s", strategy)
	}
	if strategy == types.ResolutionManual && len(mergedData) == 0 {
		return nil, fmt.Errorf("manual resolution requires merged data")
	}

	c, err := r.store.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == types.ConflictResolved {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrAlreadyResolved)
	}

	now := r.now()
	resolved, err := Resolved(c, strategy, mergedData, now)
	if err != nil {
		return nil, fmt.Errorf("conflict %s: %w", id, err)
	}

	if err := r.apply(ctx, c, strategy, resolved, coordinatorID, justification); err != nil {
		r.recordApplyFailure(ctx, c, strategy, coordinatorID, err)
		return nil, fmt.Errorf("conflict %s: %w: %v", id, ErrResolutionApply, err)
	}

	finalVersion, _ := resolved.Version()
	c.Status = types.ConflictResolved
	c.ResolutionStrategy = strategy
	c.ResolvedBy = coordinatorID
	c.ResolvedAt = &now
	c.Justification = justification
	c.AuditTrail = append(c.AuditTrail, types.AuditEntry{
		Timestamp:   now,
		Action:      types.AuditConflictResolved,
		PerformedBy: coordinatorID,
		Details: map[string]any{
			"strategy":      string(strategy),
			"justification": justification,
			"finalVersion":  finalVersion,
		},
	})

	err = r.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.UpdateConflict(ctx, c); err != nil {
			return err
		}
		if c.QueueItemID == "" {
			return nil
		}
		if err := tx.RemoveItem(ctx, c.QueueItemID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist resolution for %s: %w", id, err)
	}

	r.publish(ctx, &eventbus.Event{
		Type:       eventbus.EventConflictResolved,
		EntityKind: string(c.EntityKind),
		EntityID:   c.EntityID,
		ConflictID: c.ID,
		ItemID:     c.QueueItemID,
		Actor:      coordinatorID,
		Details: map[string]any{
			"strategy": string(strategy),
			"severity": string(c.Severity),
		},
	})
	return c, nil
}

// apply pushes the resolved record to the server and reports the outcome.
// Both calls share one request id so server-side dedup sees one resolution.
func (r *Resolver) apply(ctx context.Context, c *types.Conflict, strategy types.ResolutionStrategy, resolved types.Payload, coordinatorID, justification string) error {
	requestID := uuid.NewString()
	if strategy != types.ResolutionServerWins {
		if _, err := r.client.UpdateEntity(ctx, c.EntityKind, c.EntityID, resolved, requestID); err != nil {
			return fmt.Errorf("put resolved record: %w", err)
		}
	}
	err := r.client.ResolveConflict(ctx, remote.ConflictResolution{
		ConflictID:    c.ID,
		EntityKind:    c.EntityKind,
		EntityID:      c.EntityID,
		Strategy:      string(strategy),
		ResolvedBy:    coordinatorID,
		Justification: justification,
		ResolvedData:  resolved,
	}, requestID)
	if err != nil {
		return fmt.Errorf("notify resolution: %w", err)
	}
	return nil
}

// recordApplyFailure appends a RESOLUTION_FAILED audit entry. The conflict
// stays PENDING; persistence here is best effort since the caller already
// has an error to surface.
func (r *Resolver) recordApplyFailure(ctx context.Context, c *types.Conflict, strategy types.ResolutionStrategy, coordinatorID string, cause error) {
	c.AuditTrail = append(c.AuditTrail, types.AuditEntry{
		Timestamp:   r.now(),
		Action:      types.AuditResolutionFailed,
		PerformedBy: coordinatorID,
		Details: map[string]any{
			"strategy": string(strategy),
			"error":    cause.Error(),
		},
	})
	if err := r.store.UpdateConflict(ctx, c); err != nil {
		debug.Logf("conflict: persist apply failure for %s: %v\n", c.ID, err)
	}
}

// Escalate hands a pending conflict to a higher authority. The linked queue
// item stays blocked until someone resolves the conflict.
func (r *Resolver) Escalate(ctx context.Context, id, coordinatorID, reason string) (*types.Conflict, error) {
	if coordinatorID == "" {
		return nil, fmt.Errorf("coordinator id is required")
	}
	c, err := r.store.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == types.ConflictResolved {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrAlreadyResolved)
	}

	now := r.now()
	c.Status = types.ConflictEscalated
	c.ResolvedBy = coordinatorID
	c.ResolvedAt = &now
	c.Justification = reason
	c.AuditTrail = append(c.AuditTrail, types.AuditEntry{
		Timestamp:   now,
		Action:      types.AuditConflictEscalated,
		PerformedBy: coordinatorID,
		Details:     map[string]any{"reason": reason},
	})
	if err := r.store.UpdateConflict(ctx, c); err != nil {
		return nil, fmt.Errorf("persist escalation for %s: %w", id, err)
	}
	return c, nil
}

// ArchiveResolvedOlderThan tombstones conflicts resolved more than the
// given number of days ago and reports how many were archived.
func (r *Resolver) ArchiveResolvedOlderThan(ctx context.Context, days int) (int, error) {
	if days < 0 {
		return 0, fmt.Errorf("archive days cannot be negative (got %d)", days)
	}
	cutoff := r.now().AddDate(0, 0, -days)
	return r.store.ArchiveResolvedConflicts(ctx, cutoff)
}

func (r *Resolver) publish(ctx context.Context, event *eventbus.Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Dispatch(ctx, event); err != nil {
		debug.Logf("conflict: dispatch %s: %v\n", event.Type, err)
	}
}
