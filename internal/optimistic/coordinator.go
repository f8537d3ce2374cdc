// Package optimistic couples UI-visible mutations to the durable queue.
//
// Apply records the mutation twice: an OptimisticUpdate the UI renders
// immediately, and a linked QueueItem the sync engine works through. The
// coordinator subscribes to the event bus and moves updates through
// PENDING → CONFIRMED / FAILED as sync outcomes arrive; rollback and retry
// are user actions. Updates live in memory only: after a restart the
// queue itself is the source of truth and the UI re-renders from server
// state plus pending queue items.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fieldworks/caravan/internal/config"
	"github.com/fieldworks/caravan/internal/debug"
	"github.com/fieldworks/caravan/internal/eventbus"
	"github.com/fieldworks/caravan/internal/idgen"
	"github.com/fieldworks/caravan/internal/rules"
	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
)

// ErrUnknownUpdate reports an update id the coordinator is not tracking,
// either because it never existed or because it was swept after settling.
var ErrUnknownUpdate = errors.New("unknown optimistic update")

// ErrAlreadyApplied reports a rollback that raced the sync engine: the
// server took the mutation before the queue item could be removed. The
// update is still marked ROLLED_BACK locally.
var ErrAlreadyApplied = errors.New("update already applied on server")

// idRetries bounds the nonce loop when a content-hash id collides.
const idRetries = 5

// Coordinator tracks optimistic updates and their UI-facing entity states.
type Coordinator struct {
	store  storage.Store
	rules  *rules.Registry
	bus    *eventbus.Bus
	tuning config.Tuning
	actor  string

	// Kick wakes the sync engine after Apply and Retry enqueue work.
	// Left nil in one-shot contexts where no engine is running.
	Kick func()

	mu      sync.Mutex
	updates map[string]*types.OptimisticUpdate
	byItem  map[string]string // queue item id → update id

	now func() time.Time
}

// New builds a coordinator and subscribes it to the bus for sync outcomes.
func New(store storage.Store, reg *rules.Registry, bus *eventbus.Bus, tuning config.Tuning, actor string) *Coordinator {
	c := &Coordinator{
		store:   store,
		rules:   reg,
		bus:     bus,
		tuning:  tuning,
		actor:   actor,
		updates: map[string]*types.OptimisticUpdate{},
		byItem:  map[string]string{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	if bus != nil {
		bus.Register(c)
	}
	return c
}

// Apply records a local mutation, prices it, and enqueues it for sync.
// The returned update is already visible to EntityState; the sync happens
// in the background.
func (c *Coordinator) Apply(ctx context.Context, kind types.EntityKind, entityID string, op types.Action, optimisticData, originalData types.Payload) (*types.OptimisticUpdate, error) {
	now := c.now()

	item := &types.QueueItem{
		ID:         idgen.QueueItemID(string(kind), string(op), entityID, now, 0),
		EntityKind: kind,
		Action:     op,
		EntityID:   entityID,
		Payload:    optimisticData.Clone(),
		MaxRetries: c.tuning.OptimisticMaxRetries,
		CreatedAt:  now,
	}
	if err := item.Validate(); err != nil {
		return nil, fmt.Errorf("apply %s %s/%s: %w", op, kind, entityID, err)
	}
	if err := c.rules.Rescore(ctx, item); err != nil {
		return nil, fmt.Errorf("price %s: %w", item.ID, err)
	}

	u := &types.OptimisticUpdate{
		EntityKind:        kind,
		EntityID:          entityID,
		Operation:         op,
		OptimisticData:    optimisticData.Clone(),
		OriginalData:      originalData.Clone(),
		Status:            types.UpdatePending,
		Timestamp:         now,
		MaxRetries:        c.tuning.OptimisticMaxRetries,
		LinkedQueueItemID: item.ID,
	}

	// Register before enqueueing so a worker that syncs the item
	// immediately still finds the update to confirm.
	c.mu.Lock()
	for nonce := 0; ; nonce++ {
		u.ID = idgen.UpdateID(string(kind), string(op), entityID, now, nonce)
		if _, taken := c.updates[u.ID]; !taken {
			break
		}
		if nonce >= idRetries {
			c.mu.Unlock()
			return nil, fmt.Errorf("apply %s/%s: could not allocate update id", kind, entityID)
		}
	}
	c.updates[u.ID] = u
	c.byItem[item.ID] = u.ID
	c.mu.Unlock()

	if err := c.enqueue(ctx, u, item, now); err != nil {
		c.mu.Lock()
		delete(c.byItem, u.LinkedQueueItemID)
		delete(c.updates, u.ID)
		c.mu.Unlock()
		return nil, err
	}

	c.publish(ctx, &eventbus.Event{
		Type:       eventbus.EventUpdateApplied,
		EntityKind: string(kind),
		EntityID:   entityID,
		ItemID:     item.ID,
		UpdateID:   u.ID,
		Details:    map[string]any{"operation": string(op), "priorityScore": item.PriorityScore},
	})
	c.publish(ctx, &eventbus.Event{Type: eventbus.EventQueueUpdated})
	c.wake()

	c.mu.Lock()
	out := cloneUpdate(u)
	c.mu.Unlock()
	return out, nil
}

// enqueue persists the item, bumping the id nonce past hash collisions.
// The byItem index follows every rename so confirmations keep routing.
func (c *Coordinator) enqueue(ctx context.Context, u *types.OptimisticUpdate, item *types.QueueItem, now time.Time) error {
	for nonce := 0; ; nonce++ {
		err := c.store.Enqueue(ctx, item)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrDuplicateID) || nonce >= idRetries {
			return fmt.Errorf("enqueue %s: %w", item.ID, err)
		}

		renamed := idgen.QueueItemID(string(item.EntityKind), string(item.Action), item.EntityID, now, nonce+1)
		c.mu.Lock()
		delete(c.byItem, item.ID)
		item.ID = renamed
		u.LinkedQueueItemID = renamed
		c.byItem[renamed] = u.ID
		c.mu.Unlock()
	}
}

// Get returns a snapshot of one update.
func (c *Coordinator) Get(updateID string) (*types.OptimisticUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.updates[updateID]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", updateID, ErrUnknownUpdate)
	}
	return cloneUpdate(u), nil
}

// ListUpdates returns tracked updates, newest first, optionally filtered
// by status.
func (c *Coordinator) ListUpdates(status *types.UpdateStatus) []*types.OptimisticUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*types.OptimisticUpdate, 0, len(c.updates))
	for _, u := range c.updates {
		if status != nil && u.Status != *status {
			continue
		}
		out = append(out, cloneUpdate(u))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Retry re-queues a failed update. Valid only while the update is FAILED
// with attempts left, and never for updates parked behind a conflict;
// those unblock through resolution.
func (c *Coordinator) Retry(ctx context.Context, updateID string) (*types.OptimisticUpdate, error) {
	c.mu.Lock()
	u, ok := c.updates[updateID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("retry %s: %w", updateID, ErrUnknownUpdate)
	}
	if u.Status != types.UpdateFailed {
		status := u.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("retry %s: status is %s, not FAILED", updateID, status)
	}
	if u.RetryCount >= u.MaxRetries {
		rc, max := u.RetryCount, u.MaxRetries
		c.mu.Unlock()
		return nil, fmt.Errorf("retry %s: %d of %d attempts used", updateID, rc, max)
	}
	itemID := u.LinkedQueueItemID
	ceiling := u.MaxRetries
	c.mu.Unlock()

	item, err := c.store.GetItem(ctx, itemID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("retry %s: linked queue item %s no longer exists", updateID, itemID)
	}
	if err != nil {
		return nil, err
	}
	if item.BlockedBy != "" {
		return nil, fmt.Errorf("retry %s: blocked by conflict %s; resolve it first", updateID, item.BlockedBy)
	}

	if _, err := storage.Mutate(ctx, c.store, itemID, func(it *types.QueueItem) error {
		it.LastError = ""
		it.NextAttemptAt = nil
		// A terminal failure pinned the ceiling to the attempts made;
		// restore the optimistic budget so the engine offers it again.
		if it.MaxRetries != 0 && it.MaxRetries < ceiling {
			it.MaxRetries = ceiling
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("retry %s: reset queue item: %w", updateID, err)
	}

	c.mu.Lock()
	if u.Status != types.UpdateFailed {
		status := u.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("retry %s: update changed concurrently (now %s)", updateID, status)
	}
	u.Status = types.UpdatePending
	u.Error = ""
	out := cloneUpdate(u)
	c.mu.Unlock()

	c.publish(ctx, &eventbus.Event{Type: eventbus.EventQueueUpdated})
	c.wake()
	return out, nil
}

// Rollback withdraws an update. Confirmed updates cannot be rolled back.
// When the server already applied the mutation the local mark still
// happens and the call reports ErrAlreadyApplied; the returned update
// carries OriginalData so the UI can restore what the user saw before.
func (c *Coordinator) Rollback(ctx context.Context, updateID, reason string) (*types.OptimisticUpdate, error) {
	c.mu.Lock()
	u, ok := c.updates[updateID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("rollback %s: %w", updateID, ErrUnknownUpdate)
	}
	switch u.Status {
	case types.UpdateConfirmed:
		c.mu.Unlock()
		return nil, fmt.Errorf("rollback %s: update is CONFIRMED", updateID)
	case types.UpdateRolledBack:
		c.mu.Unlock()
		return nil, fmt.Errorf("rollback %s: already rolled back", updateID)
	}
	itemID := u.LinkedQueueItemID
	c.mu.Unlock()

	// A sync can still race past the existence check; the confirmation
	// that follows is ignored once the update is terminal.
	var applyErr error
	_, err := c.store.GetItem(ctx, itemID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		applyErr = fmt.Errorf("rollback %s: %w", updateID, ErrAlreadyApplied)
	case err != nil:
		return nil, err
	default:
		if err := c.store.RemoveItem(ctx, itemID); err != nil {
			return nil, fmt.Errorf("rollback %s: remove queue item: %w", updateID, err)
		}
	}

	c.mu.Lock()
	u.Status = types.UpdateRolledBack
	u.Error = reason
	out := cloneUpdate(u)
	c.mu.Unlock()

	c.publish(ctx, &eventbus.Event{
		Type:       eventbus.EventUpdateRolledBack,
		EntityKind: string(out.EntityKind),
		EntityID:   out.EntityID,
		ItemID:     itemID,
		UpdateID:   out.ID,
		Error:      reason,
	})
	c.publish(ctx, &eventbus.Event{Type: eventbus.EventQueueUpdated})
	return out, applyErr
}

// RollbackAllFailed rolls back every FAILED update, best effort, and
// returns how many were marked ROLLED_BACK.
func (c *Coordinator) RollbackAllFailed(ctx context.Context) (int, error) {
	c.mu.Lock()
	var ids []string
	for id, u := range c.updates {
		if u.Status == types.UpdateFailed {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	sort.Strings(ids)

	count := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		_, err := c.Rollback(ctx, id, "bulk rollback of failed updates")
		if err != nil && !errors.Is(err, ErrAlreadyApplied) {
			debug.Logf("optimistic: rollback %s: %v\n", id, err)
			continue
		}
		count++
	}
	return count, nil
}

// EntityState derives the UI state for one entity, or nil when no live
// update references it.
func (c *Coordinator) EntityState(ctx context.Context, kind types.EntityKind, entityID string) (*types.EntityUIState, error) {
	c.mu.Lock()
	u := c.liveUpdateLocked(kind, entityID)
	var snap *types.OptimisticUpdate
	if u != nil {
		snap = cloneUpdate(u)
	}
	c.mu.Unlock()

	if snap == nil {
		return nil, nil
	}
	return c.stateFor(ctx, snap), nil
}

// ListStates derives UI states for every entity with a live update,
// ordered by entity key.
func (c *Coordinator) ListStates(ctx context.Context) ([]*types.EntityUIState, error) {
	c.mu.Lock()
	latest := map[types.EntityKey]*types.OptimisticUpdate{}
	for _, u := range c.updates {
		if u.Status == types.UpdateRolledBack {
			continue
		}
		key := types.EntityKey{Kind: u.EntityKind, ID: u.EntityID}
		if prev, ok := latest[key]; !ok || u.Timestamp.After(prev.Timestamp) {
			latest[key] = u
		}
	}
	snaps := make([]*types.OptimisticUpdate, 0, len(latest))
	for _, u := range latest {
		snaps = append(snaps, cloneUpdate(u))
	}
	c.mu.Unlock()

	states := make([]*types.EntityUIState, 0, len(snaps))
	for _, u := range snaps {
		states = append(states, c.stateFor(ctx, u))
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].EntityKind != states[j].EntityKind {
			return states[i].EntityKind < states[j].EntityKind
		}
		return states[i].EntityID < states[j].EntityID
	})
	return states, nil
}

// liveUpdateLocked picks the newest update still driving UI state for the
// entity. Rolled-back updates stop counting immediately, so after a
// rollback the entity reads as if the update never happened.
func (c *Coordinator) liveUpdateLocked(kind types.EntityKind, entityID string) *types.OptimisticUpdate {
	var best *types.OptimisticUpdate
	for _, u := range c.updates {
		if u.EntityKind != kind || u.EntityID != entityID || u.Status == types.UpdateRolledBack {
			continue
		}
		if best == nil || u.Timestamp.After(best.Timestamp) {
			best = u
		}
	}
	return best
}

// stateFor maps an update snapshot onto the UI state, consulting the
// linked queue item to refine PENDING into SYNCING while a lease is live
// and to withdraw retry offers for conflict-blocked items.
func (c *Coordinator) stateFor(ctx context.Context, u *types.OptimisticUpdate) *types.EntityUIState {
	st := &types.EntityUIState{
		EntityKind:     u.EntityKind,
		EntityID:       u.EntityID,
		LastUpdate:     u.Timestamp,
		ActiveUpdateID: u.ID,
		ErrorMessage:   u.Error,
		RetryCount:     u.RetryCount,
		CanRetry:       u.Status == types.UpdateFailed && u.RetryCount < u.MaxRetries,
		CanRollback:    u.Status == types.UpdatePending || u.Status == types.UpdateFailed,
	}

	switch u.Status {
	case types.UpdateConfirmed:
		st.SyncStatus = types.StatusSynced
		if u.ConfirmedAt != nil {
			st.LastUpdate = *u.ConfirmedAt
		}
	case types.UpdateFailed:
		st.SyncStatus = types.StatusFailed
		item, err := c.store.GetItem(ctx, u.LinkedQueueItemID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && item.BlockedBy != "") {
			st.CanRetry = false
		}
	default:
		st.SyncStatus = types.StatusPending
		item, err := c.store.GetItem(ctx, u.LinkedQueueItemID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// Acked; the confirmation event is still in flight.
			st.SyncStatus = types.StatusSynced
		case err == nil:
			st.SyncStatus = item.DerivedStatus(c.now())
		}
	}
	return st
}

// SweepConfirmed drops settled updates past the confirmed TTL and returns
// how many were removed. Rolled-back updates age out on the same TTL from
// their creation time; they only exist so update listings show the
// outcome briefly.
func (c *Coordinator) SweepConfirmed(now time.Time) int {
	ttl := c.tuning.ConfirmedTTL
	if ttl <= 0 {
		ttl = config.DefaultConfirmedTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, u := range c.updates {
		var since time.Time
		switch u.Status {
		case types.UpdateConfirmed:
			since = u.Timestamp
			if u.ConfirmedAt != nil {
				since = *u.ConfirmedAt
			}
		case types.UpdateRolledBack:
			since = u.Timestamp
		default:
			continue
		}
		if now.Sub(since) >= ttl {
			delete(c.updates, id)
			delete(c.byItem, u.LinkedQueueItemID)
			removed++
		}
	}
	return removed
}

// Run sweeps settled updates until the context is cancelled. The daemon
// runs this alongside the engine; one-shot callers can sweep directly.
func (c *Coordinator) Run(ctx context.Context) error {
	ttl := c.tuning.ConfirmedTTL
	if ttl <= 0 {
		ttl = config.DefaultConfirmedTTL
	}
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := c.SweepConfirmed(c.now()); n > 0 {
				debug.Logf("optimistic: swept %d settled updates\n", n)
			}
		}
	}
}

// ID implements eventbus.Handler.
func (c *Coordinator) ID() string { return "optimistic-coordinator" }

// Handles implements eventbus.Handler.
func (c *Coordinator) Handles() []eventbus.EventType {
	return []eventbus.EventType{
		eventbus.EventItemSynced,
		eventbus.EventItemFailed,
		eventbus.EventConflictDetected,
	}
}

// Priority implements eventbus.Handler. The coordinator transitions before
// later handlers (notifications, watch clocks) observe the event.
func (c *Coordinator) Priority() int { return 0 }

// Handle moves the linked update when sync outcomes arrive. Events for
// items the coordinator never issued are ignored.
func (c *Coordinator) Handle(ctx context.Context, event *eventbus.Event) error {
	c.mu.Lock()
	id, ok := c.byItem[event.ItemID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	u := c.updates[id]
	if u == nil || u.Status.Terminal() {
		c.mu.Unlock()
		return nil
	}

	var follow *eventbus.Event
	switch event.Type {
	case eventbus.EventItemSynced:
		now := c.now()
		u.Status = types.UpdateConfirmed
		u.ConfirmedAt = &now
		u.Error = ""
		follow = &eventbus.Event{
			Type:       eventbus.EventUpdateConfirmed,
			EntityKind: string(u.EntityKind),
			EntityID:   u.EntityID,
			ItemID:     event.ItemID,
			UpdateID:   u.ID,
		}

	case eventbus.EventItemFailed:
		if rc, ok := event.Details["retryCount"].(int); ok {
			u.RetryCount = rc
		}
		u.Error = event.Error
		if terminal, _ := event.Details["terminal"].(bool); terminal {
			u.Status = types.UpdateFailed
			follow = &eventbus.Event{
				Type:       eventbus.EventUpdateFailed,
				EntityKind: string(u.EntityKind),
				EntityID:   u.EntityID,
				ItemID:     event.ItemID,
				UpdateID:   u.ID,
				Error:      u.Error,
				Details:    map[string]any{"retryCount": u.RetryCount},
			}
		}

	case eventbus.EventConflictDetected:
		u.Status = types.UpdateFailed
		u.Error = "conflict " + event.ConflictID + " pending resolution"
		follow = &eventbus.Event{
			Type:       eventbus.EventUpdateFailed,
			EntityKind: string(u.EntityKind),
			EntityID:   u.EntityID,
			ItemID:     event.ItemID,
			ConflictID: event.ConflictID,
			UpdateID:   u.ID,
			Error:      u.Error,
		}
	}
	c.mu.Unlock()

	if follow != nil {
		c.publish(ctx, follow)
	}
	return nil
}

func (c *Coordinator) wake() {
	if c.Kick != nil {
		c.Kick()
	}
}

func (c *Coordinator) publish(ctx context.Context, event *eventbus.Event) {
	if c.bus == nil {
		return
	}
	if event.Actor == "" {
		event.Actor = c.actor
	}
	if err := c.bus.Dispatch(ctx, event); err != nil {
		debug.Logf("optimistic: dispatch %s: %v\n", event.Type, err)
	}
}

func cloneUpdate(u *types.OptimisticUpdate) *types.OptimisticUpdate {
	out := *u
	out.OptimisticData = u.OptimisticData.Clone()
	out.OriginalData = u.OriginalData.Clone()
	if u.ConfirmedAt != nil {
		at := *u.ConfirmedAt
		out.ConfirmedAt = &at
	}
	return &out
}
