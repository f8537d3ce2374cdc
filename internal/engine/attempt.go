package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fieldworks/caravan/internal/conflict"
	"github.com/fieldworks/caravan/internal/eventbus"
	"github.com/fieldworks/caravan/internal/remote"
	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
)

// outcome is what a single attempt left behind.
type outcome int

const (
	outcomeSynced   outcome = iota // applied and removed
	outcomeSkipped                 // item vanished mid-batch (rolled back)
	outcomeRetry                   // transient failure, backoff scheduled
	outcomeConflict                // blocked on a recorded conflict
	outcomeTerminal                // needs operator attention
)

func (o outcome) String() string {
	switch o {
	case outcomeSynced:
		return "synced"
	case outcomeSkipped:
		return "skipped"
	case outcomeRetry:
		return "retry"
	case outcomeConflict:
		return "conflict"
	case outcomeTerminal:
		return "terminal"
	}
	return "unknown"
}

// attemptItem runs the sync protocol for one claimed item: fetch the
// server record, detect conflicts, apply, remove after the ack. The error
// return is reserved for cancellation and store failures; protocol
// failures turn into retry/conflict/terminal outcomes.
func (e *Engine) attemptItem(ctx context.Context, worker string, item *types.QueueItem) (outcome, error) {
	// Trailing batch items can be in states the claim only checks on the
	// entity head.
	if item.BlockedBy != "" {
		return outcomeConflict, nil
	}
	if item.TerminalFailed() {
		return outcomeTerminal, nil
	}
	now := e.now()
	if item.NextAttemptAt != nil && item.NextAttemptAt.After(now) {
		return outcomeRetry, nil
	}

	started := time.Now()
	fresh, err := storage.Mutate(ctx, e.store, item.ID, func(it *types.QueueItem) error {
		it.RetryCount++
		it.LastAttemptAt = &now
		it.LastError = ""
		it.NextAttemptAt = nil
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeRetry, fmt.Errorf("start attempt on %s: %w", item.ID, err)
	}
	item = fresh

	e.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity.kind", string(item.EntityKind)),
		attribute.String("action", string(item.Action)),
	))

	out, err := e.execute(ctx, worker, item)
	if err != nil {
		return out, err
	}
	e.results.Add(ctx, 1, metric.WithAttributes(attribute.String("result", out.String())))
	e.latency.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(attribute.String("result", out.String())))
	return out, nil
}

// execute talks to the server and settles the item's fate.
func (e *Engine) execute(ctx context.Context, worker string, item *types.QueueItem) (outcome, error) {
	server, err := e.client.FetchEntity(ctx, item.EntityKind, item.EntityID)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		server = nil
	case err != nil:
		return e.settleError(ctx, item, fmt.Errorf("fetch %s: %w", item.Key(), err))
	}

	if server == nil {
		switch item.Action {
		case types.ActionCreate:
			if _, err := e.client.CreateEntity(ctx, item.EntityKind, item.Payload, item.ID); err != nil {
				return e.settleError(ctx, item, fmt.Errorf("create %s: %w", item.Key(), err))
			}
			return e.complete(ctx, item)
		case types.ActionDelete:
			// Nothing to delete; the intent already holds.
			return e.complete(ctx, item)
		default:
			return e.terminal(ctx, item, fmt.Errorf("entity %s not found on server", item.Key()))
		}
	}

	if c := e.detect(item, server); c != nil {
		return e.block(ctx, item, c)
	}

	switch item.Action {
	case types.ActionDelete:
		err = e.client.DeleteEntity(ctx, item.EntityKind, item.EntityID, item.ID)
		if errors.Is(err, remote.ErrNotFound) {
			err = nil
		}
	default:
		// CREATE over an existing record behaves like UPDATE: another
		// device won the creation race and ours overlays it.
		_, err = e.client.UpdateEntity(ctx, item.EntityKind, item.EntityID,
			mergedRecord(server, item, e.now()), item.ID)
	}
	if err == nil {
		return e.complete(ctx, item)
	}
	if remote.IsConflict(err) {
		return e.settleServerConflict(ctx, worker, item, err)
	}
	return e.settleError(ctx, item, fmt.Errorf("apply %s %s: %w", item.Action, item.Key(), err))
}

// settleServerConflict re-reads the entity after a 409/412 and records the
// conflict the rejection implies. When the fresh record shows no skew the
// attempt retries; the next pass reads consistent state.
func (e *Engine) settleServerConflict(ctx context.Context, worker string, item *types.QueueItem, cause error) (outcome, error) {
	server, err := e.client.FetchEntity(ctx, item.EntityKind, item.EntityID)
	if err != nil {
		return e.settleError(ctx, item, fmt.Errorf("refetch after conflict on %s: %w", item.Key(), err))
	}
	if c := e.detect(item, server); c != nil {
		return e.block(ctx, item, c)
	}
	return e.scheduleRetry(ctx, item, cause)
}

func (e *Engine) detect(item *types.QueueItem, server types.Payload) *types.Conflict {
	detectedBy := e.actor
	if detectedBy == "" {
		detectedBy = e.owner
	}
	return conflict.Detect(item, server, conflict.Options{
		Window:     e.tuning.ConcurrentEditWindow,
		DetectedBy: detectedBy,
		Now:        e.now(),
	})
}

// complete removes the item after the server ack. Removal is the commit
// point: a crash before it re-attempts, and the stable request id makes
// the duplicate apply harmless.
func (e *Engine) complete(ctx context.Context, item *types.QueueItem) (outcome, error) {
	if err := e.store.RemoveItem(ctx, item.ID); err != nil {
		return outcomeRetry, fmt.Errorf("remove synced item %s: %w", item.ID, err)
	}
	e.publish(ctx, &eventbus.Event{
		Type:       eventbus.EventItemSynced,
		EntityKind: string(item.EntityKind),
		EntityID:   item.EntityID,
		ItemID:     item.ID,
		Details:    map[string]any{"action": string(item.Action), "retryCount": item.RetryCount},
	})
	e.publish(ctx, &eventbus.Event{Type: eventbus.EventQueueUpdated})
	return outcomeSynced, nil
}

// block records the conflict and parks the item on it, atomically so a
// crash can't leave a conflict without its blocked item or vice versa.
func (e *Engine) block(ctx context.Context, item *types.QueueItem, c *types.Conflict) (outcome, error) {
	var txErr error
	for tries := 0; tries < 3; tries++ {
		txErr = e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			fresh, err := tx.GetItem(ctx, item.ID)
			if err != nil {
				return err
			}
			fresh.BlockedBy = c.ID
			fresh.LastError = "blocked by conflict " + c.ID
			fresh.NextAttemptAt = nil
			if err := tx.UpdateItem(ctx, fresh); err != nil {
				return err
			}
			return tx.CreateConflict(ctx, c)
		})
		if !errors.Is(txErr, storage.ErrStaleVersion) {
			break
		}
	}
	if errors.Is(txErr, storage.ErrNotFound) {
		// Rolled back while we were detecting; nothing to block.
		return outcomeSkipped, nil
	}
	if txErr != nil {
		return outcomeRetry, fmt.Errorf("block %s on conflict: %w", item.ID, txErr)
	}

	e.detected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("conflict.type", string(c.Type)),
		attribute.String("conflict.severity", string(c.Severity)),
	))
	e.publish(ctx, &eventbus.Event{
		Type:       eventbus.EventConflictDetected,
		EntityKind: string(c.EntityKind),
		EntityID:   c.EntityID,
		ItemID:     item.ID,
		ConflictID: c.ID,
		Details: map[string]any{
			"type":     string(c.Type),
			"severity": string(c.Severity),
			"fields":   c.ConflictFields,
		},
	})
	e.publish(ctx, &eventbus.Event{Type: eventbus.EventQueueUpdated})
	return outcomeConflict, nil
}

// settleError sorts an attempt error into retry or terminal. Cancellation
// is neither: the attempt just stops and the lease release lets another
// worker pick the item up later.
func (e *Engine) settleError(ctx context.Context, item *types.QueueItem, cause error) (outcome, error) {
	if ctx.Err() != nil {
		return outcomeRetry, ctx.Err()
	}
	if !remote.Transient(cause) {
		return e.terminal(ctx, item, cause)
	}
	if item.MaxRetries > 0 && item.RetryCount >= item.MaxRetries {
		return e.terminal(ctx, item, cause)
	}
	return e.scheduleRetry(ctx, item, cause)
}

func (e *Engine) scheduleRetry(ctx context.Context, item *types.QueueItem, cause error) (outcome, error) {
	next := e.now().Add(retryDelay(e.tuning.BackoffBase, e.tuning.BackoffMax, item.RetryCount))
	updated, err := storage.Mutate(ctx, e.store, item.ID, func(it *types.QueueItem) error {
		it.LastError = cause.Error()
		it.NextAttemptAt = &next
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeRetry, fmt.Errorf("schedule retry for %s: %w", item.ID, err)
	}

	e.publish(ctx, &eventbus.Event{
		Type:       eventbus.EventItemFailed,
		EntityKind: string(item.EntityKind),
		EntityID:   item.EntityID,
		ItemID:     item.ID,
		Error:      cause.Error(),
		Details: map[string]any{
			"terminal":      false,
			"retryCount":    updated.RetryCount,
			"nextAttemptAt": next.Format(time.RFC3339Nano),
		},
	})
	e.publish(ctx, &eventbus.Event{Type: eventbus.EventQueueUpdated})
	return outcomeRetry, nil
}

// terminal parks the item for operator attention. Pinning the ceiling to
// the attempts made keeps it out of the claim query even when the failure
// was permanent rather than exhaustion.
func (e *Engine) terminal(ctx context.Context, item *types.QueueItem, cause error) (outcome, error) {
	updated, err := storage.Mutate(ctx, e.store, item.ID, func(it *types.QueueItem) error {
		it.LastError = cause.Error()
		it.NextAttemptAt = nil
		if it.MaxRetries == 0 || it.RetryCount < it.MaxRetries {
			it.MaxRetries = it.RetryCount
		}
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeRetry, fmt.Errorf("mark %s terminal: %w", item.ID, err)
	}

	e.publish(ctx, &eventbus.Event{
		Type:       eventbus.EventItemFailed,
		EntityKind: string(item.EntityKind),
		EntityID:   item.EntityID,
		ItemID:     item.ID,
		Error:      cause.Error(),
		Details: map[string]any{
			"terminal":   true,
			"retryCount": updated.RetryCount,
		},
	})
	e.publish(ctx, &eventbus.Event{Type: eventbus.EventQueueUpdated})
	return outcomeTerminal, nil
}

// mergedRecord is the PUT body for a clean apply: the server record as
// base, the local mutation overlaid, version bumped from the server's.
func mergedRecord(server types.Payload, item *types.QueueItem, now time.Time) types.Payload {
	out := server.Clone()
	if out == nil {
		out = types.Payload{}
	}
	for k, v := range item.Payload {
		out[k] = v
	}
	v, _ := server.Version()
	out.SetVersion(v + 1)
	out.SetUpdatedAt(now)
	return out
}

// retryDelay computes the jittered exponential backoff for the given
// attempt number (1-based). The policy object is rebuilt per call because
// the delay must derive from persisted attempt counts, not in-memory
// iterator state.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = base
	policy.MaxInterval = max
	policy.MaxElapsedTime = 0

	delay := policy.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}
