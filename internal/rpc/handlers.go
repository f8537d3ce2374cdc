package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fieldworks/caravan/internal/eventbus"
	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
)

func unmarshalArgs(req *Request, v any) error {
	if len(req.Args) == 0 {
		return nil
	}
	return json.Unmarshal(req.Args, v)
}

func (s *Server) actorFor(req *Request) string {
	if req.Actor != "" {
		return req.Actor
	}
	return s.actor
}

func (s *Server) publishQueueUpdated(ctx context.Context, actor string) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Dispatch(ctx, &eventbus.Event{
		Type:      eventbus.EventQueueUpdated,
		Timestamp: s.now(),
		Actor:     actor,
	})
}

func (s *Server) kick() {
	if s.Kick != nil {
		s.Kick()
	}
}

func (s *Server) handlePing(_ context.Context, _ *Request) Response {
	return success(PingResult{Message: "pong", Version: ServerVersion})
}

func (s *Server) handleStatus(ctx context.Context, _ *Request) Response {
	now := s.now()
	summary, err := s.store.Summary(ctx, now)
	if err != nil {
		return failf("summarize queue: %v", err)
	}

	updates := map[string]int{}
	for _, u := range s.coordinator.ListUpdates(nil) {
		updates[string(u.Status)]++
	}

	return success(StatusResult{
		Version:       ServerVersion,
		PID:           os.Getpid(),
		StartedAt:     s.startTime,
		UptimeSeconds: now.Sub(s.startTime).Seconds(),
		SocketPath:    s.socketPath,
		Actor:         s.actor,
		Queue:         summary,
		Updates:       updates,
	})
}

func (s *Server) handleShutdown(_ context.Context, _ *Request) Response {
	s.pendingShutdown.Store(true)
	return success(map[string]string{"message": "daemon shutting down"})
}

func (s *Server) handleQueueSummary(ctx context.Context, _ *Request) Response {
	summary, err := s.store.Summary(ctx, s.now())
	if err != nil {
		return failf("summarize queue: %v", err)
	}
	return success(summary)
}

func (s *Server) handleQueueList(ctx context.Context, req *Request) Response {
	var args QueueListArgs
	if err := unmarshalArgs(req, &args); err != nil {
		return failf("invalid arguments: %v", err)
	}
	filter, err := args.Filter(s.now())
	if err != nil {
		return failf("%v", err)
	}
	items, err := s.store.ListItems(ctx, filter)
	if err != nil {
		return failf("list queue: %v", err)
	}
	return success(items)
}

// handleQueueRetry makes a failed item claimable again. Terminal items get
// a fresh retry budget on top of the attempts already burned; items parked
// behind a conflict are rejected because only resolution unblocks them.
func (s *Server) handleQueueRetry(ctx context.Context, req *Request) Response {
	var args QueueItemArgs
	if err := unmarshalArgs(req, &args); err != nil {
		return failf("invalid arguments: %v", err)
	}
	if args.ID == "" {
		return failf("id is required")
	}

	item, err := storage.Mutate(ctx, s.store, args.ID, func(it *types.QueueItem) error {
		if it.BlockedBy != "" {
			return fmt.Errorf("item is blocked by conflict %s; resolve it first", it.BlockedBy)
		}
		if it.TerminalFailed() {
			it.MaxRetries = it.RetryCount + s.tuning.MaxRetries
		}
		it.LastError = ""
		it.NextAttemptAt = nil
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return failf("queue item %s not found", args.ID)
		}
		return failf("retry %s: %v", args.ID, err)
	}

	s.publishQueueUpdated(ctx, s.actorFor(req))
	s.kick()
	return success(item)
}

func (s *Server) handleQueueRemove(ctx context.Context, req *Request) Response {
	var args QueueItemArgs
	if err := unmarshalArgs(req, &args); err != nil {
		return failf("invalid arguments: %v", err)
	}
	if args.ID == "" {
		return failf("id is required")
	}

	item, err := s.store.GetItem(ctx, args.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return failf("queue item %s not found", args.ID)
		}
		return failf("remove %s: %v", args.ID, err)
	}
	if err := s.store.RemoveItem(ctx, args.ID); err != nil {
		return failf("remove %s: %v", args.ID, err)
	}

	s.publishQueueUpdated(ctx, s.actorFor(req))
	return success(item)
}

func (s *Server) handleOverridePriority(ctx context.Context, req *Request) Response {
	var args OverridePriorityArgs
	if err := unmarshalArgs(req, &args); err != nil {
		return failf("invalid arguments: %v", err)
	}
	if args.ID == "" {
		return failf("id is required")
	}

	var item *types.QueueItem
	var err error
	if args.Clear {
		item, err = s.registry.ClearOverride(ctx, args.ID)
	} else {
		item, err = s.registry.OverridePriority(ctx, args.ID, args.Score, s.actorFor(req), args.Justification)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return failf("queue item %s not found", args.ID)
		}
		return failf("override %s: %v", args.ID, err)
	}

	s.publishQueueUpdated(ctx, s.actorFor(req))
	return success(item)
}

func (s *Server) handleConflictList(ctx context.Context, req *Request) Response {
	var args ConflictListArgs
	if err := unmarshalArgs(req, &args); err != nil {
		return failf("invalid arguments: %v", err)
	}
	filter, err := args.Filter()
	if err != nil {
		return failf("%v", err)
	}
	conflicts, err := s.resolver.List(ctx, filter)
	if err != nil {
		return failf("list conflicts: %v", err)
	}
	return success(conflicts)
}

func (s *Server) handleConflictShow(ctx context.Context, req *Request) Response {
	var args ConflictShowArgs
	if err := unmarshalArgs(req, &args); err != nil {
		return failf("invalid arguments: %v", err)
	}
	if args.ID == "" {
		return failf("id is required")
	}
	c, err := s.resolver.Get(ctx, args.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return failf("conflict %s not found", args.ID)
		}
		return failf("show %s: %v", args.ID, err)
	}
	return success(c)
}

func (s *Server) handleConflictStats(ctx context.Context, _ *Request) Response {
	stats, err := s.resolver.Stats(ctx)
	if err != nil {
		return failf("conflict stats: %v", err)
	}
	return success(stats)
}

func (s *Server) handleConflictResolve(ctx context.Context, req *Request) Response {
	var args ConflictResolveArgs
	if err := unmarshalArgs(req, &args); err != nil {
		return failf("invalid arguments: %v", err)
	}
	if args.ID == "" {
		return failf("id is required")
	}
	strategy := types.ResolutionStrategy(args.Strategy)
	if !strategy.IsValid() {
		return failf("invalid resolution strategy %q", args.Strategy)
	}

	resolved, err := s.resolver.Resolve(ctx, args.ID, strategy, args.MergedData, s.actorFor(req), args.Justification)
	if err != nil {
		return failf("resolve %s: %v", args.ID, err)
	}

	// Resolution can put the blocked item back in play.
	s.kick()
	return success(resolved)
}

func (s *Server) handleUpdateList(_ context.Context, req *Request) Response {
	var args UpdateListArgs
	if err := unmarshalArgs(req, &args); err != nil {
		return failf("invalid arguments: %v", err)
	}
	var filter *types.UpdateStatus
	if args.Status != "" {
		status := types.UpdateStatus(args.Status)
		switch status {
		case types.UpdatePending, types.UpdateConfirmed, types.UpdateFailed, types.UpdateRolledBack:
			filter = &status
		default:
			return failf("invalid update status %q", args.Status)
		}
	}
	return success(s.coordinator.ListUpdates(filter))
}

func (s *Server) handleUpdateRetry(ctx context.Context, req *Request) Response {
	var args UpdateRetryArgs
	if err := unmarshalArgs(req, &args); err != nil {
		return failf("invalid arguments: %v", err)
	}
	if args.ID == "" {
		return failf("id is required")
	}
	u, err := s.coordinator.Retry(ctx, args.ID)
	if err != nil {
		return failf("%v", err)
	}
	return success(u)
}

func (s *Server) handleUpdateRollback(ctx context.Context, req *Request) Response {
	var args UpdateRollbackArgs
	if err := unmarshalArgs(req, &args); err != nil {
		return failf("invalid arguments: %v", err)
	}
	if args.ID == "" {
		return failf("id is required")
	}
	u, err := s.coordinator.Rollback(ctx, args.ID, args.Reason)
	if err != nil {
		// The update may still have transitioned (e.g. the server had
		// already applied it); the error text carries that nuance.
		return failf("%v", err)
	}
	return success(u)
}

func (s *Server) handleRollbackAllFailed(ctx context.Context, _ *Request) Response {
	n, err := s.coordinator.RollbackAllFailed(ctx)
	if err != nil {
		return failf("rollback all failed: %v", err)
	}
	return success(RollbackAllResult{RolledBack: n})
}
