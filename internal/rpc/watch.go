package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/fieldworks/caravan/internal/eventbus"
)

const (
	defaultWatchTimeout = 30 * time.Second
	maxWatchTimeout     = 60 * time.Second
)

// watchClock is the long-poll cursor: every state-changing event advances
// it and wakes blocked queue_watch calls. Timestamps are unix milliseconds
// and strictly monotone so a client never re-observes the same cursor.
type watchClock struct {
	mu     sync.Mutex
	lastMs int64
	notify chan struct{}
}

// newWatchClock starts the cursor at the current time so a client's very
// first cursor is non-zero and can be long-polled against.
func newWatchClock() *watchClock {
	return &watchClock{
		lastMs: time.Now().UnixMilli(),
		notify: make(chan struct{}),
	}
}

func (w *watchClock) bump(ts time.Time) {
	w.mu.Lock()
	ms := ts.UnixMilli()
	if ms <= w.lastMs {
		ms = w.lastMs + 1
	}
	w.lastMs = ms
	close(w.notify)
	w.notify = make(chan struct{})
	w.mu.Unlock()
}

// cursor returns the current position and a channel closed on the next
// bump.
func (w *watchClock) cursor() (int64, <-chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastMs, w.notify
}

// handler subscribes the clock to every event a UI could be waiting on.
// It runs after the state-owning handlers so a woken watcher reads the
// transition it was woken for.
func (w *watchClock) handler() eventbus.Handler {
	return &eventbus.HandlerFunc{
		Name: "rpc-watch-clock",
		Types: []eventbus.EventType{
			eventbus.EventQueueUpdated,
			eventbus.EventItemSynced,
			eventbus.EventItemFailed,
			eventbus.EventConflictDetected,
			eventbus.EventConflictResolved,
			eventbus.EventUpdateApplied,
			eventbus.EventUpdateConfirmed,
			eventbus.EventUpdateFailed,
			eventbus.EventUpdateRolledBack,
		},
		Order: 100,
		Fn: func(_ context.Context, event *eventbus.Event) error {
			w.bump(event.Timestamp)
			return nil
		},
	}
}

// handleQueueWatch blocks until the clock passes args.Since, then returns
// the filtered queue state. Since zero means "whatever is there now".
func (s *Server) handleQueueWatch(ctx context.Context, req *Request) Response {
	var args QueueWatchArgs
	if err := unmarshalArgs(req, &args); err != nil {
		return failf("invalid arguments: %v", err)
	}

	timeout := defaultWatchTimeout
	if args.TimeoutMs > 0 {
		timeout = time.Duration(args.TimeoutMs) * time.Millisecond
	}
	if timeout > maxWatchTimeout {
		timeout = maxWatchTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	changed := true
	for {
		cursor, wake := s.watch.cursor()
		if args.Since == 0 || cursor > args.Since {
			return s.queueWatchState(ctx, args, cursor, changed)
		}

		select {
		case <-wake:
		case <-deadline.C:
			// Timed out with nothing new; the client re-polls with the
			// same cursor.
			changed = false
			cursor, _ := s.watch.cursor()
			return s.queueWatchState(ctx, args, cursor, changed)
		case <-ctx.Done():
			return failf("daemon shutting down")
		}
	}
}

func (s *Server) queueWatchState(ctx context.Context, args QueueWatchArgs, cursor int64, changed bool) Response {
	now := s.now()
	filter, err := args.Filter(now)
	if err != nil {
		return failf("%v", err)
	}
	items, err := s.store.ListItems(ctx, filter)
	if err != nil {
		return failf("list queue: %v", err)
	}
	summary, err := s.store.Summary(ctx, now)
	if err != nil {
		return failf("summarize queue: %v", err)
	}
	return success(QueueWatchResult{
		Items:          items,
		Summary:        summary,
		LastMutationMs: cursor,
		Changed:        changed,
	})
}
