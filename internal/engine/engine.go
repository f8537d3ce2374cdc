// Package engine drains the durable queue against the sync server.
//
// Workers claim whole entities so per-entity order is preserved: the claim
// offers only the oldest item of each entity and the batch rides along. A
// failed or conflicted item stops its entity; other entities keep flowing.
package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/fieldworks/caravan/internal/config"
	"github.com/fieldworks/caravan/internal/debug"
	"github.com/fieldworks/caravan/internal/eventbus"
	"github.com/fieldworks/caravan/internal/remote"
	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
)

// defaultPoll is how long an idle worker sleeps between claim attempts
// when nothing kicks it awake sooner.
const defaultPoll = 2 * time.Second

// Engine owns the sync workers. Construct with New, then either Run for
// the daemon loop or Drain for a one-shot pass.
type Engine struct {
	store  storage.Store
	client *remote.Client
	bus    *eventbus.Bus
	tuning config.Tuning
	actor  string

	// PollInterval bounds how long an idle worker waits before polling
	// the queue again. Kick cuts the wait short.
	PollInterval time.Duration

	owner string
	kick  chan struct{}
	now   func() time.Time

	tracer   trace.Tracer
	attempts metric.Int64Counter
	results  metric.Int64Counter
	detected metric.Int64Counter
	latency  metric.Float64Histogram
}

// New wires an engine over the store, the sync server, and the event bus.
// The actor stamps detected conflicts and audit entries.
func New(store storage.Store, client *remote.Client, bus *eventbus.Bus, tuning config.Tuning, actor string) *Engine {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "caravan"
	}
	e := &Engine{
		store:        store,
		client:       client,
		bus:          bus,
		tuning:       tuning,
		actor:        actor,
		PollInterval: defaultPoll,
		owner:        fmt.Sprintf("%s-%d", host, os.Getpid()),
		kick:         make(chan struct{}, 1),
		now:          func() time.Time { return time.Now().UTC() },
	}
	e.initInstruments()
	return e
}

func (e *Engine) initInstruments() {
	e.tracer = otel.Tracer("caravan/engine")
	meter := otel.Meter("caravan/engine")

	var err error
	if e.attempts, err = meter.Int64Counter("caravan.sync.attempts",
		metric.WithDescription("Sync attempts started.")); err != nil {
		otel.Handle(err)
	}
	if e.results, err = meter.Int64Counter("caravan.sync.results",
		metric.WithDescription("Sync attempt outcomes by result.")); err != nil {
		otel.Handle(err)
	}
	if e.detected, err = meter.Int64Counter("caravan.conflicts.detected",
		metric.WithDescription("Conflicts detected during sync.")); err != nil {
		otel.Handle(err)
	}
	if e.latency, err = meter.Float64Histogram("caravan.sync.duration",
		metric.WithDescription("Per-item sync attempt duration."),
		metric.WithUnit("s")); err != nil {
		otel.Handle(err)
	}

	depth, err := meter.Int64ObservableGauge("caravan.queue.depth",
		metric.WithDescription("Items waiting in the queue."))
	if err != nil {
		otel.Handle(err)
		return
	}
	if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		summary, err := e.store.Summary(ctx, e.now())
		if err != nil {
			return err
		}
		o.ObserveInt64(depth, int64(summary.TotalItems))
		return nil
	}, depth); err != nil {
		otel.Handle(err)
	}
}

// Run executes the worker pool until the context is cancelled. The pool
// size comes from the sync-concurrency tuning knob.
func (e *Engine) Run(ctx context.Context) error {
	workers := e.tuning.SyncConcurrency
	if workers < 1 {
		workers = 1
	}
	debug.Logf("engine: starting %d workers as %s\n", workers, e.owner)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		worker := fmt.Sprintf("%s.w%d", e.owner, i)
		g.Go(func() error { return e.runWorker(ctx, worker) })
	}
	return g.Wait()
}

// Kick wakes idle workers without waiting for the poll interval. Safe to
// call from any goroutine; concurrent kicks coalesce.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Drain claims and processes entities until nothing is claimable, then
// returns how many items synced. Used by the one-shot CLI path and tests;
// the daemon uses Run instead.
func (e *Engine) Drain(ctx context.Context) (int, error) {
	worker := e.owner + ".drain"
	synced := 0
	for {
		n, claimed, err := e.syncNextEntity(ctx, worker)
		synced += n
		if err != nil {
			return synced, err
		}
		if !claimed {
			return synced, nil
		}
	}
}

func (e *Engine) runWorker(ctx context.Context, worker string) error {
	for {
		_, claimed, err := e.syncNextEntity(ctx, worker)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Store or transport trouble; back off rather than spin.
			debug.Logf("engine: %s: %v\n", worker, err)
		}
		if claimed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.kick:
		case <-time.After(e.PollInterval):
		}
	}
}

// syncNextEntity claims the best entity and works through its items in
// order. Returns how many items synced and whether anything was claimed.
func (e *Engine) syncNextEntity(ctx context.Context, worker string) (int, bool, error) {
	now := e.now()
	items, err := e.store.ClaimNextEntity(ctx, worker, now, now.Add(e.tuning.LeaseTimeout))
	if err != nil {
		return 0, false, fmt.Errorf("claim next entity: %w", err)
	}
	if len(items) == 0 {
		return 0, false, nil
	}

	key := items[0].Key()
	defer e.release(ctx, worker, key)

	ctx, span := e.tracer.Start(ctx, "engine.syncEntity", trace.WithAttributes(
		attribute.String("entity.kind", string(key.Kind)),
		attribute.String("entity.id", key.ID),
		attribute.Int("entity.items", len(items)),
	))
	defer span.End()

	synced := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return synced, true, err
		}
		if err := e.store.RenewEntityLease(ctx, worker, key, e.now().Add(e.tuning.LeaseTimeout)); err != nil {
			// Lost the lease; another worker owns the entity now.
			return synced, true, nil
		}

		out, err := e.attemptItem(ctx, worker, item)
		if err != nil {
			span.RecordError(err)
			return synced, true, err
		}
		switch out {
		case outcomeSynced:
			synced++
			continue
		case outcomeSkipped:
			continue
		default:
			// Retry, conflict, or terminal failure: per-entity order
			// stops the batch here.
			return synced, true, nil
		}
	}
	return synced, true, nil
}

// release clears the entity lease even when the caller's context is
// already cancelled; a held lease would otherwise pin the entity until
// the lease timeout expires.
func (e *Engine) release(ctx context.Context, worker string, key types.EntityKey) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := e.store.ReleaseEntity(releaseCtx, worker, key); err != nil {
		debug.Logf("engine: release %s: %v\n", key, err)
	}
}

func (e *Engine) publish(ctx context.Context, event *eventbus.Event) {
	if e.bus == nil {
		return
	}
	if event.Actor == "" {
		event.Actor = e.actor
	}
	if err := e.bus.Dispatch(ctx, event); err != nil {
		debug.Logf("engine: dispatch %s: %v\n", event.Type, err)
	}
}
