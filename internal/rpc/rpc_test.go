package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fieldworks/caravan/internal/config"
	"github.com/fieldworks/caravan/internal/conflict"
	"github.com/fieldworks/caravan/internal/eventbus"
	"github.com/fieldworks/caravan/internal/optimistic"
	"github.com/fieldworks/caravan/internal/remote"
	"github.com/fieldworks/caravan/internal/rules"
	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/storage/sqlite"
	"github.com/fieldworks/caravan/internal/types"
)

type daemonFixture struct {
	server      *Server
	client      *Client
	store       *sqlite.Store
	bus         *eventbus.Bus
	coordinator *optimistic.Coordinator
	socketPath  string
	kicks       atomic.Int32
}

func newDaemon(t *testing.T) *daemonFixture {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	store, err := sqlite.New(ctx, filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	// Accepts the resolver's PUT + resolve notification.
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			var body types.Payload
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(body)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(stub.Close)

	bus := eventbus.New()
	tuning := config.DefaultTuning()
	registry := rules.New(store)
	resolver := conflict.NewResolver(store, remote.New(stub.URL, 5*time.Second), bus)
	coordinator := optimistic.New(store, registry, bus, tuning, "daemon-test")

	f := &daemonFixture{
		store:       store,
		bus:         bus,
		coordinator: coordinator,
		socketPath:  filepath.Join(dir, "caravan.sock"),
	}
	f.server = NewServer(f.socketPath, store, resolver, registry, coordinator, bus, tuning, "daemon-test")
	f.server.Kick = func() { f.kicks.Add(1) }

	go func() { _ = f.server.Start(ctx) }()
	<-f.server.WaitReady()
	t.Cleanup(func() { _ = f.server.Stop() })

	client, err := Connect(f.socketPath)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	client.SetActor("coord-7")
	f.client = client
	return f
}

func enqueueItem(t *testing.T, store storage.Store, id string, kind types.EntityKind, entityID string) *types.QueueItem {
	t.Helper()
	item := &types.QueueItem{
		ID:            id,
		EntityKind:    kind,
		Action:        types.ActionUpdate,
		EntityID:      entityID,
		Payload:       types.Payload{"status": "verified"},
		PriorityLabel: types.LabelHigh,
		PriorityScore: 60,
		MaxRetries:    3,
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
	}
	if err := store.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("Enqueue(%s) error = %v", id, err)
	}
	return item
}

func TestPingAndStatus(t *testing.T) {
	f := newDaemon(t)

	pong, err := f.client.Ping()
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if pong.Message != "pong" || pong.Version != ServerVersion {
		t.Errorf("Ping() = %+v, want pong @ %s", pong, ServerVersion)
	}

	status, err := f.client.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", status.PID, os.Getpid())
	}
	if status.SocketPath != f.socketPath {
		t.Errorf("SocketPath = %q, want %q", status.SocketPath, f.socketPath)
	}
	if status.Queue == nil || status.Queue.TotalItems != 0 {
		t.Errorf("Queue = %+v, want empty summary", status.Queue)
	}
}

func TestTryConnectWithoutDaemon(t *testing.T) {
	client, err := TryConnect(filepath.Join(t.TempDir(), "caravan.sock"))
	if err != nil {
		t.Fatalf("TryConnect() error = %v", err)
	}
	if client != nil {
		t.Fatal("TryConnect() returned a client with no daemon")
	}

	if _, err := Connect(filepath.Join(t.TempDir(), "caravan.sock")); !errors.Is(err, ErrDaemonUnavailable) {
		t.Errorf("Connect() error = %v, want ErrDaemonUnavailable", err)
	}
}

func TestUnknownOperation(t *testing.T) {
	f := newDaemon(t)

	_, err := f.client.Execute("bogus", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown operation") {
		t.Errorf("Execute(bogus) error = %v, want unknown operation", err)
	}
}

func TestQueueListAndSummary(t *testing.T) {
	f := newDaemon(t)
	enqueueItem(t, f.store, "itm-r1", types.KindAssessment, "asm-1")
	enqueueItem(t, f.store, "itm-r2", types.KindAssessment, "asm-2")
	enqueueItem(t, f.store, "itm-r3", types.KindIncident, "inc-1")

	all, err := f.client.QueueList(QueueListArgs{})
	if err != nil {
		t.Fatalf("QueueList() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("QueueList() = %d items, want 3", len(all))
	}

	incidents, err := f.client.QueueList(QueueListArgs{Kind: "INCIDENT"})
	if err != nil {
		t.Fatalf("QueueList(INCIDENT) error = %v", err)
	}
	if len(incidents) != 1 || incidents[0].ID != "itm-r3" {
		t.Errorf("QueueList(INCIDENT) = %+v, want just itm-r3", incidents)
	}

	if _, err := f.client.QueueList(QueueListArgs{Kind: "PIGEON"}); err == nil {
		t.Error("QueueList(PIGEON), want invalid kind error")
	}

	summary, err := f.client.QueueSummary()
	if err != nil {
		t.Fatalf("QueueSummary() error = %v", err)
	}
	if summary.TotalItems != 3 || summary.Pending != 3 {
		t.Errorf("summary = %+v, want 3 pending", summary)
	}
}

func TestQueueRetry(t *testing.T) {
	f := newDaemon(t)
	ctx := context.Background()
	enqueueItem(t, f.store, "itm-term", types.KindAssessment, "asm-t")

	if _, err := storage.Mutate(ctx, f.store, "itm-term", func(it *types.QueueItem) error {
		it.RetryCount = 2
		it.MaxRetries = 2
		it.LastError = "apply UPDATE: server returned 500"
		return nil
	}); err != nil {
		t.Fatalf("pin item: %v", err)
	}

	item, err := f.client.QueueRetry("itm-term")
	if err != nil {
		t.Fatalf("QueueRetry() error = %v", err)
	}
	if item.LastError != "" {
		t.Errorf("LastError = %q, want cleared", item.LastError)
	}

	// Retry bookkeeping is storage-internal, so check the stored item.
	stored, err := f.store.GetItem(ctx, "itm-term")
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if stored.TerminalFailed() {
		t.Error("TerminalFailed() = true after operator retry")
	}
	if stored.MaxRetries != 2+config.DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want a fresh budget on top of attempts made", stored.MaxRetries)
	}
	if stored.NextAttemptAt != nil {
		t.Errorf("NextAttemptAt = %v, want cleared", stored.NextAttemptAt)
	}
	if f.kicks.Load() == 0 {
		t.Error("engine was not kicked after retry")
	}

	// Blocked items resolve through the conflict flow instead.
	enqueueItem(t, f.store, "itm-blk", types.KindAssessment, "asm-b")
	if _, err := storage.Mutate(ctx, f.store, "itm-blk", func(it *types.QueueItem) error {
		it.BlockedBy = "cfl-guard"
		return nil
	}); err != nil {
		t.Fatalf("block item: %v", err)
	}
	if _, err := f.client.QueueRetry("itm-blk"); err == nil || !strings.Contains(err.Error(), "cfl-guard") {
		t.Errorf("QueueRetry(blocked) error = %v, want rejection naming the conflict", err)
	}

	if _, err := f.client.QueueRetry("itm-nope"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("QueueRetry(missing) error = %v, want not found", err)
	}
}

func TestQueueRemove(t *testing.T) {
	f := newDaemon(t)
	enqueueItem(t, f.store, "itm-rm", types.KindAssessment, "asm-rm")

	removed, err := f.client.QueueRemove("itm-rm")
	if err != nil {
		t.Fatalf("QueueRemove() error = %v", err)
	}
	if removed.ID != "itm-rm" {
		t.Errorf("removed = %+v, want itm-rm", removed)
	}
	if _, err := f.store.GetItem(context.Background(), "itm-rm"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetItem() error = %v, want gone", err)
	}
	if _, err := f.client.QueueRemove("itm-rm"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("second QueueRemove() error = %v, want not found", err)
	}
}

func TestOverridePriority(t *testing.T) {
	f := newDaemon(t)
	enqueueItem(t, f.store, "itm-ovr", types.KindAssessment, "asm-o")

	item, err := f.client.OverridePriority(OverridePriorityArgs{
		ID: "itm-ovr", Score: 95, Justification: "medical convoy departs at dawn",
	})
	if err != nil {
		t.Fatalf("OverridePriority() error = %v", err)
	}
	if item.PriorityScore != 95 || item.PriorityLabel != types.LabelCritical {
		t.Errorf("item = %d %s, want 95 CRITICAL", item.PriorityScore, item.PriorityLabel)
	}
	if item.ManualOverride == nil || item.ManualOverride.CoordinatorID != "coord-7" {
		t.Errorf("override = %+v, want recorded for coord-7", item.ManualOverride)
	}

	cleared, err := f.client.OverridePriority(OverridePriorityArgs{ID: "itm-ovr", Clear: true})
	if err != nil {
		t.Fatalf("OverridePriority(clear) error = %v", err)
	}
	if cleared.ManualOverride != nil {
		t.Errorf("ManualOverride = %+v after clear, want nil", cleared.ManualOverride)
	}

	if _, err := f.client.OverridePriority(OverridePriorityArgs{ID: "itm-ovr", Score: 150}); err == nil {
		t.Error("OverridePriority(150), want range error")
	}
}

func seedConflict(t *testing.T, f *daemonFixture, id, itemID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := storage.Mutate(ctx, f.store, itemID, func(it *types.QueueItem) error {
		it.BlockedBy = id
		return nil
	}); err != nil {
		t.Fatalf("block item: %v", err)
	}
	local := types.Payload{"id": "asm-c1", "status": "verified", "version": 3}
	server := types.Payload{"id": "asm-c1", "status": "draft", "version": 4}
	err := f.store.CreateConflict(ctx, &types.Conflict{
		ID:             id,
		EntityKind:     types.KindAssessment,
		EntityID:       "asm-c1",
		Type:           types.ConflictConcurrentEdit,
		Severity:       types.SeverityHigh,
		LocalVersion:   local,
		ServerVersion:  server,
		ConflictFields: []string{"status"},
		DetectedAt:     time.Now().UTC(),
		DetectedBy:     "device-7",
		Status:         types.ConflictPending,
		QueueItemID:    itemID,
	})
	if err != nil {
		t.Fatalf("CreateConflict() error = %v", err)
	}
}

func TestConflictEndpoints(t *testing.T) {
	f := newDaemon(t)
	enqueueItem(t, f.store, "itm-cfl", types.KindAssessment, "asm-c1")
	seedConflict(t, f, "cfl-rpc1", "itm-cfl")

	conflicts, err := f.client.ConflictList(ConflictListArgs{Status: "PENDING"})
	if err != nil {
		t.Fatalf("ConflictList() error = %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].ID != "cfl-rpc1" {
		t.Fatalf("ConflictList() = %+v, want cfl-rpc1", conflicts)
	}

	shown, err := f.client.ConflictShow("cfl-rpc1")
	if err != nil {
		t.Fatalf("ConflictShow() error = %v", err)
	}
	if shown.Type != types.ConflictConcurrentEdit || shown.QueueItemID != "itm-cfl" {
		t.Errorf("shown = %+v, want CONCURRENT_EDIT linked to itm-cfl", shown)
	}
	if _, err := f.client.ConflictShow("cfl-nope"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("ConflictShow(missing) error = %v, want not found", err)
	}

	stats, err := f.client.ConflictStats()
	if err != nil {
		t.Fatalf("ConflictStats() error = %v", err)
	}
	if stats.Total != 1 || stats.Pending != 1 {
		t.Errorf("stats = %+v, want 1 pending", stats)
	}

	resolved, err := f.client.ConflictResolve(ConflictResolveArgs{
		ID: "cfl-rpc1", Strategy: "LOCAL_WINS", Justification: "field team verified on site",
	})
	if err != nil {
		t.Fatalf("ConflictResolve() error = %v", err)
	}
	if resolved.Status != types.ConflictResolved {
		t.Errorf("Status = %s, want RESOLVED", resolved.Status)
	}
	if resolved.ResolvedBy != "coord-7" {
		t.Errorf("ResolvedBy = %q, want the request actor", resolved.ResolvedBy)
	}
	if _, err := f.store.GetItem(context.Background(), "itm-cfl"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("blocked item error = %v, want removed by resolution", err)
	}
	if f.kicks.Load() == 0 {
		t.Error("engine was not kicked after resolution")
	}

	if _, err := f.client.ConflictResolve(ConflictResolveArgs{ID: "cfl-rpc1", Strategy: "NUKE"}); err == nil {
		t.Error("ConflictResolve(NUKE), want invalid strategy error")
	}
}

func TestUpdateEndpoints(t *testing.T) {
	f := newDaemon(t)
	ctx := context.Background()

	u, err := f.coordinator.Apply(ctx, types.KindAssessment, "asm-u1", types.ActionUpdate,
		types.Payload{"status": "verified"}, types.Payload{"status": "draft"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	pending, err := f.client.UpdateList("PENDING")
	if err != nil {
		t.Fatalf("UpdateList(PENDING) error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != u.ID {
		t.Fatalf("UpdateList(PENDING) = %+v, want %s", pending, u.ID)
	}
	if _, err := f.client.UpdateList("SIDEWAYS"); err == nil {
		t.Error("UpdateList(SIDEWAYS), want invalid status error")
	}

	fail := func() {
		t.Helper()
		if err := f.bus.Dispatch(ctx, &eventbus.Event{
			Type:    eventbus.EventItemFailed,
			ItemID:  u.LinkedQueueItemID,
			Error:   "apply UPDATE: server returned 500",
			Details: map[string]any{"terminal": true, "retryCount": 1},
		}); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}
	fail()

	retried, err := f.client.UpdateRetry(u.ID)
	if err != nil {
		t.Fatalf("UpdateRetry() error = %v", err)
	}
	if retried.Status != types.UpdatePending {
		t.Errorf("Status = %s, want PENDING after retry", retried.Status)
	}

	fail()
	rolled, err := f.client.UpdateRollback(u.ID, "entered against the wrong site")
	if err != nil {
		t.Fatalf("UpdateRollback() error = %v", err)
	}
	if rolled.Status != types.UpdateRolledBack {
		t.Errorf("Status = %s, want ROLLED_BACK", rolled.Status)
	}

	// Rollback-all sweeps whatever failed since.
	u2, err := f.coordinator.Apply(ctx, types.KindAssessment, "asm-u2", types.ActionUpdate,
		types.Payload{"status": "verified"}, nil)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := f.bus.Dispatch(ctx, &eventbus.Event{
		Type:    eventbus.EventItemFailed,
		ItemID:  u2.LinkedQueueItemID,
		Error:   "apply UPDATE: server returned 500",
		Details: map[string]any{"terminal": true, "retryCount": 3},
	}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	n, err := f.client.RollbackAllFailed()
	if err != nil {
		t.Fatalf("RollbackAllFailed() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RollbackAllFailed() = %d, want 1", n)
	}
}

func TestQueueWatch(t *testing.T) {
	f := newDaemon(t)
	ctx := context.Background()

	initial, err := f.client.QueueWatch(QueueWatchArgs{Since: 0})
	if err != nil {
		t.Fatalf("QueueWatch(0) error = %v", err)
	}
	if initial.LastMutationMs == 0 {
		t.Fatal("LastMutationMs = 0, want a usable cursor")
	}
	if !initial.Changed {
		t.Error("Changed = false on an immediate watch")
	}

	// A second connection long-polls while the first mutates.
	watcher, err := Connect(f.socketPath)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer func() { _ = watcher.Close() }()

	type watchReply struct {
		result *QueueWatchResult
		err    error
	}
	replies := make(chan watchReply, 1)
	go func() {
		result, err := watcher.QueueWatch(QueueWatchArgs{Since: initial.LastMutationMs, TimeoutMs: 5000})
		replies <- watchReply{result, err}
	}()

	time.Sleep(50 * time.Millisecond)
	enqueueItem(t, f.store, "itm-w1", types.KindAssessment, "asm-w")
	if err := f.bus.Dispatch(ctx, &eventbus.Event{Type: eventbus.EventQueueUpdated, Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	select {
	case reply := <-replies:
		if reply.err != nil {
			t.Fatalf("QueueWatch() error = %v", reply.err)
		}
		if reply.result.LastMutationMs <= initial.LastMutationMs {
			t.Errorf("cursor did not advance: %d -> %d", initial.LastMutationMs, reply.result.LastMutationMs)
		}
		if !reply.result.Changed {
			t.Error("Changed = false after a mutation")
		}
		if len(reply.result.Items) != 1 || reply.result.Items[0].ID != "itm-w1" {
			t.Errorf("Items = %+v, want itm-w1", reply.result.Items)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch never woke")
	}
}

func TestQueueWatchTimeout(t *testing.T) {
	f := newDaemon(t)

	initial, err := f.client.QueueWatch(QueueWatchArgs{Since: 0})
	if err != nil {
		t.Fatalf("QueueWatch(0) error = %v", err)
	}

	start := time.Now()
	result, err := f.client.QueueWatch(QueueWatchArgs{Since: initial.LastMutationMs, TimeoutMs: 100})
	if err != nil {
		t.Fatalf("QueueWatch() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("watch took %v, want prompt timeout", elapsed)
	}
	if result.Changed {
		t.Error("Changed = true on a quiet timeout")
	}
	if result.LastMutationMs != initial.LastMutationMs {
		t.Errorf("cursor moved on a quiet timeout: %d -> %d", initial.LastMutationMs, result.LastMutationMs)
	}
}

func TestShutdownStopsDaemon(t *testing.T) {
	f := newDaemon(t)

	if err := f.client.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(f.socketPath); os.IsNotExist(err) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(f.socketPath); !os.IsNotExist(err) {
		t.Fatalf("socket still present after shutdown: %v", err)
	}

	client, err := TryConnect(f.socketPath)
	if err != nil {
		t.Fatalf("TryConnect() error = %v", err)
	}
	if client != nil {
		t.Error("TryConnect() found a daemon after shutdown")
	}
}
