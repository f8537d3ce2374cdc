package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fieldworks/caravan/internal/config"
	"github.com/fieldworks/caravan/internal/eventbus"
	"github.com/fieldworks/caravan/internal/remote"
	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/storage/sqlite"
	"github.com/fieldworks/caravan/internal/types"
)

// entityServer fakes the field server's entity REST surface over an
// in-memory record table keyed by "collection/id".
type entityServer struct {
	t *testing.T

	mu      sync.Mutex
	records map[string]types.Payload
	gets    int
	posts   int
	puts    int
	deletes int
	reqIDs  map[string]string // "METHOD collection/id" → last X-Request-ID

	putFails int // PUTs to reject before succeeding; negative rejects forever
	putCode  int
	onReject func(s *entityServer) // runs under mu while rejecting a PUT
}

func newEntityServer(t *testing.T) *entityServer {
	return &entityServer{
		t:       t,
		records: map[string]types.Payload{},
		reqIDs:  map[string]string{},
		putCode: http.StatusInternalServerError,
	}
}

func (s *entityServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/api/v1/")

	switch r.Method {
	case http.MethodGet:
		s.gets++
		rec, ok := s.records[key]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(rec)

	case http.MethodPost:
		s.posts++
		var body types.Payload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.t.Errorf("decode POST body: %v", err)
		}
		id, _ := body["id"].(string)
		key += "/" + id
		s.records[key] = body
		s.reqIDs["POST "+key] = r.Header.Get("X-Request-ID")
		_ = json.NewEncoder(w).Encode(body)

	case http.MethodPut:
		s.puts++
		s.reqIDs["PUT "+key] = r.Header.Get("X-Request-ID")
		if s.putFails != 0 {
			if s.putFails > 0 {
				s.putFails--
			}
			if s.onReject != nil {
				s.onReject(s)
			}
			http.Error(w, "injected failure", s.putCode)
			return
		}
		var body types.Payload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.t.Errorf("decode PUT body: %v", err)
		}
		s.records[key] = body
		_ = json.NewEncoder(w).Encode(body)

	case http.MethodDelete:
		s.deletes++
		s.reqIDs["DELETE "+key] = r.Header.Get("X-Request-ID")
		if _, ok := s.records[key]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(s.records, key)
		w.WriteHeader(http.StatusNoContent)

	default:
		s.t.Errorf("unexpected call: %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
	}
}

func (s *entityServer) seed(key string, rec types.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = rec
}

func (s *entityServer) record(key string) types.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key].Clone()
}

func (s *entityServer) counts() (gets, posts, puts, deletes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets, s.posts, s.puts, s.deletes
}

func (s *entityServer) requestID(methodKey string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqIDs[methodKey]
}

func (s *entityServer) failPuts(n, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putFails = n
	s.putCode = code
}

func newTestEngine(t *testing.T, handler http.Handler) (*Engine, *sqlite.Store, *eventbus.Bus) {
	t.Helper()

	store, err := sqlite.New(context.Background(), t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tuning := config.DefaultTuning()
	tuning.SyncConcurrency = 2
	// Short enough to retry within a test, long enough that a Drain loop
	// cannot outlive the backoff and re-claim the same item.
	tuning.BackoffBase = 50 * time.Millisecond
	tuning.BackoffMax = 200 * time.Millisecond

	bus := eventbus.New()
	return New(store, remote.New(srv.URL, 5*time.Second), bus, tuning, "device-7"), store, bus
}

// captureEvents records matching bus events. Only safe for Drain-style
// tests where dispatch happens on the test goroutine.
func captureEvents(bus *eventbus.Bus, kinds ...eventbus.EventType) *[]*eventbus.Event {
	events := &[]*eventbus.Event{}
	bus.Register(&eventbus.HandlerFunc{
		Name:  "test-capture",
		Types: kinds,
		Fn: func(ctx context.Context, e *eventbus.Event) error {
			*events = append(*events, e)
			return nil
		},
	})
	return events
}

func queueItem(id, entityID string, action types.Action, payload types.Payload) *types.QueueItem {
	return &types.QueueItem{
		ID:            id,
		EntityKind:    types.KindAssessment,
		Action:        action,
		EntityID:      entityID,
		Payload:       payload,
		PriorityLabel: types.LabelHigh,
		PriorityScore: 60,
		MaxRetries:    3,
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
	}
}

func mustEnqueue(t *testing.T, store *sqlite.Store, items ...*types.QueueItem) {
	t.Helper()
	for _, item := range items {
		if err := store.Enqueue(context.Background(), item); err != nil {
			t.Fatalf("enqueue %s: %v", item.ID, err)
		}
	}
}

func wantGone(t *testing.T, store *sqlite.Store, id string) {
	t.Helper()
	if _, err := store.GetItem(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetItem(%s) error = %v, want ErrNotFound", id, err)
	}
}

func TestDrainCreatesAbsentEntity(t *testing.T) {
	es := newEntityServer(t)
	e, store, bus := newTestEngine(t, es)
	synced := captureEvents(bus, eventbus.EventItemSynced)

	payload := types.Payload{"id": "asm-new", "status": "draft", "score": float64(40)}
	payload.SetUpdatedAt(time.Now().UTC().Add(-time.Minute))
	mustEnqueue(t, store, queueItem("itm-create", "asm-new", types.ActionCreate, payload))

	n, err := e.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Drain() = %d, want 1", n)
	}

	rec := es.record("assessments/asm-new")
	if rec == nil {
		t.Fatal("server record not created")
	}
	if rec["status"] != "draft" {
		t.Errorf("server status = %v, want draft", rec["status"])
	}
	if got := es.requestID("POST assessments/asm-new"); got != "itm-create" {
		t.Errorf("X-Request-ID = %q, want itm-create", got)
	}
	wantGone(t, store, "itm-create")

	if len(*synced) != 1 {
		t.Fatalf("item.synced events = %d, want 1", len(*synced))
	}
	if ev := (*synced)[0]; ev.ItemID != "itm-create" || ev.EntityID != "asm-new" {
		t.Errorf("event = %+v, want itm-create/asm-new", ev)
	}
}

func TestDrainUpdatesWithMergedRecord(t *testing.T) {
	base := time.Now().UTC()
	es := newEntityServer(t)

	server := types.Payload{"id": "asm-7", "status": "draft", "score": float64(70), "notes": "initial"}
	server.SetUpdatedAt(base.Add(-time.Hour))
	server.SetVersion(4)
	es.seed("assessments/asm-7", server)

	e, store, _ := newTestEngine(t, es)

	payload := types.Payload{"status": "verified"}
	payload.SetUpdatedAt(base.Add(-time.Minute))
	mustEnqueue(t, store, queueItem("itm-upd", "asm-7", types.ActionUpdate, payload))

	n, err := e.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Drain() = %d, want 1", n)
	}

	rec := es.record("assessments/asm-7")
	if rec["status"] != "verified" {
		t.Errorf("status = %v, want verified", rec["status"])
	}
	if rec["score"] != float64(70) || rec["notes"] != "initial" {
		t.Errorf("untouched server fields changed: score=%v notes=%v", rec["score"], rec["notes"])
	}
	if v, _ := rec.Version(); v != 5 {
		t.Errorf("version = %d, want 5", v)
	}
	if at, ok := rec.UpdatedAt(); !ok || at.Before(base.Add(-time.Second)) {
		t.Errorf("updatedAt = %v (ok=%v), want stamped at sync time", at, ok)
	}
	if got := es.requestID("PUT assessments/asm-7"); got != "itm-upd" {
		t.Errorf("X-Request-ID = %q, want itm-upd", got)
	}
	wantGone(t, store, "itm-upd")
}

func TestCreateOverExistingRecordUpdates(t *testing.T) {
	base := time.Now().UTC()
	es := newEntityServer(t)

	server := types.Payload{"id": "asm-race", "status": "draft"}
	server.SetUpdatedAt(base.Add(-time.Hour))
	server.SetVersion(1)
	es.seed("assessments/asm-race", server)

	e, store, _ := newTestEngine(t, es)

	payload := types.Payload{"id": "asm-race", "status": "submitted"}
	payload.SetUpdatedAt(base.Add(-time.Minute))
	mustEnqueue(t, store, queueItem("itm-race", "asm-race", types.ActionCreate, payload))

	n, err := e.Drain(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Drain() = %d, %v, want 1, nil", n, err)
	}

	_, posts, puts, _ := es.counts()
	if posts != 0 || puts != 1 {
		t.Errorf("posts = %d, puts = %d, want 0 and 1", posts, puts)
	}
	if rec := es.record("assessments/asm-race"); rec["status"] != "submitted" {
		t.Errorf("status = %v, want submitted", rec["status"])
	}
}

func TestDrainAppliesBatchInOrder(t *testing.T) {
	base := time.Now().UTC()
	es := newEntityServer(t)

	server := types.Payload{"id": "asm-9", "status": "draft"}
	server.SetUpdatedAt(base.Add(-time.Hour))
	server.SetVersion(4)
	es.seed("assessments/asm-9", server)

	e, store, _ := newTestEngine(t, es)

	first := types.Payload{"status": "verified"}
	first.SetUpdatedAt(base.Add(-2 * time.Minute))
	second := types.Payload{"notes": "water point restored"}
	second.SetUpdatedAt(base.Add(-time.Minute))
	mustEnqueue(t, store,
		queueItem("itm-1", "asm-9", types.ActionUpdate, first),
		queueItem("itm-2", "asm-9", types.ActionUpdate, second),
	)

	n, err := e.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("Drain() = %d, want 2", n)
	}

	rec := es.record("assessments/asm-9")
	if rec["status"] != "verified" || rec["notes"] != "water point restored" {
		t.Errorf("record = %v, want both edits applied", rec)
	}
	if v, _ := rec.Version(); v != 6 {
		t.Errorf("version = %d, want 6 after two applies", v)
	}
	wantGone(t, store, "itm-1")
	wantGone(t, store, "itm-2")
}

func TestConflictBlocksEntity(t *testing.T) {
	base := time.Now().UTC()
	es := newEntityServer(t)

	server := types.Payload{"id": "asm-c", "status": "submitted"}
	server.SetUpdatedAt(base.Add(-time.Minute))
	server.SetVersion(6)
	es.seed("assessments/asm-c", server)

	e, store, bus := newTestEngine(t, es)
	detected := captureEvents(bus, eventbus.EventConflictDetected)

	payload := types.Payload{"status": "verified"}
	payload.SetUpdatedAt(base.Add(-3 * time.Minute))
	mustEnqueue(t, store, queueItem("itm-c", "asm-c", types.ActionUpdate, payload))

	n, err := e.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("Drain() = %d, want 0", n)
	}

	conflicts, err := store.ListConflicts(context.Background(), types.ConflictFilter{})
	if err != nil {
		t.Fatalf("ListConflicts() error = %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.Type != types.ConflictConcurrentEdit {
		t.Errorf("Type = %s, want CONCURRENT_EDIT", c.Type)
	}
	if c.QueueItemID != "itm-c" {
		t.Errorf("QueueItemID = %q, want itm-c", c.QueueItemID)
	}

	item, err := store.GetItem(context.Background(), "itm-c")
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if item.BlockedBy != c.ID {
		t.Errorf("BlockedBy = %q, want %q", item.BlockedBy, c.ID)
	}
	if item.DerivedStatus(time.Now().UTC()) != types.StatusFailed {
		t.Errorf("DerivedStatus = %s, want FAILED", item.DerivedStatus(time.Now().UTC()))
	}
	if _, _, puts, _ := es.counts(); puts != 0 {
		t.Errorf("puts = %d, want 0 for a conflicted item", puts)
	}

	if len(*detected) != 1 || (*detected)[0].ConflictID != c.ID {
		t.Fatalf("conflict.detected events = %+v, want one for %s", *detected, c.ID)
	}

	// The blocked entity must not even be claimed on later passes.
	gets, _, _, _ := es.counts()
	if _, err := e.Drain(context.Background()); err != nil {
		t.Fatalf("second Drain() error = %v", err)
	}
	if g, _, _, _ := es.counts(); g != gets {
		t.Errorf("gets after second drain = %d, want %d (entity stays parked)", g, gets)
	}
}

func TestRetryBackoffAndTerminal(t *testing.T) {
	base := time.Now().UTC()
	es := newEntityServer(t)

	server := types.Payload{"id": "asm-r", "status": "draft"}
	server.SetUpdatedAt(base.Add(-time.Hour))
	server.SetVersion(2)
	es.seed("assessments/asm-r", server)
	es.failPuts(-1, http.StatusInternalServerError)

	e, store, bus := newTestEngine(t, es)
	failed := captureEvents(bus, eventbus.EventItemFailed)

	payload := types.Payload{"status": "verified"}
	payload.SetUpdatedAt(base.Add(-time.Minute))
	mustEnqueue(t, store, queueItem("itm-r", "asm-r", types.ActionUpdate, payload))

	ctx := context.Background()
	var item *types.QueueItem
	for i := 0; i < 50; i++ {
		if _, err := e.Drain(ctx); err != nil {
			t.Fatalf("Drain() error = %v", err)
		}
		var err error
		if item, err = store.GetItem(ctx, "itm-r"); err != nil {
			t.Fatalf("GetItem() error = %v", err)
		}
		if item.TerminalFailed() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !item.TerminalFailed() {
		t.Fatalf("item never went terminal: retries=%d lastError=%q", item.RetryCount, item.LastError)
	}
	if item.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", item.RetryCount)
	}
	if !strings.Contains(item.LastError, "500") {
		t.Errorf("LastError = %q, want the server status recorded", item.LastError)
	}
	if _, _, puts, _ := es.counts(); puts != 3 {
		t.Errorf("puts = %d, want exactly 3 attempts", puts)
	}

	if len(*failed) != 3 {
		t.Fatalf("item.failed events = %d, want 3", len(*failed))
	}
	last := (*failed)[2]
	if last.Details["terminal"] != true {
		t.Errorf("final event terminal = %v, want true", last.Details["terminal"])
	}

	// Exhausted items are no longer offered.
	if _, err := e.Drain(ctx); err != nil {
		t.Fatalf("Drain() after terminal error = %v", err)
	}
	if _, _, puts, _ := es.counts(); puts != 3 {
		t.Errorf("puts after extra drain = %d, want 3", puts)
	}
}

func TestUpdateAbsentEntityTerminal(t *testing.T) {
	es := newEntityServer(t)
	e, store, _ := newTestEngine(t, es)

	payload := types.Payload{"status": "verified"}
	payload.SetUpdatedAt(time.Now().UTC().Add(-time.Minute))
	mustEnqueue(t, store, queueItem("itm-gone", "asm-gone", types.ActionUpdate, payload))

	n, err := e.Drain(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Drain() = %d, %v, want 0, nil", n, err)
	}

	item, err := store.GetItem(context.Background(), "itm-gone")
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if !item.TerminalFailed() {
		t.Errorf("TerminalFailed() = false, want true")
	}
	if item.MaxRetries != 1 || item.RetryCount != 1 {
		t.Errorf("MaxRetries = %d, RetryCount = %d, want ceiling pinned to the one attempt", item.MaxRetries, item.RetryCount)
	}
	if !strings.Contains(item.LastError, "not found on server") {
		t.Errorf("LastError = %q", item.LastError)
	}
	if _, posts, puts, _ := es.counts(); posts != 0 || puts != 0 {
		t.Errorf("posts = %d, puts = %d, want no writes", posts, puts)
	}
}

func TestDeleteGoneSkipsCall(t *testing.T) {
	es := newEntityServer(t)
	e, store, _ := newTestEngine(t, es)

	mustEnqueue(t, store, queueItem("itm-del", "asm-del", types.ActionDelete, nil))

	n, err := e.Drain(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Drain() = %d, %v, want 1, nil", n, err)
	}
	if _, _, _, deletes := es.counts(); deletes != 0 {
		t.Errorf("deletes = %d, want 0 when the record is already gone", deletes)
	}
	wantGone(t, store, "itm-del")
}

func TestDeleteRemovesServerRecord(t *testing.T) {
	base := time.Now().UTC()
	es := newEntityServer(t)

	server := types.Payload{"id": "asm-d", "status": "draft"}
	server.SetUpdatedAt(base.Add(-2 * time.Hour))
	es.seed("assessments/asm-d", server)

	e, store, _ := newTestEngine(t, es)
	mustEnqueue(t, store, queueItem("itm-d", "asm-d", types.ActionDelete, nil))

	n, err := e.Drain(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Drain() = %d, %v, want 1, nil", n, err)
	}
	if _, _, _, deletes := es.counts(); deletes != 1 {
		t.Errorf("deletes = %d, want 1", deletes)
	}
	if rec := es.record("assessments/asm-d"); rec != nil {
		t.Errorf("server record survived delete: %v", rec)
	}
	if got := es.requestID("DELETE assessments/asm-d"); got != "itm-d" {
		t.Errorf("X-Request-ID = %q, want itm-d", got)
	}
	wantGone(t, store, "itm-d")
}

func TestEntityBatchStopsOnFailure(t *testing.T) {
	base := time.Now().UTC()
	es := newEntityServer(t)

	server := types.Payload{"id": "asm-b", "status": "draft"}
	server.SetUpdatedAt(base.Add(-time.Hour))
	server.SetVersion(4)
	es.seed("assessments/asm-b", server)
	es.failPuts(1, http.StatusInternalServerError)

	e, store, _ := newTestEngine(t, es)

	first := types.Payload{"status": "verified"}
	first.SetUpdatedAt(base.Add(-2 * time.Minute))
	second := types.Payload{"notes": "rechecked"}
	second.SetUpdatedAt(base.Add(-time.Minute))
	mustEnqueue(t, store,
		queueItem("itm-b1", "asm-b", types.ActionUpdate, first),
		queueItem("itm-b2", "asm-b", types.ActionUpdate, second),
	)

	ctx := context.Background()
	n, err := e.Drain(ctx)
	if err != nil || n != 0 {
		t.Fatalf("first Drain() = %d, %v, want 0, nil", n, err)
	}

	if _, _, puts, _ := es.counts(); puts != 1 {
		t.Fatalf("puts = %d, want 1 (batch stops at the failed head)", puts)
	}
	trailing, err := store.GetItem(ctx, "itm-b2")
	if err != nil {
		t.Fatalf("GetItem(itm-b2) error = %v", err)
	}
	if trailing.RetryCount != 0 {
		t.Errorf("itm-b2 RetryCount = %d, want 0 (never attempted)", trailing.RetryCount)
	}
	head, err := store.GetItem(ctx, "itm-b1")
	if err != nil {
		t.Fatalf("GetItem(itm-b1) error = %v", err)
	}
	if head.NextAttemptAt == nil {
		t.Error("itm-b1 NextAttemptAt = nil, want a backoff schedule")
	}

	// After the backoff passes, one drain applies both in order.
	var synced int
	for i := 0; i < 50 && synced < 2; i++ {
		time.Sleep(10 * time.Millisecond)
		n, err := e.Drain(ctx)
		if err != nil {
			t.Fatalf("Drain() error = %v", err)
		}
		synced += n
	}
	if synced != 2 {
		t.Fatalf("synced = %d, want 2", synced)
	}

	rec := es.record("assessments/asm-b")
	if rec["status"] != "verified" || rec["notes"] != "rechecked" {
		t.Errorf("record = %v, want both edits applied", rec)
	}
	if v, _ := rec.Version(); v != 6 {
		t.Errorf("version = %d, want 6", v)
	}
}

func TestConflictRouteOn409(t *testing.T) {
	base := time.Now().UTC()
	es := newEntityServer(t)

	server := types.Payload{"id": "asm-v", "status": "draft"}
	server.SetUpdatedAt(base.Add(-time.Hour))
	server.SetVersion(8)
	es.seed("assessments/asm-v", server)

	// The PUT loses a race: the server rejects it and the refetch shows a
	// newer record written by someone else.
	es.failPuts(1, http.StatusConflict)
	es.onReject = func(s *entityServer) {
		newer := types.Payload{"id": "asm-v", "status": "closed"}
		newer.SetUpdatedAt(time.Now().UTC())
		newer.SetVersion(9)
		s.records["assessments/asm-v"] = newer
	}

	e, store, _ := newTestEngine(t, es)

	payload := types.Payload{"status": "verified"}
	payload.SetUpdatedAt(base.Add(-time.Minute))
	mustEnqueue(t, store, queueItem("itm-v", "asm-v", types.ActionUpdate, payload))

	n, err := e.Drain(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Drain() = %d, %v, want 0, nil", n, err)
	}

	gets, _, _, _ := es.counts()
	if gets != 2 {
		t.Errorf("gets = %d, want 2 (initial fetch plus refetch)", gets)
	}
	conflicts, err := store.ListConflicts(context.Background(), types.ConflictFilter{})
	if err != nil {
		t.Fatalf("ListConflicts() error = %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	item, err := store.GetItem(context.Background(), "itm-v")
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if item.BlockedBy != conflicts[0].ID {
		t.Errorf("BlockedBy = %q, want %q", item.BlockedBy, conflicts[0].ID)
	}
}

func TestRetryOn409WithoutSkew(t *testing.T) {
	base := time.Now().UTC()
	es := newEntityServer(t)

	server := types.Payload{"id": "asm-s", "status": "draft"}
	server.SetUpdatedAt(base.Add(-time.Hour))
	server.SetVersion(3)
	es.seed("assessments/asm-s", server)
	es.failPuts(1, http.StatusConflict)

	e, store, _ := newTestEngine(t, es)

	payload := types.Payload{"status": "verified"}
	payload.SetUpdatedAt(base.Add(-time.Minute))
	mustEnqueue(t, store, queueItem("itm-s", "asm-s", types.ActionUpdate, payload))

	ctx := context.Background()
	n, err := e.Drain(ctx)
	if err != nil || n != 0 {
		t.Fatalf("first Drain() = %d, %v, want 0, nil", n, err)
	}

	item, err := store.GetItem(ctx, "itm-s")
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if item.NextAttemptAt == nil {
		t.Error("NextAttemptAt = nil, want a retry schedule")
	}
	if !strings.Contains(item.LastError, "409") {
		t.Errorf("LastError = %q, want the 409 recorded", item.LastError)
	}
	if conflicts, _ := store.ListConflicts(ctx, types.ConflictFilter{}); len(conflicts) != 0 {
		t.Errorf("conflicts = %d, want 0 when the refetch shows no skew", len(conflicts))
	}

	// The retry applies once the rejection clears.
	var synced int
	for i := 0; i < 50 && synced == 0; i++ {
		time.Sleep(10 * time.Millisecond)
		n, err := e.Drain(ctx)
		if err != nil {
			t.Fatalf("Drain() error = %v", err)
		}
		synced += n
	}
	if synced != 1 {
		t.Fatalf("synced = %d, want 1", synced)
	}
	wantGone(t, store, "itm-s")
}

func TestKickWakesWorker(t *testing.T) {
	es := newEntityServer(t)
	e, store, _ := newTestEngine(t, es)
	e.PollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// Let the workers go idle on the hour-long poll.
	time.Sleep(50 * time.Millisecond)

	payload := types.Payload{"id": "asm-k", "status": "draft"}
	payload.SetUpdatedAt(time.Now().UTC().Add(-time.Minute))
	mustEnqueue(t, store, queueItem("itm-k", "asm-k", types.ActionCreate, payload))
	e.Kick()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := store.GetItem(context.Background(), "itm-k"); errors.Is(err, storage.ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("item never synced after Kick")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestDrainStopsOnCancel(t *testing.T) {
	es := newEntityServer(t)
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
		es.ServeHTTP(w, r)
	})
	e, store, _ := newTestEngine(t, slow)

	payload := types.Payload{"status": "verified"}
	payload.SetUpdatedAt(time.Now().UTC().Add(-time.Minute))
	mustEnqueue(t, store, queueItem("itm-slow", "asm-slow", types.ActionUpdate, payload))

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(30*time.Millisecond, cancel)
	defer timer.Stop()

	_, err := e.Drain(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Drain() error = %v, want context.Canceled", err)
	}

	// The interrupted attempt leaves the item intact for the next pass.
	item, err := store.GetItem(context.Background(), "itm-slow")
	if err != nil {
		t.Fatalf("GetItem() error = %v", err)
	}
	if item.TerminalFailed() {
		t.Error("TerminalFailed() = true, want false after cancellation")
	}
	if item.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", item.RetryCount)
	}
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(base, max, attempt)
		if d <= 0 {
			t.Fatalf("retryDelay(attempt=%d) = %v, want positive", attempt, d)
		}
		// Jitter spans half an interval either way; the interval itself
		// never exceeds the cap.
		if d > max+max/2 {
			t.Errorf("retryDelay(attempt=%d) = %v, exceeds jittered cap %v", attempt, d, max+max/2)
		}
	}

	if d := retryDelay(base, max, 1); d > base+base/2 {
		t.Errorf("first delay = %v, want within jitter of %v", d, base)
	}
}
