package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fieldworks/caravan/internal/types"
)

// newTestStore creates a Store backed by a temp-file database.
//
// File-based databases are more reliable than in-memory for connection pool
// scenarios; pass ":memory:" explicitly to exercise the single-connection
// memory mode.
func newTestStore(t *testing.T, dbPath string) *Store {
	t.Helper()

	if dbPath == "" {
		dbPath = t.TempDir() + "/test.db"
	}

	ctx := context.Background()
	store, err := New(ctx, dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})

	return store
}

var testItemSeq int

// newTestItem builds a minimal valid queue item for entityID. IDs are
// sequence-numbered so repeated calls in one test never collide.
func newTestItem(kind types.EntityKind, entityID string) *types.QueueItem {
	testItemSeq++
	return &types.QueueItem{
		ID:            fmt.Sprintf("item-%03d", testItemSeq),
		EntityKind:    kind,
		Action:        types.ActionUpdate,
		EntityID:      entityID,
		Payload:       types.Payload{"status": "draft"},
		PriorityLabel: types.LabelNormal,
		PriorityScore: 30,
	}
}

// mustEnqueue inserts the item or fails the test.
func mustEnqueue(t *testing.T, store *Store, item *types.QueueItem) *types.QueueItem {
	t.Helper()
	if err := store.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("Enqueue(%s) failed: %v", item.ID, err)
	}
	return item
}

// newTestConflict builds a minimal pending conflict for entityID.
func newTestConflict(id string, kind types.EntityKind, entityID string) *types.Conflict {
	return &types.Conflict{
		ID:             id,
		EntityKind:     kind,
		EntityID:       entityID,
		Type:           types.ConflictFieldLevel,
		Severity:       types.SeverityMedium,
		LocalVersion:   types.Payload{"status": "local"},
		ServerVersion:  types.Payload{"status": "server"},
		ConflictFields: []string{"status"},
		DetectedAt:     time.Now(),
		DetectedBy:     "device-test",
		Status:         types.ConflictPending,
	}
}
