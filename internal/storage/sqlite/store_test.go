package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
)

// TestNewCreatesParentDirectories tests that opening a database under a
// missing directory creates the directory tree.
func TestNewCreatesParentDirectories(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "nested", "deeper", "caravan.db")

	store, err := New(ctx, dbPath)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
	if store.Path() == "" {
		t.Error("expected absolute path to be recorded")
	}
}

// TestMemoryMode tests the in-memory database used by ephemeral callers.
func TestMemoryMode(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, ":memory:")

	item := mustEnqueue(t, store, newTestItem(types.KindAssessment, "asmt-mem"))
	got, err := store.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if got.EntityID != "asmt-mem" {
		t.Errorf("unexpected entity id %q", got.EntityID)
	}
}

// TestCloseIsIdempotent tests double close.
func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "close.db")
	store, err := New(ctx, dbPath)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if !store.IsClosed() {
		t.Error("expected IsClosed after close")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
}

// TestMetadataRoundTrip tests set, replace, and the missing-key error.
func TestMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	if err := store.SetMetadata(ctx, "schema_version", "1"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}
	if err := store.SetMetadata(ctx, "schema_version", "2"); err != nil {
		t.Fatalf("SetMetadata replace failed: %v", err)
	}

	value, err := store.GetMetadata(ctx, "schema_version")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if value != "2" {
		t.Errorf("expected replaced value 2, got %q", value)
	}

	_, err = store.GetMetadata(ctx, "never_set")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
