package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
)

// TestRunInTransactionCommit tests that work inside a transaction becomes
// visible atomically.
func TestRunInTransactionCommit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.Enqueue(ctx, newTestItem(types.KindAssessment, "asmt-tx")); err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, newTestItem(types.KindAssessment, "asmt-tx")); err != nil {
			return err
		}
		return tx.SetMetadata(ctx, "device_id", "device-42")
	})
	if err != nil {
		t.Fatalf("RunInTransaction failed: %v", err)
	}

	items, err := store.ListItems(ctx, types.ItemFilter{})
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 items after commit, got %d", len(items))
	}

	value, err := store.GetMetadata(ctx, "device_id")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if value != "device-42" {
		t.Errorf("expected device-42, got %q", value)
	}
}

// TestRunInTransactionRollback tests that a failing function leaves no trace.
func TestRunInTransactionRollback(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	boom := fmt.Errorf("detector rejected payload")
	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.Enqueue(ctx, newTestItem(types.KindResponse, "resp-tx")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the function error back, got %v", err)
	}

	items, err := store.ListItems(ctx, types.ItemFilter{})
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected rollback to discard the enqueue, got %d items", len(items))
	}
}

// TestRunInTransactionBlockFlow tests the detect-and-block shape used when a
// conflict is recorded: the conflict row and the item's blocked marker land
// together or not at all.
func TestRunInTransactionBlockFlow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	item := mustEnqueue(t, store, newTestItem(types.KindIncident, "inc-tx"))

	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		c := newTestConflict("conf-tx", types.KindIncident, "inc-tx")
		c.QueueItemID = item.ID
		if err := tx.CreateConflict(ctx, c); err != nil {
			return err
		}
		held, err := tx.GetItem(ctx, item.ID)
		if err != nil {
			return err
		}
		held.BlockedBy = c.ID
		return tx.UpdateItem(ctx, held)
	})
	if err != nil {
		t.Fatalf("RunInTransaction failed: %v", err)
	}

	got, err := store.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if got.BlockedBy != "conf-tx" {
		t.Errorf("expected item blocked by conf-tx, got %q", got.BlockedBy)
	}
	if got.Version != 2 {
		t.Errorf("expected version 2 after transactional update, got %d", got.Version)
	}

	c, err := store.GetConflict(ctx, "conf-tx")
	if err != nil {
		t.Fatalf("GetConflict failed: %v", err)
	}
	if c.QueueItemID != item.ID {
		t.Errorf("conflict not linked to item: %q", c.QueueItemID)
	}
}
