package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
)

// TestClaimNextEntityBatch tests that a claim returns every queued item for
// the winning entity, oldest first, with the lease stamped on all of them.
func TestClaimNextEntityBatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	var want []string
	for i := 0; i < 3; i++ {
		item := newTestItem(types.KindAssessment, "asmt-batch")
		item.PriorityScore = 80
		mustEnqueue(t, store, item)
		want = append(want, item.ID)
	}
	low := newTestItem(types.KindResponse, "resp-other")
	low.PriorityScore = 10
	mustEnqueue(t, store, low)

	now := time.Now()
	until := now.Add(time.Minute)
	claimed, err := store.ClaimNextEntity(ctx, "worker-1", now, until)
	if err != nil {
		t.Fatalf("ClaimNextEntity failed: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimed items, got %d", len(claimed))
	}
	for i, item := range claimed {
		if item.ID != want[i] {
			t.Errorf("batch position %d: expected %s, got %s", i, want[i], item.ID)
		}
		if item.LeaseOwner != "worker-1" {
			t.Errorf("item %s not leased to worker-1: %q", item.ID, item.LeaseOwner)
		}
		if item.LeaseExpiresAt == nil || !item.LeaseExpiresAt.Equal(until) {
			t.Errorf("item %s lease expiry wrong: %v", item.ID, item.LeaseExpiresAt)
		}
	}

	// The other entity is untouched.
	got, err := store.GetItem(ctx, low.ID)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if got.LeaseOwner != "" {
		t.Errorf("unclaimed entity got a lease: %q", got.LeaseOwner)
	}
}

// TestClaimPriorityAcrossEntities tests that the highest-scoring head wins,
// with creation time breaking ties.
func TestClaimPriorityAcrossEntities(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	lowHead := newTestItem(types.KindAssessment, "asmt-low")
	lowHead.PriorityScore = 20
	lowHead.CreatedAt = base
	mustEnqueue(t, store, lowHead)

	highHead := newTestItem(types.KindIncident, "inc-high")
	highHead.PriorityScore = 80
	highHead.CreatedAt = base.Add(time.Hour)
	mustEnqueue(t, store, highHead)

	now := time.Now()
	claimed, err := store.ClaimNextEntity(ctx, "worker-1", now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimNextEntity failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != highHead.ID {
		t.Fatalf("expected high-priority head to win, got %v", itemIDs(claimed))
	}

	claimed, err = store.ClaimNextEntity(ctx, "worker-2", now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != lowHead.ID {
		t.Fatalf("expected low-priority head second, got %v", itemIDs(claimed))
	}
}

// TestClaimOnlyHeadsCompete tests that a high-scoring item buried behind an
// older one on the same entity cannot jump the entity's own queue.
func TestClaimOnlyHeadsCompete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	buriedHead := newTestItem(types.KindAssessment, "asmt-buried")
	buriedHead.PriorityScore = 10
	mustEnqueue(t, store, buriedHead)

	buriedTail := newTestItem(types.KindAssessment, "asmt-buried")
	buriedTail.PriorityScore = 95
	mustEnqueue(t, store, buriedTail)

	rival := newTestItem(types.KindResponse, "resp-rival")
	rival.PriorityScore = 50
	mustEnqueue(t, store, rival)

	now := time.Now()
	claimed, err := store.ClaimNextEntity(ctx, "worker-1", now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimNextEntity failed: %v", err)
	}
	// The buried entity's head scores 10, so the rival's 50 wins even though
	// a 95 sits behind the 10.
	if len(claimed) != 1 || claimed[0].ID != rival.ID {
		t.Fatalf("expected rival entity to win, got %v", itemIDs(claimed))
	}
}

// TestClaimSkipsLeasedEntity tests mutual exclusion between workers.
func TestClaimSkipsLeasedEntity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	mustEnqueue(t, store, newTestItem(types.KindAssessment, "asmt-held"))

	now := time.Now()
	if _, err := store.ClaimNextEntity(ctx, "worker-1", now, now.Add(time.Minute)); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	claimed, err := store.ClaimNextEntity(ctx, "worker-2", now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if claimed != nil {
		t.Errorf("expected nothing claimable for worker-2, got %v", itemIDs(claimed))
	}
}

// TestClaimReclaimsExpiredLease tests that a dead worker's lease is free for
// the taking once it expires.
func TestClaimReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	item := mustEnqueue(t, store, newTestItem(types.KindIncident, "inc-dead"))

	start := time.Now()
	if _, err := store.ClaimNextEntity(ctx, "worker-dead", start, start.Add(time.Second)); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	later := start.Add(time.Minute)
	claimed, err := store.ClaimNextEntity(ctx, "worker-2", later, later.Add(time.Minute))
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != item.ID {
		t.Fatalf("expected expired lease takeover, got %v", itemIDs(claimed))
	}
	if claimed[0].LeaseOwner != "worker-2" {
		t.Errorf("expected worker-2 to own the lease, got %q", claimed[0].LeaseOwner)
	}
}

// TestClaimSkipsBlockedEntity tests that one blocked item parks the whole
// entity, even when the head itself is clean.
func TestClaimSkipsBlockedEntity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	mustEnqueue(t, store, newTestItem(types.KindAssessment, "asmt-parked"))
	tail := newTestItem(types.KindAssessment, "asmt-parked")
	tail.BlockedBy = "conflict-42"
	mustEnqueue(t, store, tail)

	other := newTestItem(types.KindResponse, "resp-clean")
	other.PriorityScore = 1
	mustEnqueue(t, store, other)

	now := time.Now()
	claimed, err := store.ClaimNextEntity(ctx, "worker-1", now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimNextEntity failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != other.ID {
		t.Fatalf("expected the clean entity despite lower score, got %v", itemIDs(claimed))
	}
}

// TestClaimSkipsBackoff tests that a head still inside its retry backoff
// window is not claimable.
func TestClaimSkipsBackoff(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	now := time.Now()

	waiting := newTestItem(types.KindAssessment, "asmt-backoff")
	next := now.Add(time.Hour)
	waiting.NextAttemptAt = &next
	mustEnqueue(t, store, waiting)

	claimed, err := store.ClaimNextEntity(ctx, "worker-1", now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimNextEntity failed: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected nothing claimable during backoff, got %v", itemIDs(claimed))
	}

	// Once the backoff passes, the head frees up.
	after := next.Add(time.Second)
	claimed, err = store.ClaimNextEntity(ctx, "worker-1", after, after.Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimNextEntity failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected claim after backoff elapsed, got %v", itemIDs(claimed))
	}
}

// TestClaimSkipsExhaustedHead tests that a head out of attempts parks the
// entity for operator attention.
func TestClaimSkipsExhaustedHead(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	exhausted := newTestItem(types.KindMedia, "photo-dead")
	exhausted.RetryCount = 3
	exhausted.MaxRetries = 3
	exhausted.LastError = "payload rejected"
	mustEnqueue(t, store, exhausted)

	now := time.Now()
	claimed, err := store.ClaimNextEntity(ctx, "worker-1", now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimNextEntity failed: %v", err)
	}
	if claimed != nil {
		t.Errorf("expected exhausted head to park the entity, got %v", itemIDs(claimed))
	}
}

// TestRenewEntityLease tests extension and the not-owner guard.
func TestRenewEntityLease(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	item := mustEnqueue(t, store, newTestItem(types.KindEntity, "ent-renew"))

	now := time.Now()
	if _, err := store.ClaimNextEntity(ctx, "worker-1", now, now.Add(time.Minute)); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	extended := now.Add(10 * time.Minute)
	if err := store.RenewEntityLease(ctx, "worker-1", item.Key(), extended); err != nil {
		t.Fatalf("RenewEntityLease failed: %v", err)
	}

	got, err := store.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if got.LeaseExpiresAt == nil || !got.LeaseExpiresAt.Equal(extended) {
		t.Errorf("lease not extended: %v", got.LeaseExpiresAt)
	}

	err = store.RenewEntityLease(ctx, "worker-2", item.Key(), extended.Add(time.Minute))
	if !errors.Is(err, storage.ErrNotLeaseOwner) {
		t.Errorf("expected ErrNotLeaseOwner, got %v", err)
	}
}

// TestReleaseEntity tests that release frees the entity for other workers
// and that releasing twice is harmless.
func TestReleaseEntity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	item := mustEnqueue(t, store, newTestItem(types.KindResponse, "resp-release"))

	now := time.Now()
	if _, err := store.ClaimNextEntity(ctx, "worker-1", now, now.Add(time.Minute)); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	if err := store.ReleaseEntity(ctx, "worker-1", item.Key()); err != nil {
		t.Fatalf("ReleaseEntity failed: %v", err)
	}
	if err := store.ReleaseEntity(ctx, "worker-1", item.Key()); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}

	claimed, err := store.ClaimNextEntity(ctx, "worker-2", now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("claim after release failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].LeaseOwner != "worker-2" {
		t.Fatalf("expected worker-2 claim after release, got %v", itemIDs(claimed))
	}
}

// TestClaimEmptyQueue tests that an empty queue claims nothing, without error.
func TestClaimEmptyQueue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	now := time.Now()
	claimed, err := store.ClaimNextEntity(ctx, "worker-1", now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimNextEntity failed: %v", err)
	}
	if claimed != nil {
		t.Errorf("expected nil batch on empty queue, got %v", itemIDs(claimed))
	}
}
