package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
)

// TestCreateAndGetConflict tests the conflict round trip including the
// JSON-encoded versions and audit trail.
func TestCreateAndGetConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	c := newTestConflict("conf-1", types.KindAssessment, "asmt-1")
	c.AuditTrail = []types.AuditEntry{{
		Timestamp:   time.Now(),
		Action:      types.AuditConflictDetected,
		PerformedBy: "device-test",
		Details:     map[string]any{"fields": []any{"status"}},
	}}
	if err := store.CreateConflict(ctx, c); err != nil {
		t.Fatalf("CreateConflict failed: %v", err)
	}

	got, err := store.GetConflict(ctx, "conf-1")
	if err != nil {
		t.Fatalf("GetConflict failed: %v", err)
	}
	if got.Type != types.ConflictFieldLevel || got.Severity != types.SeverityMedium {
		t.Errorf("classification did not round trip: %s/%s", got.Type, got.Severity)
	}
	if got.LocalVersion["status"] != "local" || got.ServerVersion["status"] != "server" {
		t.Errorf("versions did not round trip: %v / %v", got.LocalVersion, got.ServerVersion)
	}
	if len(got.ConflictFields) != 1 || got.ConflictFields[0] != "status" {
		t.Errorf("conflict fields did not round trip: %v", got.ConflictFields)
	}
	if len(got.AuditTrail) != 1 || got.AuditTrail[0].Action != types.AuditConflictDetected {
		t.Errorf("audit trail did not round trip: %+v", got.AuditTrail)
	}

	_, err = store.GetConflict(ctx, "conf-missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestUpdateConflictResolution tests recording a resolution.
func TestUpdateConflictResolution(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	c := newTestConflict("conf-res", types.KindResponse, "resp-1")
	if err := store.CreateConflict(ctx, c); err != nil {
		t.Fatalf("CreateConflict failed: %v", err)
	}

	resolvedAt := time.Now()
	c.Status = types.ConflictResolved
	c.ResolutionStrategy = types.ResolutionLocalWins
	c.ResolvedBy = "coordinator-1"
	c.ResolvedAt = &resolvedAt
	c.Justification = "field team has newer observations"
	c.AuditTrail = append(c.AuditTrail, types.AuditEntry{
		Timestamp:   resolvedAt,
		Action:      types.AuditConflictResolved,
		PerformedBy: "coordinator-1",
	})
	if err := store.UpdateConflict(ctx, c); err != nil {
		t.Fatalf("UpdateConflict failed: %v", err)
	}

	got, err := store.GetConflict(ctx, "conf-res")
	if err != nil {
		t.Fatalf("GetConflict failed: %v", err)
	}
	if got.Status != types.ConflictResolved || got.ResolutionStrategy != types.ResolutionLocalWins {
		t.Errorf("resolution did not persist: %s/%s", got.Status, got.ResolutionStrategy)
	}
	if got.ResolvedAt == nil || got.ResolvedBy != "coordinator-1" {
		t.Errorf("resolver bookkeeping missing: %v %q", got.ResolvedAt, got.ResolvedBy)
	}
	if got.Justification == "" {
		t.Error("justification missing")
	}
}

// TestListConflictsFilters tests status, severity, entity, and archived
// visibility filters with newest-first ordering.
func TestListConflictsFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	older := newTestConflict("conf-old", types.KindAssessment, "asmt-x")
	older.DetectedAt = base
	newer := newTestConflict("conf-new", types.KindAssessment, "asmt-y")
	newer.DetectedAt = base.Add(time.Hour)
	newer.Severity = types.SeverityCritical

	resolvedAt := base.Add(2 * time.Hour)
	resolved := newTestConflict("conf-done", types.KindIncident, "inc-x")
	resolved.DetectedAt = base.Add(30 * time.Minute)
	resolved.Status = types.ConflictResolved
	resolved.ResolutionStrategy = types.ResolutionServerWins
	resolved.ResolvedBy = "coordinator-1"
	resolved.ResolvedAt = &resolvedAt
	resolved.AuditTrail = []types.AuditEntry{{Timestamp: resolvedAt, Action: types.AuditConflictResolved, PerformedBy: "coordinator-1"}}

	for _, c := range []*types.Conflict{older, newer, resolved} {
		if err := store.CreateConflict(ctx, c); err != nil {
			t.Fatalf("CreateConflict(%s) failed: %v", c.ID, err)
		}
	}

	all, err := store.ListConflicts(ctx, types.ConflictFilter{})
	if err != nil {
		t.Fatalf("ListConflicts failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 conflicts, got %d", len(all))
	}
	if all[0].ID != "conf-new" {
		t.Errorf("expected newest first, got %s", all[0].ID)
	}

	pending := types.ConflictPending
	got, err := store.ListConflicts(ctx, types.ConflictFilter{Status: &pending})
	if err != nil {
		t.Fatalf("ListConflicts by status failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 pending, got %d", len(got))
	}

	critical := types.SeverityCritical
	got, err = store.ListConflicts(ctx, types.ConflictFilter{Severity: &critical})
	if err != nil {
		t.Fatalf("ListConflicts by severity failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "conf-new" {
		t.Errorf("severity filter wrong: %d", len(got))
	}

	got, err = store.ListConflicts(ctx, types.ConflictFilter{EntityID: "inc-x"})
	if err != nil {
		t.Fatalf("ListConflicts by entity failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "conf-done" {
		t.Errorf("entity filter wrong: %d", len(got))
	}

	got, err = store.ListConflicts(ctx, types.ConflictFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListConflicts with limit failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("limit not applied: %d", len(got))
	}
}

// TestArchiveResolvedConflicts tests the retention sweep.
func TestArchiveResolvedConflicts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	oldResolved := newTestConflict("conf-ancient", types.KindAssessment, "asmt-a")
	oldResolvedAt := base
	oldResolved.Status = types.ConflictResolved
	oldResolved.ResolutionStrategy = types.ResolutionMerge
	oldResolved.ResolvedBy = "coordinator-1"
	oldResolved.ResolvedAt = &oldResolvedAt
	oldResolved.AuditTrail = []types.AuditEntry{{Timestamp: base, Action: types.AuditConflictResolved, PerformedBy: "coordinator-1"}}

	freshResolved := newTestConflict("conf-fresh", types.KindAssessment, "asmt-b")
	freshResolvedAt := base.AddDate(0, 2, 0)
	freshResolved.Status = types.ConflictResolved
	freshResolved.ResolutionStrategy = types.ResolutionMerge
	freshResolved.ResolvedBy = "coordinator-1"
	freshResolved.ResolvedAt = &freshResolvedAt
	freshResolved.AuditTrail = []types.AuditEntry{{Timestamp: freshResolvedAt, Action: types.AuditConflictResolved, PerformedBy: "coordinator-1"}}

	stillPending := newTestConflict("conf-pending", types.KindAssessment, "asmt-c")

	for _, c := range []*types.Conflict{oldResolved, freshResolved, stillPending} {
		if err := store.CreateConflict(ctx, c); err != nil {
			t.Fatalf("CreateConflict(%s) failed: %v", c.ID, err)
		}
	}

	cutoff := base.AddDate(0, 1, 0)
	n, err := store.ArchiveResolvedConflicts(ctx, cutoff)
	if err != nil {
		t.Fatalf("ArchiveResolvedConflicts failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 archived, got %d", n)
	}

	// Archived conflicts drop out of default listings.
	visible, err := store.ListConflicts(ctx, types.ConflictFilter{})
	if err != nil {
		t.Fatalf("ListConflicts failed: %v", err)
	}
	if len(visible) != 2 {
		t.Errorf("expected 2 visible conflicts, got %d", len(visible))
	}

	withArchived, err := store.ListConflicts(ctx, types.ConflictFilter{IncludeArchived: true})
	if err != nil {
		t.Fatalf("ListConflicts with archived failed: %v", err)
	}
	if len(withArchived) != 3 {
		t.Errorf("expected 3 with archived, got %d", len(withArchived))
	}

	// The sweep is idempotent.
	n, err = store.ArchiveResolvedConflicts(ctx, cutoff)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 newly archived, got %d", n)
	}
}

// TestConflictStats tests the aggregate counters.
func TestConflictStats(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	a := newTestConflict("conf-s1", types.KindAssessment, "asmt-1")
	a.Type = types.ConflictTimestamp
	a.Severity = types.SeverityLow

	b := newTestConflict("conf-s2", types.KindResponse, "resp-1")
	b.Type = types.ConflictConcurrentEdit
	b.Severity = types.SeverityHigh

	resolvedAt := time.Now()
	c := newTestConflict("conf-s3", types.KindResponse, "resp-2")
	c.Status = types.ConflictEscalated
	c.ResolvedBy = "coordinator-1"
	c.ResolvedAt = &resolvedAt
	c.AuditTrail = []types.AuditEntry{{Timestamp: resolvedAt, Action: types.AuditResolutionFailed, PerformedBy: "coordinator-1"}}

	for _, conf := range []*types.Conflict{a, b, c} {
		if err := store.CreateConflict(ctx, conf); err != nil {
			t.Fatalf("CreateConflict(%s) failed: %v", conf.ID, err)
		}
	}

	stats, err := store.ConflictStats(ctx)
	if err != nil {
		t.Fatalf("ConflictStats failed: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 2 || stats.Escalated != 1 {
		t.Errorf("counts wrong: %+v", stats)
	}
	if stats.ByType[types.ConflictTimestamp] != 1 || stats.ByType[types.ConflictConcurrentEdit] != 1 {
		t.Errorf("type counts wrong: %v", stats.ByType)
	}
	if stats.BySeverity[types.SeverityHigh] != 1 || stats.BySeverity[types.SeverityLow] != 1 {
		t.Errorf("severity counts wrong: %v", stats.BySeverity)
	}
	if stats.ByStatus[types.ConflictPending] != 2 {
		t.Errorf("status counts wrong: %v", stats.ByStatus)
	}
}
