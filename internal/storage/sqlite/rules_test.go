package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
)

func newTestRule(id, name string, kind types.EntityKind) *types.PriorityRule {
	return &types.PriorityRule{
		ID:         id,
		Name:       name,
		EntityKind: kind,
		Conditions: []types.Condition{
			{Field: "status", Operator: types.OpEquals, Value: "submitted", Modifier: 5},
		},
		ScoreModifier: 10,
		Active:        true,
		CreatedBy:     "coordinator-1",
	}
}

// TestCreateAndGetRule tests the rule round trip including conditions.
func TestCreateAndGetRule(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	rule := newTestRule("rule-1", "Submitted assessments first", types.KindAssessment)
	if err := store.CreateRule(ctx, rule); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if rule.CreatedAt.IsZero() || rule.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be stamped on create")
	}

	got, err := store.GetRule(ctx, "rule-1")
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if got.Name != rule.Name || got.ScoreModifier != 10 || !got.Active {
		t.Errorf("rule did not round trip: %+v", got)
	}
	if len(got.Conditions) != 1 || got.Conditions[0].Field != "status" {
		t.Errorf("conditions did not round trip: %+v", got.Conditions)
	}
	if got.Conditions[0].Modifier != 5 {
		t.Errorf("condition modifier did not round trip: %d", got.Conditions[0].Modifier)
	}
}

// TestCreateRuleDuplicateID tests id uniqueness.
func TestCreateRuleDuplicateID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	if err := store.CreateRule(ctx, newTestRule("rule-dup", "one", types.KindResponse)); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	err := store.CreateRule(ctx, newTestRule("rule-dup", "two", types.KindResponse))
	if !errors.Is(err, storage.ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
}

// TestListRulesOrderAndFilters tests creation order and the kind/active filters.
func TestListRulesOrderAndFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	first := newTestRule("rule-a", "first", types.KindAssessment)
	second := newTestRule("rule-b", "second", types.KindIncident)
	third := newTestRule("rule-c", "third", types.KindAssessment)
	third.Active = false

	for _, r := range []*types.PriorityRule{first, second, third} {
		if err := store.CreateRule(ctx, r); err != nil {
			t.Fatalf("CreateRule(%s) failed: %v", r.ID, err)
		}
	}

	rules, err := store.ListRules(ctx, types.RuleFilter{})
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}
	for i, want := range []string{"rule-a", "rule-b", "rule-c"} {
		if rules[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, rules[i].ID)
		}
	}

	kind := types.KindAssessment
	rules, err = store.ListRules(ctx, types.RuleFilter{Kind: &kind, ActiveOnly: true})
	if err != nil {
		t.Fatalf("ListRules filtered failed: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "rule-a" {
		t.Errorf("expected only active assessment rule, got %d rules", len(rules))
	}
}

// TestUpdateRule tests rewriting a rule in place.
func TestUpdateRule(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	rule := newTestRule("rule-up", "before", types.KindEntity)
	if err := store.CreateRule(ctx, rule); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}

	rule.Name = "after"
	rule.Active = false
	rule.ScoreModifier = -15
	if err := store.UpdateRule(ctx, rule); err != nil {
		t.Fatalf("UpdateRule failed: %v", err)
	}

	got, err := store.GetRule(ctx, "rule-up")
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if got.Name != "after" || got.Active || got.ScoreModifier != -15 {
		t.Errorf("update did not persist: %+v", got)
	}

	missing := newTestRule("rule-missing", "ghost", types.KindEntity)
	err = store.UpdateRule(ctx, missing)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestDeleteRule tests deletion and the unknown-id error.
func TestDeleteRule(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "")

	rule := newTestRule("rule-del", "doomed", types.KindMedia)
	if err := store.CreateRule(ctx, rule); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}

	if err := store.DeleteRule(ctx, "rule-del"); err != nil {
		t.Fatalf("DeleteRule failed: %v", err)
	}
	if _, err := store.GetRule(ctx, "rule-del"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected rule to be gone, got %v", err)
	}

	err := store.DeleteRule(ctx, "rule-del")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}
