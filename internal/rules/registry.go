// Package rules manages the priority rule set and coordinator overrides.
//
// The registry is a thin policy layer over the store: it assigns rule IDs,
// keeps override bookkeeping honest, and recomputes item priority views
// against whatever rules are active right now.
package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldworks/caravan/internal/idgen"
	"github.com/fieldworks/caravan/internal/priority"
	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/types"
)

// maxIDAttempts bounds the collision loop when deriving rule IDs.
const maxIDAttempts = 5

// Registry manages persisted priority rules and manual score overrides.
type Registry struct {
	store storage.Store
}

// New creates a registry over the given store.
func New(store storage.Store) *Registry {
	return &Registry{store: store}
}

// CreateRule validates and persists a new rule. A missing ID is derived
// from the rule name; name collisions fall back to a digest suffix.
func (r *Registry) CreateRule(ctx context.Context, rule *types.PriorityRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	if rule.ID != "" {
		return r.store.CreateRule(ctx, rule)
	}

	for nonce := 0; nonce < maxIDAttempts; nonce++ {
		rule.ID = idgen.RuleID(rule.Name, rule.CreatedAt, nonce)
		err := r.store.CreateRule(ctx, rule)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrDuplicateID) {
			return err
		}
	}
	return fmt.Errorf("derive id for rule %q: %w", rule.Name, storage.ErrDuplicateID)
}

// GetRule returns one rule by ID.
func (r *Registry) GetRule(ctx context.Context, id string) (*types.PriorityRule, error) {
	return r.store.GetRule(ctx, id)
}

// UpdateRule validates and persists changes to an existing rule.
func (r *Registry) UpdateRule(ctx context.Context, rule *types.PriorityRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	rule.UpdatedAt = time.Now().UTC()
	return r.store.UpdateRule(ctx, rule)
}

// DeleteRule removes a rule. Items scored under it keep their stored
// scores until the next rescore.
func (r *Registry) DeleteRule(ctx context.Context, id string) error {
	return r.store.DeleteRule(ctx, id)
}

// ListRules returns rules matching the filter in insertion order.
func (r *Registry) ListRules(ctx context.Context, filter types.RuleFilter) ([]*types.PriorityRule, error) {
	return r.store.ListRules(ctx, filter)
}

// ListActive returns the active rules for one entity kind in insertion
// order, which is the order the priority engine applies them.
func (r *Registry) ListActive(ctx context.Context, kind types.EntityKind) ([]*types.PriorityRule, error) {
	return r.store.ListRules(ctx, types.RuleFilter{Kind: &kind, ActiveOnly: true})
}

// ToggleActive flips a rule's active flag and reports the new state.
func (r *Registry) ToggleActive(ctx context.Context, id string) (bool, error) {
	rule, err := r.store.GetRule(ctx, id)
	if err != nil {
		return false, err
	}
	rule.Active = !rule.Active
	rule.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateRule(ctx, rule); err != nil {
		return false, err
	}
	return rule.Active, nil
}

// OverridePriority pins a coordinator-supplied score on a queue item. The
// stored score changes immediately so claim ordering reflects the override,
// and the item's reason keeps its history with the override appended.
// Repeating an override that is already in place (same coordinator, score,
// and justification) changes nothing.
func (r *Registry) OverridePriority(ctx context.Context, itemID string, newScore int, coordinatorID, justification string) (*types.QueueItem, error) {
	if newScore < 0 || newScore > 100 {
		return nil, fmt.Errorf("override score must be between 0 and 100 (got %d)", newScore)
	}
	if coordinatorID == "" {
		return nil, errors.New("coordinator id is required")
	}
	if justification == "" {
		return nil, errors.New("justification is required")
	}

	// Replay of an applied override returns the stored item untouched.
	current, err := r.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if overrideInPlace(current, newScore, coordinatorID, justification) {
		return current, nil
	}

	now := time.Now().UTC()
	return storage.Mutate(ctx, r.store, itemID, func(item *types.QueueItem) error {
		if overrideInPlace(item, newScore, coordinatorID, justification) {
			return nil
		}
		original := item.PriorityScore
		if item.ManualOverride != nil {
			original = item.ManualOverride.OriginalScore
		}
		item.ManualOverride = &types.ManualOverride{
			CoordinatorID: coordinatorID,
			OriginalScore: original,
			OverrideScore: newScore,
			Justification: justification,
			Timestamp:     now,
		}
		item.PriorityScore = newScore
		item.PriorityLabel = types.LabelForScore(newScore)
		item.PriorityReason = appendReason(item.PriorityReason, "manual override: "+justification)
		return nil
	})
}

// ClearOverride removes a manual override and restores rule-derived
// scoring. Clearing an item with no override is a no-op.
func (r *Registry) ClearOverride(ctx context.Context, itemID string) (*types.QueueItem, error) {
	current, err := r.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if current.ManualOverride == nil {
		return current, nil
	}

	active, err := r.ListActive(ctx, current.EntityKind)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return storage.Mutate(ctx, r.store, itemID, func(item *types.QueueItem) error {
		if item.ManualOverride == nil {
			return nil
		}
		item.ManualOverride = nil
		priority.Compute(item, active, 0, now).Apply(item)
		return nil
	})
}

// Rescore refreshes the priority view of an in-memory item against the
// active rules and the current queue depth. Nothing is written; read paths
// call this so displayed scores and estimates track rule edits between
// syncs.
func (r *Registry) Rescore(ctx context.Context, item *types.QueueItem) error {
	active, err := r.ListActive(ctx, item.EntityKind)
	if err != nil {
		return fmt.Errorf("load rules for %s: %w", item.EntityKind, err)
	}
	now := time.Now().UTC()
	res := priority.Compute(item, active, 0, now)
	ahead, err := r.store.CountAhead(ctx, res.Score, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("count queue ahead of %s: %w", item.ID, err)
	}
	res.EstimatedSyncTime = priority.Estimate(ahead, now)
	res.Apply(item)
	return nil
}

// overrideInPlace reports whether the item already carries exactly this
// override, which makes a repeated request a replay rather than a change.
func overrideInPlace(item *types.QueueItem, score int, coordinatorID, justification string) bool {
	o := item.ManualOverride
	return o != nil &&
		o.CoordinatorID == coordinatorID &&
		o.OverrideScore == score &&
		o.Justification == justification
}

// appendReason joins reason history entries with a semicolon, tolerating
// an empty prior reason.
func appendReason(prior, entry string) string {
	if prior == "" {
		return entry
	}
	return prior + "; " + entry
}
