// Package priority computes queue item scores from the active rule set.
//
// Scoring is pure: the same item and rules always produce the same score
// and reason, so callers can recompute at any time (queue reads, override
// changes, rule edits) without side effects.
package priority

import (
	"fmt"
	"strings"
	"time"

	"github.com/fieldworks/caravan/internal/types"
)

// baselineFloor is the minimum baseline before rules apply. Rules with
// negative modifiers can still pull the final score below it.
const baselineFloor = 50

// slotInterval is the per-position increment used for sync time estimates.
const slotInterval = 5 * time.Second

// Result is one scoring pass over a queue item.
type Result struct {
	Score             int
	Label             types.PriorityLabel
	Reason            string
	EstimatedSyncTime time.Time
}

// Baseline derives the pre-rule score from what the mutation is. Deletes
// outrank creates outrank updates; incidents outrank assessments outrank
// responses. Combinations that land below the floor get the floor.
func Baseline(kind types.EntityKind, action types.Action) int {
	score := 0
	switch action {
	case types.ActionCreate:
		score += 20
	case types.ActionUpdate:
		score += 10
	case types.ActionDelete:
		score += 30
	}
	switch kind {
	case types.KindIncident:
		score += 30
	case types.KindAssessment:
		score += 20
	case types.KindResponse:
		score += 15
	}
	if score < baselineFloor {
		score = baselineFloor
	}
	return score
}

// Estimate projects when an item should reach the head of the queue given
// how many higher-priority items sit ahead of it. The projection is a queue
// position heuristic, not a promise; it only needs to grow with queueAhead.
func Estimate(queueAhead int, now time.Time) time.Time {
	if queueAhead < 0 {
		queueAhead = 0
	}
	return now.Add(time.Duration(queueAhead+1) * slotInterval)
}

// Compute scores an item against the active rules.
//
// The score starts from Baseline. Every active rule for the item's entity
// kind that matches contributes its scoreModifier plus the modifiers of the
// conditions that individually hold. A rule with no conditions always
// matches; a rule with conditions matches when at least one of them holds.
// A manual override replaces the computed score outright. The final score
// is clamped to [0,100] and the reason names each contribution in the order
// the rules are given, which storage keeps as rule insertion order.
func Compute(item *types.QueueItem, rules []*types.PriorityRule, queueAhead int, now time.Time) Result {
	if item.ManualOverride != nil {
		score := types.ClampScore(item.ManualOverride.OverrideScore)
		return Result{
			Score:             score,
			Label:             types.LabelForScore(score),
			Reason:            "manual override: " + item.ManualOverride.Justification,
			EstimatedSyncTime: Estimate(queueAhead, now),
		}
	}

	base := Baseline(item.EntityKind, item.Action)
	score := base
	parts := []string{fmt.Sprintf("baseline %d", base)}

	for _, rule := range rules {
		if !rule.Active || rule.EntityKind != item.EntityKind {
			continue
		}
		delta, matched := ruleDelta(item.Payload, rule)
		if !matched {
			continue
		}
		score += delta
		parts = append(parts, fmt.Sprintf("%s %+d", rule.Name, delta))
	}

	score = types.ClampScore(score)
	return Result{
		Score:             score,
		Label:             types.LabelForScore(score),
		Reason:            strings.Join(parts, "; "),
		EstimatedSyncTime: Estimate(queueAhead, now),
	}
}

// ruleDelta evaluates one rule against a payload. The delta is the rule's
// scoreModifier plus the modifiers of every condition that holds on its own.
func ruleDelta(payload types.Payload, rule *types.PriorityRule) (int, bool) {
	if len(rule.Conditions) == 0 {
		return rule.ScoreModifier, true
	}
	delta := rule.ScoreModifier
	matched := false
	for i := range rule.Conditions {
		if ConditionHolds(payload, rule.Conditions[i]) {
			matched = true
			delta += rule.Conditions[i].Modifier
		}
	}
	if !matched {
		return 0, false
	}
	return delta, true
}

// Apply copies a scoring result onto the item's surfaced priority fields.
func (r Result) Apply(item *types.QueueItem) {
	item.PriorityScore = r.Score
	item.PriorityLabel = r.Label
	item.PriorityReason = r.Reason
	est := r.EstimatedSyncTime
	item.EstimatedSyncTime = &est
}
