package eventbus

import (
	"time"
)

// EventType identifies an event flowing through the bus.
type EventType string

const (
	// Queue lifecycle events.
	EventQueueUpdated EventType = "queue.updated"
	EventItemSynced   EventType = "item.synced"
	EventItemFailed   EventType = "item.failed"

	// Conflict lifecycle events.
	EventConflictDetected EventType = "conflict.detected"
	EventConflictResolved EventType = "conflict.resolved"

	// Optimistic update lifecycle events.
	EventUpdateApplied    EventType = "update.applied"
	EventUpdateConfirmed  EventType = "update.confirmed"
	EventUpdateFailed     EventType = "update.failed"
	EventUpdateRolledBack EventType = "update.rolledback"
)

// Event represents a single sync lifecycle event flowing through the bus.
// Identity fields are plain strings so consumers can route without pulling
// in the domain packages.
type Event struct {
	Type       EventType `json:"event_type"`
	Timestamp  time.Time `json:"timestamp"`
	EntityKind string    `json:"entity_kind,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	ItemID     string    `json:"item_id,omitempty"`
	ConflictID string    `json:"conflict_id,omitempty"`
	UpdateID   string    `json:"update_id,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Error      string    `json:"error,omitempty"`

	// Type-specific extras: conflict type and severity for conflict events,
	// resolution strategy for conflict.resolved, attempt counts for failures.
	Details map[string]any `json:"details,omitempty"`
}

// IsQueueEvent returns true if the event type belongs to the queue
// lifecycle category.
func (t EventType) IsQueueEvent() bool {
	switch t {
	case EventQueueUpdated, EventItemSynced, EventItemFailed:
		return true
	}
	return false
}

// IsConflictEvent returns true if the event type belongs to the conflict
// lifecycle category.
func (t EventType) IsConflictEvent() bool {
	switch t {
	case EventConflictDetected, EventConflictResolved:
		return true
	}
	return false
}

// IsUpdateEvent returns true if the event type belongs to the optimistic
// update lifecycle category.
func (t EventType) IsUpdateEvent() bool {
	switch t {
	case EventUpdateApplied, EventUpdateConfirmed,
		EventUpdateFailed, EventUpdateRolledBack:
		return true
	}
	return false
}
