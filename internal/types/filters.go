package types

import "time"

// ItemFilter is used to filter queue item queries. Nil pointer fields
// match everything. Status filtering derives the status at Now, because
// SYNCING exists only as a view over an active lease.
type ItemFilter struct {
	Kind     *EntityKind
	Label    *PriorityLabel
	Status   *SyncStatus
	EntityID string
	Blocked  *bool // true: only conflict-blocked items; false: only unblocked
	Limit    int

	// Now anchors derived-status evaluation; zero means the store's clock.
	Now time.Time
}

// RuleFilter is used to filter priority rule queries.
type RuleFilter struct {
	Kind       *EntityKind
	ActiveOnly bool
}

// ConflictFilter is used to filter conflict queries. Archived conflicts
// are excluded unless IncludeArchived is set.
type ConflictFilter struct {
	Status          *ConflictStatus
	Kind            *EntityKind
	Severity        *Severity
	EntityID        string
	IncludeArchived bool
	Limit           int
}

// QueueSummary is the operator-facing snapshot of queue health.
type QueueSummary struct {
	TotalItems     int `json:"total_items"`
	Pending        int `json:"pending"`
	Syncing        int `json:"syncing"`
	Failed         int `json:"failed"`
	TerminalFailed int `json:"terminal_failed"`
	Blocked        int `json:"blocked"`

	Critical int `json:"critical"`
	High     int `json:"high"`
	Normal   int `json:"normal"`
	Low      int `json:"low"`

	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
	LastUpdatedAt   *time.Time `json:"last_updated_at,omitempty"`
}

// ConflictStats aggregates conflicts for triage views.
type ConflictStats struct {
	Total      int                    `json:"total"`
	Pending    int                    `json:"pending"`
	Resolved   int                    `json:"resolved"`
	Escalated  int                    `json:"escalated"`
	Archived   int                    `json:"archived"`
	ByType     map[ConflictType]int   `json:"by_type,omitempty"`
	BySeverity map[Severity]int       `json:"by_severity,omitempty"`
	ByStatus   map[ConflictStatus]int `json:"by_status,omitempty"`
}
