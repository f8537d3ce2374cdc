// Package types defines core data structures for the caravan sync core.
package types

import (
	"fmt"
	"time"
)

// EntityKind identifies the class of server entity a mutation targets.
type EntityKind string

// Entity kind constants
const (
	KindAssessment EntityKind = "ASSESSMENT"
	KindResponse   EntityKind = "RESPONSE"
	KindIncident   EntityKind = "INCIDENT"
	KindEntity     EntityKind = "ENTITY"
	KindMedia      EntityKind = "MEDIA"
)

// IsValid checks if the entity kind is one of the known values
func (k EntityKind) IsValid() bool {
	switch k {
	case KindAssessment, KindResponse, KindIncident, KindEntity, KindMedia:
		return true
	}
	return false
}

// Collection returns the REST collection path segment for the kind.
func (k EntityKind) Collection() string {
	switch k {
	case KindAssessment:
		return "assessments"
	case KindResponse:
		return "responses"
	case KindIncident:
		return "incidents"
	case KindEntity:
		return "entities"
	case KindMedia:
		return "media"
	}
	return ""
}

// Action is the kind of mutation a queue item carries.
type Action string

// Action constants
const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// IsValid checks if the action is one of the known values
func (a Action) IsValid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// PriorityLabel is the coarse triage bucket derived from a priority score.
type PriorityLabel string

// Priority label constants
const (
	LabelCritical PriorityLabel = "CRITICAL"
	LabelHigh     PriorityLabel = "HIGH"
	LabelNormal   PriorityLabel = "NORMAL"
	LabelLow      PriorityLabel = "LOW"
)

// IsValid checks if the label is one of the known values
func (l PriorityLabel) IsValid() bool {
	switch l {
	case LabelCritical, LabelHigh, LabelNormal, LabelLow:
		return true
	}
	return false
}

// LabelForScore derives the triage label from a clamped priority score:
// >=70 CRITICAL, >=40 HIGH, >=20 NORMAL, else LOW.
func LabelForScore(score int) PriorityLabel {
	switch {
	case score >= 70:
		return LabelCritical
	case score >= 40:
		return LabelHigh
	case score >= 20:
		return LabelNormal
	}
	return LabelLow
}

// ClampScore bounds a priority score to [0,100].
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Payload is an open record as exchanged with the server. Payloads are never
// introspected except through dotted field paths (see the fieldpath package).
type Payload map[string]any

// Clone returns a shallow copy one level deep. Nested maps and slices are
// copied by value at the top level only; leaf values are shared.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ManualOverride records a coordinator-supplied replacement of the computed
// priority score. Overrides are always justified and survive recomputation.
type ManualOverride struct {
	CoordinatorID string    `json:"coordinatorId"`
	OriginalScore int       `json:"originalScore"`
	OverrideScore int       `json:"overrideScore"`
	Justification string    `json:"justification"`
	Timestamp     time.Time `json:"timestamp"`
}

// SyncStatus is the UI-facing synchronization state of a queue item or entity.
type SyncStatus string

// Sync status constants
const (
	StatusPending    SyncStatus = "PENDING"
	StatusSyncing    SyncStatus = "SYNCING"
	StatusSynced     SyncStatus = "SYNCED"
	StatusFailed     SyncStatus = "FAILED"
	StatusRolledBack SyncStatus = "ROLLED_BACK"
)

// QueueItem is the durable representation of one pending local mutation.
//
// The JSON shape (camelCase keys) is the interop contract for queue record
// persistence; blockedBy is an extension key naming the conflict that blocks
// the item. Lease bookkeeping and the CAS version are storage-internal and
// never serialized.
type QueueItem struct {
	ID                string          `json:"id"`
	EntityKind        EntityKind      `json:"entityKind"`
	Action            Action          `json:"action"`
	EntityID          string          `json:"entityId"`
	Payload           Payload         `json:"payload,omitempty"`
	PriorityLabel     PriorityLabel   `json:"priorityLabel,omitempty"`
	PriorityScore     int             `json:"priorityScore"`
	PriorityReason    string          `json:"priorityReason,omitempty"`
	ManualOverride    *ManualOverride `json:"manualOverride,omitempty"`
	EstimatedSyncTime *time.Time      `json:"estimatedSyncTime,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	LastAttemptAt     *time.Time      `json:"lastAttemptAt,omitempty"`
	RetryCount        int             `json:"retryCount"`
	LastError         string          `json:"lastError,omitempty"`
	BlockedBy         string          `json:"blockedBy,omitempty"`

	// MaxRetries is the per-item attempt ceiling. Items linked to an
	// optimistic update carry a lower ceiling than core items.
	MaxRetries int `json:"-"`

	// Attempt scheduling; set by the engine after a failed attempt.
	NextAttemptAt *time.Time `json:"-"`

	// Lease bookkeeping; an item with a live lease is held by one worker.
	LeaseOwner     string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`

	// Version is the storage CAS counter, bumped on every write.
	Version int64 `json:"-"`
}

// Validate checks if the queue item has valid field values
func (i *QueueItem) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !i.EntityKind.IsValid() {
		return fmt.Errorf("invalid entity kind: %s", i.EntityKind)
	}
	if !i.Action.IsValid() {
		return fmt.Errorf("invalid action: %s", i.Action)
	}
	if i.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if i.Action != ActionDelete && len(i.Payload) == 0 {
		return fmt.Errorf("payload is required for %s", i.Action)
	}
	if i.PriorityScore < 0 || i.PriorityScore > 100 {
		return fmt.Errorf("priority score must be between 0 and 100 (got %d)", i.PriorityScore)
	}
	if i.RetryCount < 0 {
		return fmt.Errorf("retry count cannot be negative")
	}
	return nil
}

// DerivedStatus maps stored bookkeeping onto the UI-facing status. SYNCING is
// a view over an active lease, never a stored column; an item that no longer
// exists is SYNCED.
func (i *QueueItem) DerivedStatus(now time.Time) SyncStatus {
	if i.LeaseOwner != "" && i.LeaseExpiresAt != nil && i.LeaseExpiresAt.After(now) {
		return StatusSyncing
	}
	if i.LastError != "" {
		return StatusFailed
	}
	return StatusPending
}

// TerminalFailed reports whether the item has exhausted its attempts and
// needs operator attention. Items with no ceiling never go terminal.
func (i *QueueItem) TerminalFailed() bool {
	return i.MaxRetries > 0 && i.RetryCount >= i.MaxRetries
}

// EntityKey addresses a server-side entity.
type EntityKey struct {
	Kind EntityKind `json:"entityKind"`
	ID   string     `json:"entityId"`
}

// Key returns the entity identity the item mutates.
func (i *QueueItem) Key() EntityKey {
	return EntityKey{Kind: i.EntityKind, ID: i.EntityID}
}

func (k EntityKey) String() string {
	return string(k.Kind) + "/" + k.ID
}

// Operator is a condition comparison operator.
type Operator string

// Condition operator constants
const (
	OpEquals      Operator = "EQUALS"
	OpGreaterThan Operator = "GREATER_THAN"
	OpContains    Operator = "CONTAINS"
	OpInArray     Operator = "IN_ARRAY"
)

// IsValid checks if the operator is one of the known values
func (o Operator) IsValid() bool {
	switch o {
	case OpEquals, OpGreaterThan, OpContains, OpInArray:
		return true
	}
	return false
}

// Condition is a single payload predicate inside a priority rule. A condition
// that individually holds contributes its own modifier on top of the rule's.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
	Modifier int      `json:"modifier,omitempty"`
}

// Validate checks if the condition has valid field values
func (c *Condition) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("condition field is required")
	}
	if !c.Operator.IsValid() {
		return fmt.Errorf("invalid operator: %s", c.Operator)
	}
	return nil
}

// PriorityRule is a named, toggleable scoring contribution evaluated against
// queue item payloads. Rules apply to a single entity kind.
type PriorityRule struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	EntityKind    EntityKind  `json:"entityKind"`
	Conditions    []Condition `json:"conditions,omitempty"`
	ScoreModifier int         `json:"scoreModifier"`
	Active        bool        `json:"active"`
	CreatedBy     string      `json:"createdBy,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`

	// Position is the insertion order used for stable reason composition.
	// Assigned by storage; not part of rule documents.
	Position int64 `json:"-"`
}

// Validate checks if the rule has valid field values
func (r *PriorityRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(r.Name) > 200 {
		return fmt.Errorf("rule name must be 200 characters or less (got %d)", len(r.Name))
	}
	if !r.EntityKind.IsValid() {
		return fmt.Errorf("invalid entity kind: %s", r.EntityKind)
	}
	for idx := range r.Conditions {
		if err := r.Conditions[idx].Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", idx, err)
		}
	}
	return nil
}

// ConflictType classifies how local and server versions disagree.
type ConflictType string

// Conflict type constants
const (
	ConflictTimestamp      ConflictType = "TIMESTAMP"
	ConflictFieldLevel     ConflictType = "FIELD_LEVEL"
	ConflictConcurrentEdit ConflictType = "CONCURRENT_EDIT"
)

// Severity is the four-level ordinal classification driving triage order.
type Severity string

// Severity constants
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities: CRITICAL > HIGH > MEDIUM > LOW.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

// ConflictStatus is the lifecycle state of a conflict.
type ConflictStatus string

// Conflict status constants
const (
	ConflictPending   ConflictStatus = "PENDING"
	ConflictResolved  ConflictStatus = "RESOLVED"
	ConflictEscalated ConflictStatus = "ESCALATED"
)

// ResolutionStrategy names how a conflict was resolved.
type ResolutionStrategy string

// Resolution strategy constants
const (
	ResolutionLocalWins  ResolutionStrategy = "LOCAL_WINS"
	ResolutionServerWins ResolutionStrategy = "SERVER_WINS"
	ResolutionMerge      ResolutionStrategy = "MERGE"
	ResolutionManual     ResolutionStrategy = "MANUAL"
)

// IsValid checks if the strategy is one of the known values
func (s ResolutionStrategy) IsValid() bool {
	switch s {
	case ResolutionLocalWins, ResolutionServerWins, ResolutionMerge, ResolutionManual:
		return true
	}
	return false
}

// Audit action constants
const (
	AuditConflictDetected  = "CONFLICT_DETECTED"
	AuditConflictResolved  = "CONFLICT_RESOLVED"
	AuditConflictEscalated = "CONFLICT_ESCALATED"
	AuditResolutionFailed  = "RESOLUTION_FAILED"
)

// AuditEntry is one append-only record in a conflict's audit trail.
type AuditEntry struct {
	Timestamp   time.Time      `json:"timestamp"`
	Action      string         `json:"action"`
	PerformedBy string         `json:"performedBy"`
	Details     map[string]any `json:"details,omitempty"`
}

// Conflict is a detected disagreement between the local payload and the
// server version of an entity. Conflicts are mutated only through resolver
// operations; the audit trail is append-only.
type Conflict struct {
	ID                 string             `json:"id"`
	EntityKind         EntityKind         `json:"entityKind"`
	EntityID           string             `json:"entityId"`
	Type               ConflictType       `json:"type"`
	Severity           Severity           `json:"severity"`
	LocalVersion       Payload            `json:"localVersion"`
	ServerVersion      Payload            `json:"serverVersion"`
	ConflictFields     []string           `json:"conflictFields,omitempty"`
	DetectedAt         time.Time          `json:"detectedAt"`
	DetectedBy         string             `json:"detectedBy,omitempty"`
	Status             ConflictStatus     `json:"status"`
	ResolutionStrategy ResolutionStrategy `json:"resolutionStrategy,omitempty"`
	ResolvedBy         string             `json:"resolvedBy,omitempty"`
	ResolvedAt         *time.Time         `json:"resolvedAt,omitempty"`
	Justification      string             `json:"justification,omitempty"`
	AuditTrail         []AuditEntry       `json:"auditTrail,omitempty"`

	// QueueItemID is the queue item blocked by this conflict, if any.
	QueueItemID string `json:"queueItemId,omitempty"`

	// ArchivedAt tombstones a resolved conflict past the archive TTL.
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// Validate checks the cross-field invariants on a conflict record.
func (c *Conflict) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !c.EntityKind.IsValid() {
		return fmt.Errorf("invalid entity kind: %s", c.EntityKind)
	}
	if c.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	if c.Status != ConflictPending {
		if c.ResolvedBy == "" || c.ResolvedAt == nil {
			return fmt.Errorf("non-pending conflicts must have resolvedBy and resolvedAt")
		}
		if len(c.AuditTrail) == 0 {
			return fmt.Errorf("non-pending conflicts must have a non-empty audit trail")
		}
	}
	return nil
}

// UpdateStatus is the lifecycle state of an optimistic update.
type UpdateStatus string

// Optimistic update status constants
const (
	UpdatePending    UpdateStatus = "PENDING"
	UpdateConfirmed  UpdateStatus = "CONFIRMED"
	UpdateFailed     UpdateStatus = "FAILED"
	UpdateRolledBack UpdateStatus = "ROLLED_BACK"
)

// Terminal reports whether the status admits no further transitions.
func (s UpdateStatus) Terminal() bool {
	return s == UpdateConfirmed || s == UpdateRolledBack
}

// OptimisticUpdate is the UI-level projection of a local mutation, linked
// one-to-one with a queue item. CONFIRMED entries are garbage collected;
// FAILED entries persist until retried or rolled back.
type OptimisticUpdate struct {
	ID                string       `json:"id"`
	EntityKind        EntityKind   `json:"entityKind"`
	EntityID          string       `json:"entityId"`
	Operation         Action       `json:"operation"`
	OptimisticData    Payload      `json:"optimisticData,omitempty"`
	OriginalData      Payload      `json:"originalData,omitempty"`
	Status            UpdateStatus `json:"status"`
	Timestamp         time.Time    `json:"timestamp"`
	RetryCount        int          `json:"retryCount"`
	MaxRetries        int          `json:"maxRetries"`
	Error             string       `json:"error,omitempty"`
	LinkedQueueItemID string       `json:"linkedQueueItemId,omitempty"`
	ConfirmedAt       *time.Time   `json:"confirmedAt,omitempty"`
}

// EntityUIState is the per-entity view derived from live optimistic updates.
// Entries disappear when no update references the entity.
type EntityUIState struct {
	EntityKind     EntityKind `json:"entityKind"`
	EntityID       string     `json:"entityId"`
	SyncStatus     SyncStatus `json:"syncStatus"`
	LastUpdate     time.Time  `json:"lastUpdate"`
	ActiveUpdateID string     `json:"activeOptimisticUpdateId,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	RetryCount     int        `json:"retryCount"`
	CanRetry       bool       `json:"canRetry"`
	CanRollback    bool       `json:"canRollback"`
}
