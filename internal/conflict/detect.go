// Package conflict detects and resolves disagreements between local
// mutations and server records.
//
// Detection is pure and deterministic: the same local payload, server
// record, and options always classify identically. Resolution talks to the
// server and the store, so it lives on a Resolver with injected handles.
package conflict

import (
	"time"

	"github.com/google/uuid"

	"github.com/fieldworks/caravan/internal/fieldpath"
	"github.com/fieldworks/caravan/internal/types"
)

// criticalFields lists, per entity kind, the fields whose divergence makes
// a field-level conflict. MEDIA records carry no critical fields, so MEDIA
// conflicts classify through timestamps only.
var criticalFields = map[types.EntityKind][]string{
	types.KindAssessment: {"status", "priority", "assignedTo", "notes", "score", "riskLevel", "recommendations", "checklist"},
	types.KindResponse:   {"status", "priority", "assignedTo", "notes", "responseType", "resources", "timeline", "approvalStatus"},
	types.KindIncident:   {"status", "priority", "assignedTo", "notes", "severity", "location", "casualties", "resources"},
	types.KindEntity:     {"status", "priority", "assignedTo", "notes", "entityData", "metadata"},
}

// Severity ladders, checked in order; first match wins.
var (
	severityCriticalFields = []string{"entityId", "entityType", "id", "userId"}
	severityHighFields     = []string{"status", "priority", "assignedTo", "approvalStatus", "severity"}
	severityMediumFields   = []string{"score", "riskLevel", "responseType", "resources", "timeline"}
)

// Options carries what detection needs beyond the two records.
type Options struct {
	// Window is the concurrent-edit threshold: a server edit within this
	// long of the local edit classifies as CONCURRENT_EDIT.
	Window time.Duration

	// DetectedBy stamps the conflict record and its first audit entry.
	DetectedBy string

	// Now anchors the detection timestamp; zero means the wall clock.
	Now time.Time
}

// Detect compares a local mutation with the server's record and returns a
// conflict ready to persist, or nil when the records don't conflict.
//
// A conflict requires the server record to be strictly newer than the
// local edit: a local mutation based on the server's current state applies
// cleanly no matter which fields it changes. When the server is newer, an
// edit inside the window is a CONCURRENT_EDIT, critical-field divergence
// outside the window is FIELD_LEVEL, and anything else is TIMESTAMP.
func Detect(item *types.QueueItem, server types.Payload, opts Options) *types.Conflict {
	serverAt, ok := server.UpdatedAt()
	if !ok {
		// No authoritative timestamp; freshness cannot be established.
		return nil
	}
	localAt := localUpdatedAt(item)
	if !serverAt.After(localAt) {
		return nil
	}

	var fields []string
	if item.Action != types.ActionDelete {
		fields = conflictingFields(item.EntityKind, item.Payload, server)
	}

	var ctype types.ConflictType
	switch {
	case serverAt.Sub(localAt) <= opts.Window:
		ctype = types.ConflictConcurrentEdit
	case len(fields) > 0:
		ctype = types.ConflictFieldLevel
	default:
		ctype = types.ConflictTimestamp
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	severity := classifySeverity(ctype, fields)

	return &types.Conflict{
		ID:             uuid.NewString(),
		EntityKind:     item.EntityKind,
		EntityID:       item.EntityID,
		Type:           ctype,
		Severity:       severity,
		LocalVersion:   item.Payload.Clone(),
		ServerVersion:  server.Clone(),
		ConflictFields: fields,
		DetectedAt:     now,
		DetectedBy:     opts.DetectedBy,
		Status:         types.ConflictPending,
		QueueItemID:    item.ID,
		AuditTrail: []types.AuditEntry{{
			Timestamp:   now,
			Action:      types.AuditConflictDetected,
			PerformedBy: opts.DetectedBy,
			Details: map[string]any{
				"type":           string(ctype),
				"severity":       string(severity),
				"fieldsAffected": fields,
			},
		}},
	}
}

// localUpdatedAt anchors the local side of the timestamp comparison. The
// payload's own updatedAt is the writer's view of what it edited; items
// without one fall back to enqueue time. Client clocks only ever make
// detection more conservative, never authoritative.
func localUpdatedAt(item *types.QueueItem) time.Time {
	if at, ok := item.Payload.UpdatedAt(); ok {
		return at
	}
	return item.CreatedAt
}

// conflictingFields returns the critical fields that differ between the
// local payload and the server record, in table order. A field missing on
// one side counts as differing; missing on both sides counts as equal.
func conflictingFields(kind types.EntityKind, local, server types.Payload) []string {
	var fields []string
	for _, f := range criticalFields[kind] {
		lv, lok := local[f]
		sv, sok := server[f]
		if !lok && !sok {
			continue
		}
		if lok != sok || !fieldpath.Equal(lv, sv) {
			fields = append(fields, f)
		}
	}
	return fields
}

// classifySeverity ranks a conflict for triage. First match wins.
func classifySeverity(ctype types.ConflictType, fields []string) types.Severity {
	switch {
	case anyField(fields, severityCriticalFields):
		return types.SeverityCritical
	case anyField(fields, severityHighFields):
		return types.SeverityHigh
	case anyField(fields, severityMediumFields):
		return types.SeverityMedium
	case ctype == types.ConflictConcurrentEdit:
		if len(fields) > 3 {
			return types.SeverityHigh
		}
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

func anyField(fields, set []string) bool {
	for _, f := range fields {
		for _, s := range set {
			if f == s {
				return true
			}
		}
	}
	return false
}
