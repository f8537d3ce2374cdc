// Package rpc is the daemon's consumer contract: newline-delimited JSON
// requests over the unix socket in the workspace directory. The CLI is the
// primary client; UI processes can speak the same protocol.
package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldworks/caravan/internal/types"
)

// Operation names accepted by the daemon.
const (
	OpPing     = "ping"
	OpStatus   = "status"
	OpShutdown = "shutdown"

	OpQueueSummary     = "queue_summary"
	OpQueueList        = "queue_list"
	OpQueueWatch       = "queue_watch"
	OpQueueRetry       = "queue_retry"
	OpQueueRemove      = "queue_remove"
	OpOverridePriority = "override_priority"

	OpConflictList    = "conflict_list"
	OpConflictShow    = "conflict_show"
	OpConflictStats   = "conflict_stats"
	OpConflictResolve = "conflict_resolve"

	OpUpdateList        = "update_list"
	OpUpdateRetry       = "update_retry"
	OpUpdateRollback    = "update_rollback"
	OpRollbackAllFailed = "rollback_all_failed"
)

// Request is one operation sent from client to daemon.
type Request struct {
	Operation     string          `json:"operation"`
	Args          json.RawMessage `json:"args,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	ClientVersion string          `json:"client_version,omitempty"`
}

// Response is the daemon's reply. Data is operation-specific.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func success(v any) Response {
	if v == nil {
		return Response{Success: true}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return failf("encode response: %v", err)
	}
	return Response{Success: true, Data: data}
}

func failf(format string, args ...any) Response {
	return Response{Success: false, Error: fmt.Sprintf(format, args...)}
}

// PingResult is returned by ping.
type PingResult struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

// StatusResult is the daemon self-report returned by status.
type StatusResult struct {
	Version       string              `json:"version"`
	PID           int                 `json:"pid"`
	StartedAt     time.Time           `json:"started_at"`
	UptimeSeconds float64             `json:"uptime_seconds"`
	SocketPath    string              `json:"socket_path"`
	Actor         string              `json:"actor,omitempty"`
	Queue         *types.QueueSummary `json:"queue,omitempty"`
	Updates       map[string]int      `json:"updates,omitempty"`
}

// QueueListArgs filters queue_list and the list half of queue_watch.
// Enum fields are strings so clients don't need the types package;
// empty means unfiltered.
type QueueListArgs struct {
	Kind     string `json:"kind,omitempty"`
	Label    string `json:"label,omitempty"`
	Status   string `json:"status,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
	Blocked  *bool  `json:"blocked,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// Filter converts the wire args to a storage filter.
func (a QueueListArgs) Filter(now time.Time) (types.ItemFilter, error) {
	filter := types.ItemFilter{EntityID: a.EntityID, Blocked: a.Blocked, Limit: a.Limit, Now: now}
	if a.Kind != "" {
		kind := types.EntityKind(a.Kind)
		if !kind.IsValid() {
			return filter, fmt.Errorf("invalid entity kind %q", a.Kind)
		}
		filter.Kind = &kind
	}
	if a.Label != "" {
		label := types.PriorityLabel(a.Label)
		if !label.IsValid() {
			return filter, fmt.Errorf("invalid priority label %q", a.Label)
		}
		filter.Label = &label
	}
	if a.Status != "" {
		status := types.SyncStatus(a.Status)
		switch status {
		case types.StatusPending, types.StatusSyncing, types.StatusFailed:
			filter.Status = &status
		default:
			return filter, fmt.Errorf("invalid queue status %q", a.Status)
		}
	}
	return filter, nil
}

// QueueWatchArgs long-polls the queue: the call returns as soon as a
// mutation lands after Since (unix milliseconds), or when the timeout
// elapses. Since zero returns the current state immediately.
type QueueWatchArgs struct {
	QueueListArgs
	Since     int64 `json:"since"`
	TimeoutMs int   `json:"timeout_ms,omitempty"`
}

// QueueWatchResult carries the queue state and the watch cursor for the
// next poll.
type QueueWatchResult struct {
	Items          []*types.QueueItem  `json:"items"`
	Summary        *types.QueueSummary `json:"summary"`
	LastMutationMs int64               `json:"last_mutation_ms"`
	Changed        bool                `json:"changed"`
}

// QueueItemArgs names a single queue item (queue_retry, queue_remove).
type QueueItemArgs struct {
	ID string `json:"id"`
}

// OverridePriorityArgs pins or clears a manual score on a queue item.
// Clear set restores rule-derived scoring and ignores Score.
type OverridePriorityArgs struct {
	ID            string `json:"id"`
	Score         int    `json:"score"`
	Justification string `json:"justification,omitempty"`
	Clear         bool   `json:"clear,omitempty"`
}

// ConflictListArgs filters conflict_list.
type ConflictListArgs struct {
	Status          string `json:"status,omitempty"`
	Kind            string `json:"kind,omitempty"`
	Severity        string `json:"severity,omitempty"`
	EntityID        string `json:"entity_id,omitempty"`
	IncludeArchived bool   `json:"include_archived,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

// Filter converts the wire args to a storage filter.
func (a ConflictListArgs) Filter() (types.ConflictFilter, error) {
	filter := types.ConflictFilter{EntityID: a.EntityID, IncludeArchived: a.IncludeArchived, Limit: a.Limit}
	if a.Status != "" {
		status := types.ConflictStatus(a.Status)
		switch status {
		case types.ConflictPending, types.ConflictResolved, types.ConflictEscalated:
			filter.Status = &status
		default:
			return filter, fmt.Errorf("invalid conflict status %q", a.Status)
		}
	}
	if a.Kind != "" {
		kind := types.EntityKind(a.Kind)
		if !kind.IsValid() {
			return filter, fmt.Errorf("invalid entity kind %q", a.Kind)
		}
		filter.Kind = &kind
	}
	if a.Severity != "" {
		severity := types.Severity(a.Severity)
		switch severity {
		case types.SeverityLow, types.SeverityMedium, types.SeverityHigh, types.SeverityCritical:
			filter.Severity = &severity
		default:
			return filter, fmt.Errorf("invalid severity %q", a.Severity)
		}
	}
	return filter, nil
}

// ConflictShowArgs names a single conflict.
type ConflictShowArgs struct {
	ID string `json:"id"`
}

// ConflictResolveArgs resolves a conflict. The resolving coordinator is
// the request's Actor.
type ConflictResolveArgs struct {
	ID            string        `json:"id"`
	Strategy      string        `json:"strategy"`
	MergedData    types.Payload `json:"merged_data,omitempty"`
	Justification string        `json:"justification,omitempty"`
}

// UpdateListArgs filters update_list by status; empty lists everything.
type UpdateListArgs struct {
	Status string `json:"status,omitempty"`
}

// UpdateRetryArgs names the optimistic update to re-queue.
type UpdateRetryArgs struct {
	ID string `json:"id"`
}

// UpdateRollbackArgs names the optimistic update to revert.
type UpdateRollbackArgs struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// RollbackAllResult reports how many failed updates were reverted.
type RollbackAllResult struct {
	RolledBack int `json:"rolled_back"`
}
