// Package caravan provides a minimal public API for embedding the sync core
// in custom tooling.
//
// Most integrations should go through the caravan CLI or the daemon's RPC
// socket. This package exports only the essential types and functions needed
// for Go programs that want to enqueue work or inspect sync state through the
// storage layer directly.
package caravan

import (
	"context"

	"github.com/fieldworks/caravan/internal/config"
	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/storage/factory"
	"github.com/fieldworks/caravan/internal/types"
)

// Core types for working with the sync queue
type (
	QueueItem        = types.QueueItem
	Conflict         = types.Conflict
	PriorityRule     = types.PriorityRule
	OptimisticUpdate = types.OptimisticUpdate
	Payload          = types.Payload

	EntityKind         = types.EntityKind
	Action             = types.Action
	SyncStatus         = types.SyncStatus
	ResolutionStrategy = types.ResolutionStrategy
)

// Entity kind constants
const (
	KindAssessment = types.KindAssessment
	KindResponse   = types.KindResponse
	KindIncident   = types.KindIncident
	KindEntity     = types.KindEntity
	KindMedia      = types.KindMedia
)

// Action constants
const (
	ActionCreate = types.ActionCreate
	ActionUpdate = types.ActionUpdate
	ActionDelete = types.ActionDelete
)

// Sync status constants
const (
	StatusPending    = types.StatusPending
	StatusSyncing    = types.StatusSyncing
	StatusSynced     = types.StatusSynced
	StatusFailed     = types.StatusFailed
	StatusRolledBack = types.StatusRolledBack
)

// Resolution strategy constants
const (
	ResolutionLocalWins  = types.ResolutionLocalWins
	ResolutionServerWins = types.ResolutionServerWins
	ResolutionMerge      = types.ResolutionMerge
	ResolutionManual     = types.ResolutionManual
)

// Store provides the minimal interface for embedding programs
type Store = storage.Store

// Open opens a caravan database for programmatic access. The connection
// string is a SQLite path (including ":memory:") or a MySQL DSN for shared
// regional deployments.
func Open(ctx context.Context, conn string) (Store, error) {
	return factory.Open(ctx, conn)
}

// FindWorkspaceDir walks up from the working directory looking for a
// .caravan workspace, the same way the CLI does.
func FindWorkspaceDir() (string, error) {
	return config.FindProjectDir()
}
