// Package storage provides shared types for sync queue storage.
//
// The concrete implementations live in the sqlite and mysql sub-packages.
// This package holds the interface and value types that are referenced by
// both the backends and their consumers (engine, rules, conflict, cmd).
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldworks/caravan/internal/types"
)

// ErrNotFound is returned when a requested record does not exist in the database.
var ErrNotFound = errors.New("not found")

// ErrDuplicateID is returned when inserting a record whose id already exists.
var ErrDuplicateID = errors.New("duplicate id")

// ErrStaleVersion is returned when a compare-and-set update observes a
// concurrent modification. The caller re-reads and retries.
var ErrStaleVersion = errors.New("stale version")

// ErrNotLeaseOwner is returned when renewing or completing work under a
// lease that has been taken over by another worker.
var ErrNotLeaseOwner = errors.New("not lease owner")

// Store is the interface satisfied by *sqlite.Store and *mysql.Store.
// Consumers depend on this interface rather than on the concrete type so
// that alternative implementations (instrumentation wrappers, mocks) can
// be substituted.
type Store interface {
	// Queue items
	Enqueue(ctx context.Context, item *types.QueueItem) error
	GetItem(ctx context.Context, id string) (*types.QueueItem, error)
	UpdateItem(ctx context.Context, item *types.QueueItem) error
	RemoveItem(ctx context.Context, id string) error
	ListItems(ctx context.Context, filter types.ItemFilter) ([]*types.QueueItem, error)
	CountAhead(ctx context.Context, score int, createdAt time.Time) (int, error)
	Summary(ctx context.Context, now time.Time) (*types.QueueSummary, error)

	// Entity leases. A claimed entity is worked by exactly one worker
	// until its lease expires or is released; expired leases are
	// re-claimable by anyone.
	ClaimNextEntity(ctx context.Context, owner string, now time.Time, until time.Time) ([]*types.QueueItem, error)
	RenewEntityLease(ctx context.Context, owner string, key types.EntityKey, until time.Time) error
	ReleaseEntity(ctx context.Context, owner string, key types.EntityKey) error

	// Priority rules
	CreateRule(ctx context.Context, rule *types.PriorityRule) error
	GetRule(ctx context.Context, id string) (*types.PriorityRule, error)
	UpdateRule(ctx context.Context, rule *types.PriorityRule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context, filter types.RuleFilter) ([]*types.PriorityRule, error)

	// Conflicts
	CreateConflict(ctx context.Context, conflict *types.Conflict) error
	GetConflict(ctx context.Context, id string) (*types.Conflict, error)
	UpdateConflict(ctx context.Context, conflict *types.Conflict) error
	ListConflicts(ctx context.Context, filter types.ConflictFilter) ([]*types.Conflict, error)
	ArchiveResolvedConflicts(ctx context.Context, before time.Time) (int, error)
	ConflictStats(ctx context.Context) (*types.ConflictStats, error)

	// Metadata (internal state: request ids, override idempotence keys)
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Close() error
}

// Transaction exposes the subset of storage operations that execute within
// a single database transaction. Multi-record workflows (conflict
// resolution, priority overrides) use it so their writes appear atomic.
//
//   - All operations share one database connection
//   - If the callback returns an error or panics, everything rolls back
//   - On successful return, everything commits
type Transaction interface {
	Enqueue(ctx context.Context, item *types.QueueItem) error
	GetItem(ctx context.Context, id string) (*types.QueueItem, error)
	UpdateItem(ctx context.Context, item *types.QueueItem) error
	RemoveItem(ctx context.Context, id string) error
	ListItems(ctx context.Context, filter types.ItemFilter) ([]*types.QueueItem, error)
	CountAhead(ctx context.Context, score int, createdAt time.Time) (int, error)

	CreateRule(ctx context.Context, rule *types.PriorityRule) error
	GetRule(ctx context.Context, id string) (*types.PriorityRule, error)
	UpdateRule(ctx context.Context, rule *types.PriorityRule) error
	DeleteRule(ctx context.Context, id string) error

	CreateConflict(ctx context.Context, conflict *types.Conflict) error
	GetConflict(ctx context.Context, id string) (*types.Conflict, error)
	UpdateConflict(ctx context.Context, conflict *types.Conflict) error

	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)
}

// mutateAttempts bounds the CAS retry loop in Mutate.
const mutateAttempts = 5

// Mutate applies fn to a fresh read of the item and writes it back,
// retrying on ErrStaleVersion. fn sees the latest stored state on every
// attempt and must be idempotent.
func Mutate(ctx context.Context, s Store, id string, fn func(*types.QueueItem) error) (*types.QueueItem, error) {
	var lastErr error
	for attempt := 0; attempt < mutateAttempts; attempt++ {
		item, err := s.GetItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(item); err != nil {
			return nil, err
		}
		err = s.UpdateItem(ctx, item)
		if err == nil {
			return item, nil
		}
		if !errors.Is(err, ErrStaleVersion) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("update %s exhausted %d attempts: %w", id, mutateAttempts, lastErr)
}
