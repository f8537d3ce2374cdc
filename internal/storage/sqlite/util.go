package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// querier is the common surface of *sql.DB, *sql.Conn, and *sql.Tx,
// letting query functions serve both direct and transactional callers.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// beginImmediateWithRetry starts an IMMEDIATE transaction on the
// connection, retrying with exponential backoff when SQLITE_BUSY blocks
// the write lock. IMMEDIATE acquires a RESERVED lock up front, which
// serializes position assignment and claims across concurrent writers.
//
// database/sql has no transaction-mode support in BeginTx, so this runs
// raw BEGIN IMMEDIATE on a dedicated connection.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("begin immediate after %d attempts: %w", attempts, err)
}

// withImmediate runs fn inside an IMMEDIATE transaction on a dedicated
// connection, committing on success and rolling back on error or panic.
func (s *Store) withImmediate(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Rollback uses a background context so cleanup survives ctx cancellation.
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// marshalJSON encodes v for a TEXT column, mapping nil to the given empty form.
func marshalJSON(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	s := string(data)
	if s == "null" {
		return empty, nil
	}
	return s, nil
}

// unmarshalJSON decodes a TEXT column into out, treating empty text as absent.
func unmarshalJSON(data string, out any) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), out)
}

// nullableTime converts an optional time for a DATETIME column.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// timePtr converts a scanned sql.NullTime back to an optional time.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
