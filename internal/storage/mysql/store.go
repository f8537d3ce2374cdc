// Package mysql implements the storage interface against a MySQL server,
// for deployments where several field devices share one regional database.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	// Import MySQL driver
	_ "github.com/go-sql-driver/mysql"

	"github.com/fieldworks/caravan/internal/storage"
)

// Store implements the storage.Store interface using MySQL.
type Store struct {
	db     *sql.DB
	dsn    string
	closed atomic.Bool
}

// Verify Store implements storage.Store at compile time
var _ storage.Store = (*Store)(nil)

// NormalizeDSN accepts either a mysql:// URL or a native go-sql-driver DSN
// and returns a driver DSN with the connection parameters the store depends
// on: parseTime so DATETIME columns scan into time.Time, and clientFoundRows
// so RowsAffected counts matched rows (no-op updates and lease renewals must
// not read as missing rows).
func NormalizeDSN(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "mysql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("invalid mysql url: %w", err)
		}
		userPart := u.User.Username()
		if pass, ok := u.User.Password(); ok {
			userPart = fmt.Sprintf("%s:%s", userPart, pass)
		}
		host := u.Hostname()
		if host == "" {
			host = "127.0.0.1"
		}
		port := u.Port()
		if port == "" {
			port = "3306"
		}
		database := strings.TrimPrefix(u.Path, "/")
		if database == "" {
			return "", fmt.Errorf("mysql url %q has no database name", dsn)
		}
		dsn = fmt.Sprintf("%s@tcp(%s:%s)/%s", userPart, host, port, database)
		if u.RawQuery != "" {
			dsn += "?" + u.RawQuery
		}
	}

	for _, param := range []string{"parseTime=true", "clientFoundRows=true"} {
		name := param[:strings.Index(param, "=")]
		if strings.Contains(dsn, name) {
			continue
		}
		if strings.Contains(dsn, "?") {
			dsn += "&" + param
		} else {
			dsn += "?" + param
		}
	}
	return dsn, nil
}

// New connects to a MySQL server and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	normalized, err := NormalizeDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Shared server supports multiple writers; keep a modest pool and
	// recycle connections so dead NAT mappings don't linger.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, dsn: normalized}, nil
}

// initSchema creates all tables if they don't exist. MySQL does not accept
// multiple statements in one Exec, so the schema runs statement by statement.
func initSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range splitStatements(schema) {
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// splitStatements splits a SQL script on semicolons, ignoring semicolons
// inside quoted strings.
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	stringChar := byte(0)

	for i := 0; i < len(script); i++ {
		c := script[i]
		if inString {
			current.WriteByte(c)
			if c == stringChar && (i == 0 || script[i-1] != '\\') {
				inString = false
			}
			continue
		}
		if c == '\'' || c == '"' || c == '`' {
			inString = true
			stringChar = c
			current.WriteByte(c)
			continue
		}
		if c == ';' {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
			continue
		}
		current.WriteByte(c)
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.closed.Store(true)
	return s.db.Close()
}

// Path returns the normalized DSN the store connected with.
func (s *Store) Path() string {
	return s.dsn
}

// IsClosed returns true if Close() has been called on this store.
func (s *Store) IsClosed() bool {
	return s.closed.Load()
}
