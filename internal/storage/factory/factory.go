// Package factory creates storage backends from connection strings.
package factory

import (
	"context"
	"fmt"

	"github.com/fieldworks/caravan/internal/storage"
	"github.com/fieldworks/caravan/internal/storage/mysql"
	"github.com/fieldworks/caravan/internal/storage/sqlite"
)

// Open picks a storage backend from the connection string. MySQL URLs and
// native DSNs connect to a shared regional server; everything else is
// treated as a local SQLite database path, including ":memory:".
func Open(ctx context.Context, conn string) (storage.Store, error) {
	if conn == "" {
		return nil, fmt.Errorf("empty database connection string")
	}
	if storage.IsMySQLDSN(conn) {
		return mysql.New(ctx, conn)
	}
	return sqlite.New(ctx, conn)
}
