package mysql

import (
	"context"
	"fmt"
)

func setMetadata(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO metadata (`+"`key`"+`, `+"`value`"+`) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE `+"`value`"+` = VALUES(`+"`value`"+`)
	`, key, value)
	return wrapDBError("set metadata", err)
}

func getMetadata(ctx context.Context, q querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT `value` FROM metadata WHERE `key` = ?", key).Scan(&value)
	if err != nil {
		return "", wrapDBError(fmt.Sprintf("get metadata %q", key), err)
	}
	return value, nil
}

// SetMetadata stores a key/value pair, replacing any existing value.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	return setMetadata(ctx, s.db, key, value)
}

// GetMetadata retrieves the value stored under key.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	return getMetadata(ctx, s.db, key)
}
