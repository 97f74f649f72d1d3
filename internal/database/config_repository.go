package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ConfigRepository persists the runtime-editable key/value settings
// (retention hours, webdav credential hash, download key) separately
// from the YAML-sourced Config struct.
type ConfigRepository struct {
	db *sql.DB
}

// Get returns the stored value for key, or ("", false) if unset.
func (r *ConfigRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM config_kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get config key %q: %w", key, err)
	}
	return value, true, nil
}

// Set upserts a single key/value pair.
func (r *ConfigRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config_kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set config key %q: %w", key, err)
	}
	return nil
}

// All returns every stored key/value pair.
func (r *ConfigRepository) All(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM config_kv`)
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
