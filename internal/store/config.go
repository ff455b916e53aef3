package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetConfigOverride persists one durable config override.
func (s *Store) SetConfigOverride(ctx context.Context, key, value string) error {
	now := time.Now().UTC()
	err := s.upsert(ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value,
		     updated_at = excluded.updated_at`,
		`UPDATE app_config SET value = ?, updated_at = ? WHERE key = ?`,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, ?)`,
		[]interface{}{key, value, now},
		[]interface{}{value, now, key},
		[]interface{}{key, value, now},
	)
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// GetConfigOverride returns the stored override for key, with ok=false when
// no override exists.
func (s *Store) GetConfigOverride(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.queryRow(ctx, `SELECT value FROM app_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get config %s: %w", key, err)
	}
	return value, true, nil
}

// DeleteConfigOverride removes a durable override so the env or default
// layer shows through again.
func (s *Store) DeleteConfigOverride(ctx context.Context, key string) error {
	if _, err := s.exec(ctx, `DELETE FROM app_config WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete config %s: %w", key, err)
	}
	return nil
}

// AllConfigOverrides returns every stored override.
func (s *Store) AllConfigOverrides(ctx context.Context) (map[string]string, error) {
	rows, err := s.query(ctx, `SELECT key, value FROM app_config`)
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
