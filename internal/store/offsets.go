package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LoadCursor returns the persisted bridge cursor for kind, or "" when none
// has been saved yet. Satisfies the tailer's cursor store.
func (s *Store) LoadCursor(ctx context.Context, kind string) (string, error) {
	var cursor string
	err := s.queryRow(ctx, `SELECT cursor FROM bridge_offsets WHERE kind = ?`, kind).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load cursor %s: %w", kind, err)
	}
	return cursor, nil
}

// SaveCursor upserts the bridge cursor for kind.
func (s *Store) SaveCursor(ctx context.Context, kind, cursor string) error {
	now := time.Now().UTC()
	err := s.upsert(ctx,
		`INSERT INTO bridge_offsets (kind, cursor, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (kind) DO UPDATE SET cursor = excluded.cursor,
		     updated_at = excluded.updated_at`,
		`UPDATE bridge_offsets SET cursor = ?, updated_at = ? WHERE kind = ?`,
		`INSERT INTO bridge_offsets (kind, cursor, updated_at) VALUES (?, ?, ?)`,
		[]interface{}{kind, cursor, now},
		[]interface{}{cursor, now, kind},
		[]interface{}{kind, cursor, now},
	)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", kind, err)
	}
	return nil
}
