package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AddSuppression records one suppressed address. Repeats keep the original
// reason.
func (s *Store) AddSuppression(ctx context.Context, email, reason string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	now := time.Now().UTC()
	err := s.upsert(ctx,
		`INSERT INTO suppressions (email, reason, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (email) DO NOTHING`,
		`UPDATE suppressions SET email = email WHERE email = ?`,
		`INSERT INTO suppressions (email, reason, created_at) VALUES (?, ?, ?)`,
		[]interface{}{email, reason, now},
		[]interface{}{email},
		[]interface{}{email, reason, now},
	)
	if err != nil {
		return fmt.Errorf("add suppression: %w", err)
	}
	return nil
}

// LoadSuppressions returns every suppressed address, for seeding the runtime
// set on boot.
func (s *Store) LoadSuppressions(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `SELECT email FROM suppressions`)
	if err != nil {
		return nil, fmt.Errorf("load suppressions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan suppression: %w", err)
		}
		out = append(out, email)
	}
	return out, rows.Err()
}
