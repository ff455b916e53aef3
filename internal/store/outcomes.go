package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/pmta-blast/internal/outcome"
)

// SaveOutcome upserts one (job, recipient) outcome row.
func (s *Store) SaveOutcome(ctx context.Context, jobID, recipient string, status outcome.Status) error {
	now := time.Now().UTC()
	err := s.upsert(ctx,
		`INSERT INTO outcomes (job_id, recipient, status, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (job_id, recipient) DO UPDATE SET status = excluded.status,
		     updated_at = excluded.updated_at`,
		`UPDATE outcomes SET status = ?, updated_at = ? WHERE job_id = ? AND recipient = ?`,
		`INSERT INTO outcomes (job_id, recipient, status, updated_at) VALUES (?, ?, ?, ?)`,
		[]interface{}{jobID, recipient, string(status), now},
		[]interface{}{string(status), now, jobID, recipient},
		[]interface{}{jobID, recipient, string(status), now},
	)
	if err != nil {
		return fmt.Errorf("save outcome %s/%s: %w", jobID, recipient, err)
	}
	return nil
}

// LoadOutcomes returns every outcome row for jobID, ready for
// outcome.Store.Restore.
func (s *Store) LoadOutcomes(ctx context.Context, jobID string) (map[string]outcome.Status, error) {
	rows, err := s.query(ctx, `SELECT recipient, status FROM outcomes WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load outcomes %s: %w", jobID, err)
	}
	defer rows.Close()

	out := make(map[string]outcome.Status)
	for rows.Next() {
		var rcpt, st string
		if err := rows.Scan(&rcpt, &st); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out[rcpt] = outcome.Status(st)
	}
	return out, rows.Err()
}

// SaveRegistryEntry upserts one registry row; repeats only move last_seen.
func (s *Store) SaveRegistryEntry(ctx context.Context, e outcome.RegistryEntry) error {
	err := s.upsert(ctx,
		`INSERT INTO registry (job_id, recipient, campaign_id, first_seen, last_seen)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (job_id, recipient) DO UPDATE SET last_seen = excluded.last_seen`,
		`UPDATE registry SET last_seen = ? WHERE job_id = ? AND recipient = ?`,
		`INSERT INTO registry (job_id, recipient, campaign_id, first_seen, last_seen)
		 VALUES (?, ?, ?, ?, ?)`,
		[]interface{}{e.JobID, e.Recipient, e.CampaignID, e.FirstSeen, e.LastSeen},
		[]interface{}{e.LastSeen, e.JobID, e.Recipient},
		[]interface{}{e.JobID, e.Recipient, e.CampaignID, e.FirstSeen, e.LastSeen},
	)
	if err != nil {
		return fmt.Errorf("save registry %s/%s: %w", e.JobID, e.Recipient, err)
	}
	return nil
}

// SaveRegistryEntries writes a batch of registry rows in one transaction.
// The periodic flush for a large job calls this; one statement per row over
// autocommit would dominate the write load.
func (s *Store) SaveRegistryEntries(ctx context.Context, entries []outcome.RegistryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if !s.nativeUpsert {
		for _, e := range entries {
			if err := s.SaveRegistryEntry(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save registry batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO registry (job_id, recipient, campaign_id, first_seen, last_seen)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (job_id, recipient) DO UPDATE SET last_seen = excluded.last_seen`))
	if err != nil {
		tx.Rollback()
		if isSyntaxError(err) {
			s.nativeUpsert = false
			return s.SaveRegistryEntries(ctx, entries)
		}
		return fmt.Errorf("save registry batch: %w", err)
	}
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.JobID, e.Recipient, e.CampaignID, e.FirstSeen, e.LastSeen); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("save registry %s/%s: %w", e.JobID, e.Recipient, err)
		}
	}
	stmt.Close()
	return tx.Commit()
}

// LoadRegistry returns every persisted registry entry.
func (s *Store) LoadRegistry(ctx context.Context) ([]outcome.RegistryEntry, error) {
	rows, err := s.query(ctx,
		`SELECT job_id, recipient, campaign_id, first_seen, last_seen FROM registry`)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	defer rows.Close()

	var out []outcome.RegistryEntry
	for rows.Next() {
		var e outcome.RegistryEntry
		if err := rows.Scan(&e.JobID, &e.Recipient, &e.CampaignID, &e.FirstSeen, &e.LastSeen); err != nil {
			return nil, fmt.Errorf("scan registry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
