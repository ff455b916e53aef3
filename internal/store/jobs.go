package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/pmta-blast/internal/job"
)

// SaveJob writes the snapshot blob, keyed by job id with campaign and status
// columns for filtering.
func (s *Store) SaveJob(ctx context.Context, snap job.Snapshot) error {
	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", snap.ID, err)
	}
	now := time.Now().UTC()
	err = s.upsert(ctx,
		`INSERT INTO jobs (id, campaign_id, status, snapshot, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET status = excluded.status,
		     snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		`UPDATE jobs SET status = ?, snapshot = ?, updated_at = ? WHERE id = ?`,
		`INSERT INTO jobs (id, campaign_id, status, snapshot, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		[]interface{}{snap.ID, snap.CampaignID, string(snap.Status), string(blob), now},
		[]interface{}{string(snap.Status), string(blob), now, snap.ID},
		[]interface{}{snap.ID, snap.CampaignID, string(snap.Status), string(blob), now},
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", snap.ID, err)
	}
	return nil
}

// LoadJobs returns every persisted snapshot.
func (s *Store) LoadJobs(ctx context.Context) ([]job.Snapshot, error) {
	rows, err := s.query(ctx, `SELECT snapshot FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	var out []job.Snapshot
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		var snap job.Snapshot
		if err := json.Unmarshal([]byte(blob), &snap); err != nil {
			return nil, fmt.Errorf("decode job snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// DeleteJob removes the job row plus its outcome and registry rows.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	for _, q := range []string{
		`DELETE FROM outcomes WHERE job_id = ?`,
		`DELETE FROM registry WHERE job_id = ?`,
		`DELETE FROM jobs WHERE id = ?`,
	} {
		if _, err := s.exec(ctx, q, id); err != nil {
			return fmt.Errorf("delete job %s: %w", id, err)
		}
	}
	return nil
}
