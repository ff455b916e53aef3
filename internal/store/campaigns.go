package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned for lookups of missing campaigns or form state.
var ErrNotFound = errors.New("not found")

// Campaign is a row in the campaigns table. The heavyweight state (subjects,
// bodies, sender profiles) lives in the campaign's form blob.
type Campaign struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveCampaign upserts the campaign row.
func (s *Store) SaveCampaign(ctx context.Context, c Campaign) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	err := s.upsert(ctx,
		`INSERT INTO campaigns (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name,
		     updated_at = excluded.updated_at`,
		`UPDATE campaigns SET name = ?, updated_at = ? WHERE id = ?`,
		`INSERT INTO campaigns (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		[]interface{}{c.ID, c.Name, c.CreatedAt, now},
		[]interface{}{c.Name, now, c.ID},
		[]interface{}{c.ID, c.Name, c.CreatedAt, now},
	)
	if err != nil {
		return fmt.Errorf("save campaign %s: %w", c.ID, err)
	}
	return nil
}

// GetCampaign returns one campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	var c Campaign
	err := s.queryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	if err != nil {
		return Campaign{}, fmt.Errorf("get campaign %s: %w", id, err)
	}
	return c, nil
}

// ListCampaigns returns every campaign, newest first.
func (s *Store) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	rows, err := s.query(ctx,
		`SELECT id, name, created_at, updated_at FROM campaigns ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		var c Campaign
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveCampaignForm stores the campaign's form state blob as-is. The UI owns
// the shape; the control plane only round-trips it.
func (s *Store) SaveCampaignForm(ctx context.Context, campaignID, form string) error {
	now := time.Now().UTC()
	err := s.upsert(ctx,
		`INSERT INTO campaign_forms (campaign_id, form, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (campaign_id) DO UPDATE SET form = excluded.form,
		     updated_at = excluded.updated_at`,
		`UPDATE campaign_forms SET form = ?, updated_at = ? WHERE campaign_id = ?`,
		`INSERT INTO campaign_forms (campaign_id, form, updated_at) VALUES (?, ?, ?)`,
		[]interface{}{campaignID, form, now},
		[]interface{}{form, now, campaignID},
		[]interface{}{campaignID, form, now},
	)
	if err != nil {
		return fmt.Errorf("save campaign form %s: %w", campaignID, err)
	}
	return nil
}

// LoadCampaignForm returns the stored form blob for campaignID.
func (s *Store) LoadCampaignForm(ctx context.Context, campaignID string) (string, error) {
	var form string
	err := s.queryRow(ctx,
		`SELECT form FROM campaign_forms WHERE campaign_id = ?`, campaignID).Scan(&form)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load campaign form %s: %w", campaignID, err)
	}
	return form, nil
}
