// Package store persists control-plane state: job snapshots, per-recipient
// outcomes, the recipient registry, bridge cursors, campaign form state, and
// config overrides. It runs against PostgreSQL (lib/pq) or SQLite
// (mattn/go-sqlite3) behind the same queries.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQL database. Queries are written with ? placeholders and
// rebound for Postgres.
type Store struct {
	db     *sql.DB
	driver string

	// nativeUpsert starts true; the first ON CONFLICT syntax error flips it
	// and every later write takes the update-then-insert path.
	nativeUpsert bool
}

// Open connects and migrates. driver is "postgres" or "sqlite3".
func Open(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// SQLite serializes writers; keeping one connection avoids
		// SQLITE_BUSY under concurrent job persistence.
		db.SetMaxOpenConns(1)
	}
	s := New(db, driver)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle without migrating.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver, nativeUpsert: true}
}

// DB exposes the underlying handle for callers that need it (advisory locks).
func (s *Store) DB() *sql.DB { return s.db }

// Driver returns the driver name the store was opened with.
func (s *Store) Driver() string { return s.driver }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP,
		updated_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS campaign_forms (
		campaign_id TEXT PRIMARY KEY,
		form        TEXT NOT NULL,
		updated_at  TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id          TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		status      TEXT NOT NULL,
		snapshot    TEXT NOT NULL,
		updated_at  TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_campaign ON jobs(campaign_id)`,
	`CREATE TABLE IF NOT EXISTS outcomes (
		job_id     TEXT NOT NULL,
		recipient  TEXT NOT NULL,
		status     TEXT NOT NULL,
		updated_at TIMESTAMP,
		PRIMARY KEY (job_id, recipient)
	)`,
	`CREATE TABLE IF NOT EXISTS registry (
		job_id      TEXT NOT NULL,
		recipient   TEXT NOT NULL,
		campaign_id TEXT NOT NULL,
		first_seen  TIMESTAMP,
		last_seen   TIMESTAMP,
		PRIMARY KEY (job_id, recipient)
	)`,
	`CREATE TABLE IF NOT EXISTS bridge_offsets (
		kind       TEXT PRIMARY KEY,
		cursor     TEXT NOT NULL,
		updated_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS suppressions (
		email      TEXT PRIMARY KEY,
		reason     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS app_config (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TIMESTAMP
	)`,
}

// Migrate creates any missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

// upsert executes the native ON CONFLICT statement, degrading permanently to
// update-then-insert when the backend rejects the syntax. Both Postgres and
// modern SQLite take the native path; the fallback keeps old SQLite builds
// working.
func (s *Store) upsert(ctx context.Context, native, update, insert string, nativeArgs, updateArgs, insertArgs []interface{}) error {
	if s.nativeUpsert {
		_, err := s.exec(ctx, native, nativeArgs...)
		if err == nil {
			return nil
		}
		if !isSyntaxError(err) {
			return err
		}
		s.nativeUpsert = false
	}
	res, err := s.exec(ctx, update, updateArgs...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = s.exec(ctx, insert, insertArgs...)
	return err
}

func isSyntaxError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "syntax error") || strings.Contains(msg, "near \"on\"")
}
