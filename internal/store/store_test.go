package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/pmta-blast/internal/job"
	"github.com/ignite/pmta-blast/internal/outcome"
)

func newTestStore(t *testing.T, driver string) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, driver), mock
}

func TestRebindPostgres(t *testing.T) {
	s := &Store{driver: "postgres"}
	assert.Equal(t,
		`UPDATE jobs SET status = $1, snapshot = $2 WHERE id = $3`,
		s.rebind(`UPDATE jobs SET status = ?, snapshot = ? WHERE id = ?`))

	sqlite := &Store{driver: "sqlite3"}
	q := `SELECT 1 WHERE a = ?`
	assert.Equal(t, q, sqlite.rebind(q))
}

func TestSaveJobNativeUpsert(t *testing.T) {
	s, mock := newTestStore(t, "sqlite3")
	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs("abcdef123456", "c1", "done", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.SaveJob(context.Background(), job.Snapshot{
		ID: "abcdef123456", CampaignID: "c1", Status: job.StatusDone,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertFallsBackOnSyntaxError(t *testing.T) {
	s, mock := newTestStore(t, "sqlite3")

	// First write: native upsert rejected, update misses, insert lands.
	mock.ExpectExec(`INSERT INTO bridge_offsets`).
		WillReturnError(errors.New(`near "ON": syntax error`))
	mock.ExpectExec(`UPDATE bridge_offsets`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO bridge_offsets`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.SaveCursor(context.Background(), "acct", "cur1"))
	assert.False(t, s.nativeUpsert)

	// Second write goes straight to update-then-insert and stops at the
	// successful update.
	mock.ExpectExec(`UPDATE bridge_offsets`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SaveCursor(context.Background(), "acct", "cur2"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSurfacesRealErrors(t *testing.T) {
	s, mock := newTestStore(t, "postgres")
	mock.ExpectExec(`INSERT INTO bridge_offsets`).
		WillReturnError(errors.New("connection refused"))

	err := s.SaveCursor(context.Background(), "acct", "cur")
	assert.Error(t, err)
	assert.True(t, s.nativeUpsert, "non-syntax errors do not disable native upsert")
}

func TestLoadJobsDecodesSnapshots(t *testing.T) {
	s, mock := newTestStore(t, "sqlite3")

	snap := job.Snapshot{ID: "abcdef123456", CampaignID: "c1", Status: job.StatusStopped, Sent: 42}
	blob, err := json.Marshal(snap)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT snapshot FROM jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).AddRow(string(blob)))

	got, err := s.LoadJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "abcdef123456", got[0].ID)
	assert.Equal(t, 42, got[0].Sent)
	assert.Equal(t, job.StatusStopped, got[0].Status)
}

func TestDeleteJobRemovesDependentRows(t *testing.T) {
	s, mock := newTestStore(t, "sqlite3")
	mock.ExpectExec(`DELETE FROM outcomes WHERE job_id`).WithArgs("j1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`DELETE FROM registry WHERE job_id`).WithArgs("j1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`DELETE FROM jobs WHERE id`).WithArgs("j1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.DeleteJob(context.Background(), "j1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadCursorMissingIsEmpty(t *testing.T) {
	s, mock := newTestStore(t, "postgres")
	mock.ExpectQuery(`SELECT cursor FROM bridge_offsets`).WithArgs("acct").
		WillReturnRows(sqlmock.NewRows([]string{"cursor"}))

	cur, err := s.LoadCursor(context.Background(), "acct")
	require.NoError(t, err)
	assert.Empty(t, cur)
}

func TestLoadOutcomes(t *testing.T) {
	s, mock := newTestStore(t, "sqlite3")
	mock.ExpectQuery(`SELECT recipient, status FROM outcomes`).WithArgs("j1").
		WillReturnRows(sqlmock.NewRows([]string{"recipient", "status"}).
			AddRow("a@x.com", "delivered").
			AddRow("b@x.com", "deferred"))

	rows, err := s.LoadOutcomes(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, map[string]outcome.Status{
		"a@x.com": outcome.StatusDelivered,
		"b@x.com": outcome.StatusDeferred,
	}, rows)
}

func TestLoadRegistry(t *testing.T) {
	s, mock := newTestStore(t, "sqlite3")
	seen := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT job_id, recipient, campaign_id, first_seen, last_seen FROM registry`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"job_id", "recipient", "campaign_id", "first_seen", "last_seen"}).
			AddRow("j1", "a@x.com", "c1", seen, seen))

	entries, err := s.LoadRegistry(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "j1", entries[0].JobID)
	assert.Equal(t, seen, entries[0].LastSeen)
}

func TestSaveRegistryEntriesBatch(t *testing.T) {
	s, mock := newTestStore(t, "sqlite3")
	now := time.Now().UTC()
	entries := []outcome.RegistryEntry{
		{JobID: "j1", Recipient: "a@x.com", CampaignID: "c1", FirstSeen: now, LastSeen: now},
		{JobID: "j1", Recipient: "b@x.com", CampaignID: "c1", FirstSeen: now, LastSeen: now},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO registry`)
	prep.ExpectExec().
		WithArgs("j1", "a@x.com", "c1", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs("j1", "b@x.com", "c1", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveRegistryEntries(context.Background(), entries))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRegistryEntriesEmptyIsNoop(t *testing.T) {
	s, mock := newTestStore(t, "sqlite3")
	require.NoError(t, s.SaveRegistryEntries(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfigOverrides(t *testing.T) {
	s, mock := newTestStore(t, "sqlite3")

	mock.ExpectQuery(`SELECT value FROM app_config`).WithArgs("thread_workers").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("8"))
	v, ok, err := s.GetConfigOverride(context.Background(), "thread_workers")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "8", v)

	mock.ExpectQuery(`SELECT value FROM app_config`).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	_, ok, err = s.GetConfigOverride(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery(`SELECT key, value FROM app_config`).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
			AddRow("thread_workers", "8").AddRow("send_delay", "0.2"))
	all, err := s.AllConfigOverrides(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"thread_workers": "8", "send_delay": "0.2"}, all)
}

func TestCampaignFormRoundTripQueries(t *testing.T) {
	s, mock := newTestStore(t, "sqlite3")

	mock.ExpectExec(`INSERT INTO campaign_forms`).
		WithArgs("c1", `{"subject":"hi"}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.SaveCampaignForm(context.Background(), "c1", `{"subject":"hi"}`))

	mock.ExpectQuery(`SELECT form FROM campaign_forms`).WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"form"}).AddRow(`{"subject":"hi"}`))
	form, err := s.LoadCampaignForm(context.Background(), "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"subject":"hi"}`, form)

	mock.ExpectQuery(`SELECT form FROM campaign_forms`).WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"form"}))
	_, err = s.LoadCampaignForm(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
