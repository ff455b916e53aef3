package job

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/pmta-blast/internal/acct"
	"github.com/ignite/pmta-blast/internal/outcome"
	"github.com/ignite/pmta-blast/internal/reconcile"
	"github.com/ignite/pmta-blast/internal/scheduler"
)

func TestNewJobIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{12}$`)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := NewJobID()
		assert.Regexp(t, re, id)
		assert.False(t, seen[id], "ids do not repeat")
		seen[id] = true
	}
}

func TestSendEventsUpdateCounters(t *testing.T) {
	reg := outcome.NewRegistry()
	j := New("abcdef123456", "c1", "mta.example", 3, 5.0, reg)

	j.Sent("a@gmail.com", "<m1>")
	j.Sent("b@gmail.com", "<m2>")
	j.Failed("c@yahoo.com", "timeout", context.DeadlineExceeded)
	j.Skipped("d@gmail.com", "suppressed")

	snap := j.Snapshot()
	assert.Equal(t, 2, snap.Sent)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Skipped)
	assert.Equal(t, map[string]int{"gmail.com": 2}, snap.DomainSent)
	assert.Equal(t, map[string]int{"yahoo.com": 1}, snap.DomainFailed)
	assert.Equal(t, map[string]int{"timeout": 1}, snap.FailureCategories)
	require.Len(t, snap.RecentResults, 4)
	assert.Equal(t, "failed", snap.RecentResults[2].Outcome)

	// Accepted sends land in the registry for later bounce resolution.
	entries := reg.ByRecipient("a@gmail.com")
	require.Len(t, entries, 1)
	assert.Equal(t, "abcdef123456", entries[0].JobID)
}

func TestRecentResultsRingIsBounded(t *testing.T) {
	j := New("abcdef123456", "c1", "", 0, 5.0, nil)
	for i := 0; i < maxRecentResults+50; i++ {
		j.Sent("a@x.com", "")
	}
	assert.Len(t, j.Snapshot().RecentResults, maxRecentResults)
}

func TestApplyReconciliationCounterSwap(t *testing.T) {
	j := New("abcdef123456", "c1", "", 1, 5.0, nil)
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	j.ApplyReconciliation(reconcile.Update{
		Recipient: "a@x.com",
		Kind:      acct.KindDeferred,
		Transition: outcome.Transition{
			Current: outcome.StatusDeferred, Changed: true,
		},
		Class:     reconcile.ClassTempError,
		ErrSample: "451 try later",
		At:        at,
	})
	snap := j.Snapshot()
	assert.Equal(t, 1, snap.Deferred)
	assert.Equal(t, 0, snap.Delivered)

	j.ApplyReconciliation(reconcile.Update{
		Recipient: "a@x.com",
		Kind:      acct.KindDelivered,
		Transition: outcome.Transition{
			Previous: outcome.StatusDeferred, Current: outcome.StatusDelivered, Changed: true,
		},
		Class: reconcile.ClassAccepted,
		At:    at.Add(time.Minute),
	})
	snap = j.Snapshot()
	assert.Equal(t, 0, snap.Deferred, "promotion moves the recipient out of deferred")
	assert.Equal(t, 1, snap.Delivered)

	require.Len(t, snap.OutcomeSeries, 2)
	assert.Equal(t, 1, snap.OutcomeSeries[0].Deferred)
	assert.Equal(t, 1, snap.OutcomeSeries[1].Delivered)

	require.Len(t, snap.ErrorSamples, 1)
	assert.Equal(t, "451 try later", snap.ErrorSamples[0].Text)
	assert.Equal(t, map[string]int{"temporary_error": 1, "accepted": 1}, snap.ResponseClasses)
}

func TestRecentSignalRatios(t *testing.T) {
	j := New("abcdef123456", "c1", "", 0, 5.0, nil)
	at := time.Now()
	add := func(kind acct.Kind, class reconcile.ResponseClass, n int) {
		for i := 0; i < n; i++ {
			j.ApplyReconciliation(reconcile.Update{
				Recipient: "a@x.com", Kind: kind, Class: class, At: at,
			})
		}
	}
	add(acct.KindDelivered, reconcile.ClassAccepted, 6)
	add(acct.KindBounced, reconcile.ClassBlocked, 2)
	add(acct.KindDeferred, reconcile.ClassTempError, 2)

	sig := j.RecentSignal()
	assert.Equal(t, 10, sig.Total)
	assert.InDelta(t, 0.32, sig.BadRatio, 1e-9) // 2 bounces + 2 deferrals at 0.6
	assert.InDelta(t, 0.2, sig.Ratio4xx, 1e-9)
	assert.InDelta(t, 0.2, sig.Ratio5xx, 1e-9)
	assert.Zero(t, sig.Complaints)
}

func TestKillSwitchPausesOnBounceRate(t *testing.T) {
	j := New("abcdef123456", "c1", "", 100, 5.0, nil)
	j.Kill = KillRules{MinSample: 10, MaxHardBounceRate: 0.05, MaxComplaintsRate: 0.001}
	j.SetStatus(StatusRunning, "")

	for i := 0; i < 10; i++ {
		j.Sent("a@x.com", "")
	}
	j.ApplyReconciliation(reconcile.Update{
		Recipient: "a@x.com",
		Kind:      acct.KindBounced,
		Transition: outcome.Transition{
			Current: outcome.StatusBounced, Changed: true,
		},
		Class: reconcile.ClassBlocked,
		At:    time.Now(),
	})

	assert.Equal(t, StatusPaused, j.Status())
	assert.True(t, j.Paused())
	assert.Contains(t, j.Snapshot().StatusReason, "kill switch")
}

func TestKillSwitchWaitsForSample(t *testing.T) {
	j := New("abcdef123456", "c1", "", 100, 5.0, nil)
	j.Kill = KillRules{MinSample: 50, MaxHardBounceRate: 0.05, MaxComplaintsRate: 0.001}
	j.SetStatus(StatusRunning, "")

	j.Sent("a@x.com", "")
	j.ApplyReconciliation(reconcile.Update{
		Recipient:  "a@x.com",
		Kind:       acct.KindBounced,
		Transition: outcome.Transition{Current: outcome.StatusBounced, Changed: true},
		Class:      reconcile.ClassBlocked,
		At:         time.Now(),
	})

	assert.Equal(t, StatusRunning, j.Status(), "no kill below the minimum sample")
}

func TestChunkTransitionCounters(t *testing.T) {
	j := New("abcdef123456", "c1", "", 0, 5.0, nil)
	at := time.Now()
	j.ChunkTransition(scheduler.ChunkRecord{Index: 0, State: "running", At: at})
	j.ChunkTransition(scheduler.ChunkRecord{Index: 0, State: "done", At: at})
	j.ChunkTransition(scheduler.ChunkRecord{Index: 1, State: "running", At: at})
	j.ChunkTransition(scheduler.ChunkRecord{Index: 1, State: "backoff", At: at})
	j.ChunkTransition(scheduler.ChunkRecord{Index: 2, State: "running", Attempt: 1, At: at})
	j.ChunkTransition(scheduler.ChunkRecord{Index: 2, State: "done_after_backoff", Attempt: 1, At: at})

	snap := j.Snapshot()
	assert.Equal(t, 2, snap.ChunksTotal, "retried chunks are not counted twice")
	assert.Equal(t, 2, snap.ChunksDone)
	assert.Equal(t, 1, snap.ChunksBackoff)
	assert.Len(t, snap.ChunkStates, 6)
}

func TestRestoreActiveBecomesStopped(t *testing.T) {
	j := Restore(Snapshot{ID: "abcdef123456", Status: StatusRunning}, nil)
	snap := j.Snapshot()
	assert.Equal(t, StatusStopped, snap.Status)
	assert.Equal(t, "restored from DB", snap.StatusReason)

	done := Restore(Snapshot{ID: "abcdef123457", Status: StatusDone}, nil)
	assert.Equal(t, StatusDone, done.Snapshot().Status)
}

// --- controller fixtures ---

type memStore struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
	saves int
}

func newMemStore() *memStore { return &memStore{snaps: map[string]Snapshot{}} }

func (m *memStore) SaveJob(ctx context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.ID] = snap
	m.saves++
	return nil
}

func (m *memStore) LoadJobs(ctx context.Context) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, id)
	return nil
}

// gatedStore blocks its first SaveJob until gate closes, so tests can race
// another write against an in-flight save.
type gatedStore struct {
	gate    chan struct{}
	blocked chan struct{}

	mu    sync.Mutex
	first bool
	saves []Snapshot
}

func newGatedStore() *gatedStore {
	return &gatedStore{gate: make(chan struct{}), blocked: make(chan struct{})}
}

func (g *gatedStore) SaveJob(ctx context.Context, snap Snapshot) error {
	g.mu.Lock()
	hold := !g.first
	g.first = true
	g.mu.Unlock()
	if hold {
		close(g.blocked)
		<-g.gate
	}
	g.mu.Lock()
	g.saves = append(g.saves, snap)
	g.mu.Unlock()
	return nil
}

func (g *gatedStore) LoadJobs(ctx context.Context) ([]Snapshot, error) { return nil, nil }

func (g *gatedStore) DeleteJob(ctx context.Context, id string) error { return nil }

func (g *gatedStore) snapshots() []Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Snapshot(nil), g.saves...)
}

func TestForcedWriteLandsAfterInflightSave(t *testing.T) {
	gs := newGatedStore()
	c := &Controller{Store: gs}
	j := New("abcdef123456", "c1", "", 1, 5.0, nil)
	j.SetStatus(StatusRunning, "")
	c.attachPersistence(j)

	// First write blocks inside the store.
	done := make(chan struct{})
	go func() {
		j.Sent("a@x.com", "")
		close(done)
	}()
	<-gs.blocked

	// Terminal transition while the save is in flight.
	j.SetStatus(StatusDone, "")

	close(gs.gate)
	<-done

	waitFor(t, func() bool {
		saves := gs.snapshots()
		return len(saves) >= 2 && saves[len(saves)-1].Status == StatusDone
	})
	saves := gs.snapshots()
	assert.Equal(t, StatusRunning, saves[0].Status, "in-flight save carries the pre-terminal state")
	assert.Equal(t, StatusDone, saves[len(saves)-1].Status, "forced terminal write is never dropped")
}

func blockingRunner(release <-chan struct{}) Runner {
	return func(ctx context.Context, j *Job, content Content, recipients []string) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestControllerStartRejectsSecondJob(t *testing.T) {
	release := make(chan struct{})
	c := &Controller{Store: newMemStore(), Run: blockingRunner(release)}

	j, err := c.Start(context.Background(), StartParams{
		CampaignID: "camp-busy", Recipients: []string{"a@x.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, j.Status())

	_, err = c.Start(context.Background(), StartParams{
		CampaignID: "camp-busy", Recipients: []string{"b@x.com"},
	})
	assert.ErrorIs(t, err, ErrCampaignBusy)

	// Force does not override a genuinely live job either.
	_, err = c.Start(context.Background(), StartParams{
		CampaignID: "camp-busy", Recipients: []string{"b@x.com"}, ForceNewJob: true,
	})
	assert.ErrorIs(t, err, ErrCampaignBusy)

	close(release)
	waitFor(t, func() bool { return j.Status() == StatusDone })

	// A finished job frees the campaign.
	j2, err := c.Start(context.Background(), StartParams{
		CampaignID: "camp-busy", Recipients: []string{"b@x.com"},
	})
	require.NoError(t, err)
	waitFor(t, func() bool { return j2.Status() == StatusDone })
}

func TestControllerStopAndDelete(t *testing.T) {
	store := newMemStore()
	release := make(chan struct{})
	c := &Controller{Store: store, Outcomes: outcome.NewStore(), Registry: outcome.NewRegistry(),
		Run: blockingRunner(release)}

	j, err := c.Start(context.Background(), StartParams{
		CampaignID: "camp-stop", Recipients: []string{"a@x.com"},
	})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Delete(context.Background(), j.ID()), ErrJobActive)

	require.NoError(t, c.Stop(j.ID()))
	close(release)
	waitFor(t, func() bool { return j.Status() == StatusStopped })

	require.NoError(t, c.Delete(context.Background(), j.ID()))
	_, err = c.Get(j.ID())
	assert.ErrorIs(t, err, ErrNotFound)

	store.mu.Lock()
	_, kept := store.snaps[j.ID()]
	store.mu.Unlock()
	assert.False(t, kept)
}

func TestControllerPauseResume(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := &Controller{Run: blockingRunner(release)}

	j, err := c.Start(context.Background(), StartParams{
		CampaignID: "camp-pause", Recipients: []string{"a@x.com"},
	})
	require.NoError(t, err)

	require.NoError(t, c.Pause(j.ID(), ""))
	assert.True(t, j.Paused())
	assert.Equal(t, "paused by operator", j.Snapshot().StatusReason)

	require.NoError(t, c.Resume(j.ID()))
	assert.False(t, j.Paused())
	assert.Equal(t, StatusRunning, j.Status())

	assert.Error(t, c.Resume(j.ID()), "resume requires paused state")
}

func TestControllerRestore(t *testing.T) {
	store := newMemStore()
	store.snaps["aaaaaaaaaaaa"] = Snapshot{ID: "aaaaaaaaaaaa", CampaignID: "c1", Status: StatusRunning}
	store.snaps["bbbbbbbbbbbb"] = Snapshot{ID: "bbbbbbbbbbbb", CampaignID: "c2", Status: StatusDone}

	c := &Controller{Store: store}
	require.NoError(t, c.Restore(context.Background()))

	j, err := c.Get("aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, j.Status())
	assert.Equal(t, "restored from DB", j.Snapshot().StatusReason)

	// The rewritten status is persisted back.
	store.mu.Lock()
	saved := store.snaps["aaaaaaaaaaaa"]
	store.mu.Unlock()
	assert.Equal(t, StatusStopped, saved.Status)

	// Restored-as-stopped jobs do not block a fresh start.
	_, ok := c.ActiveJobByCampaign("c1")
	assert.False(t, ok)
}

func TestControllerDirectoryLookups(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := &Controller{Run: blockingRunner(release)}

	j, err := c.Start(context.Background(), StartParams{
		CampaignID: "camp-dir", Recipients: []string{"a@x.com"},
	})
	require.NoError(t, err)

	got, ok := c.JobByID(j.ID())
	require.True(t, ok)
	assert.Equal(t, j.ID(), got.ID())

	_, ok = c.ActiveJobByID(j.ID())
	assert.True(t, ok)

	got, ok = c.ActiveJobByCampaign("camp-dir")
	require.True(t, ok)
	assert.Equal(t, j.ID(), got.ID())

	_, ok = c.ActiveJobByCampaign("nope")
	assert.False(t, ok)
}
