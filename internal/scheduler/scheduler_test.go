package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/pmta-blast/internal/monitor"
	"github.com/ignite/pmta-blast/internal/preflight"
	"github.com/ignite/pmta-blast/internal/pressure"
	"github.com/ignite/pmta-blast/internal/sender"
)

func TestBucketsRoundRobinPreservesOrder(t *testing.T) {
	b := NewBuckets([]string{"a1@x.com", "b1@y.com", "a2@x.com", "c1@z.com", "a3@x.com"})
	assert.Equal(t, map[string]int{"x.com": 3, "y.com": 1, "z.com": 1}, b.Plan())

	var visited []string
	for !b.Empty() {
		d := b.NextReady(nil)
		require.NotEmpty(t, d)
		got := b.Pop(d, 1)
		visited = append(visited, got[0])
	}
	// Domains alternate in first-seen order; within x.com order is FIFO.
	assert.Equal(t, []string{"a1@x.com", "b1@y.com", "c1@z.com", "a2@x.com", "a3@x.com"}, visited)
}

func TestBucketsRequeueAtHead(t *testing.T) {
	b := NewBuckets([]string{"a@x.com", "b@x.com", "c@x.com"})
	chunk := b.Pop("x.com", 2)
	b.Requeue("x.com", chunk)
	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, b.Pop("x.com", 3))
}

func TestBucketsSkipNotReady(t *testing.T) {
	b := NewBuckets([]string{"a@x.com", "b@y.com"})
	d := b.NextReady(func(domain string) bool { return domain != "x.com" })
	assert.Equal(t, "y.com", d)

	d = b.NextReady(func(domain string) bool { return false })
	assert.Equal(t, "", d)
}

func TestBackoffTableExponential(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	bt := NewBackoffTable(time.Second, 10*time.Second)
	bt.now = func() time.Time { return now }

	key := BackoffKey{ReceiverDomain: "gmail.com", SenderDomain: "send.example"}
	next, n := bt.Fail(key)
	assert.Equal(t, 1, n)
	assert.Equal(t, now.Add(time.Second), next)

	next, n = bt.Fail(key)
	assert.Equal(t, 2, n)
	assert.Equal(t, now.Add(2*time.Second), next)

	for i := 0; i < 5; i++ {
		next, _ = bt.Fail(key)
	}
	assert.Equal(t, now.Add(10*time.Second), next, "delay is capped")

	assert.True(t, bt.Blocked(key))
	other := BackoffKey{ReceiverDomain: "yahoo.com", SenderDomain: "send.example"}
	assert.False(t, bt.Blocked(other), "independent pairs do not block each other")

	bt.Reset(key)
	assert.False(t, bt.Blocked(key))
	assert.Zero(t, bt.Attempts(key))
}

func TestBackoffEarliestRetry(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	bt := NewBackoffTable(time.Second, time.Minute)
	bt.now = func() time.Time { return now }

	_, ok := bt.EarliestRetry()
	assert.False(t, ok)

	bt.Fail(BackoffKey{ReceiverDomain: "a.com", SenderDomain: "s.com"})
	bt.Fail(BackoffKey{ReceiverDomain: "b.com", SenderDomain: "s.com"})
	bt.Fail(BackoffKey{ReceiverDomain: "b.com", SenderDomain: "s.com"})

	earliest, ok := bt.EarliestRetry()
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Second), earliest)
}

// --- Run loop fixtures ---

type fakeConn struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeConn) Send(from, to string, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to)
	return nil
}

func (f *fakeConn) Close() error { return nil }

type fakeDialer struct{ conn *fakeConn }

func (f *fakeDialer) Dial(ctx context.Context) (sender.Conn, error) { return f.conn, nil }

type sinkState struct {
	mu      sync.Mutex
	paused  bool
	stop    bool
	sent    []string
	failed  map[string]string
	skipped []string
	plan    map[string]int
	chunks  []ChunkRecord
}

func newSink() *sinkState { return &sinkState{failed: map[string]string{}} }

func (s *sinkState) Sent(rcpt, msgid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, rcpt)
}

func (s *sinkState) Failed(rcpt, category string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[rcpt] = category
}

func (s *sinkState) Skipped(rcpt, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped = append(s.skipped, rcpt)
}

func (s *sinkState) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *sinkState) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop
}

func (s *sinkState) RecentSignal() pressure.OutcomeSignal { return pressure.OutcomeSignal{} }

func (s *sinkState) SetDomainPlan(plan map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = plan
}

func (s *sinkState) ChunkTransition(rec ChunkRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, rec)
}

func (s *sinkState) states() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, c.State)
	}
	return out
}

type staticConfig struct{ snap Snapshot }

func (c *staticConfig) Snapshot() Snapshot { return c.snap }

func baseSnapshot() Snapshot {
	return Snapshot{
		ChunkSize: 2,
		Workers:   1,
		Senders: []sender.Identity{
			{Email: "s1@send.example"},
			{Email: "s2@send.example"},
		},
		Subjects: []string{"subj a", "subj b"},
		Bodies:   []string{"body a", "body b"},
		Format:   "text",
	}
}

func TestRunDeliversAllDomains(t *testing.T) {
	conn := &fakeConn{}
	sink := newSink()
	s := &Scheduler{
		JobID: "abcdef123456", CampaignID: "c1",
		Job:    sink,
		Config: &staticConfig{snap: baseSnapshot()},
		Pool:   &sender.Pool{Dialer: &fakeDialer{conn: conn}},
	}
	s.Run(context.Background(), []string{"a@x.com", "b@x.com", "c@x.com", "d@y.com"})

	assert.ElementsMatch(t, []string{"a@x.com", "b@x.com", "c@x.com", "d@y.com"}, sink.sent)
	assert.Equal(t, map[string]int{"x.com": 3, "y.com": 1}, sink.plan)
	// Every chunk that ran reached a terminal state.
	states := sink.states()
	assert.Contains(t, states, "running")
	assert.Contains(t, states, "done")
	assert.NotContains(t, states, "backoff")
}

func TestRunStopsOnRequest(t *testing.T) {
	sink := newSink()
	sink.stop = true
	s := &Scheduler{
		JobID: "abcdef123456", CampaignID: "c1",
		Job:    sink,
		Config: &staticConfig{snap: baseSnapshot()},
		Pool:   &sender.Pool{Dialer: &fakeDialer{conn: &fakeConn{}}},
	}
	s.Run(context.Background(), []string{"a@x.com"})
	assert.Empty(t, sink.sent)
}

func TestRunNoSendersStops(t *testing.T) {
	sink := newSink()
	snap := baseSnapshot()
	snap.Senders = nil
	s := &Scheduler{
		Job:    sink,
		Config: &staticConfig{snap: snap},
		Pool:   &sender.Pool{Dialer: &fakeDialer{conn: &fakeConn{}}},
	}
	s.Run(context.Background(), []string{"a@x.com"})
	assert.Empty(t, sink.sent)
}

func pressureWithDeferrals(t *testing.T, deferred map[string]int) *pressure.Controller {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/domainDetail" {
			d := r.URL.Query().Get("domain")
			w.Write([]byte(`{"domains":[{"name":"` + d + `","deferred":` + strconv.Itoa(deferred[d]) + `}]}`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	mon := &monitor.Client{Host: u.Hostname(), Port: port, PlainHTTP: true, Timeout: 5 * time.Second}
	return pressure.New(mon)
}

func TestRunScopedBackoffDoesNotStallOtherDomains(t *testing.T) {
	ctrl := pressureWithDeferrals(t, map[string]int{"gmail.com": 140, "yahoo.com": 0})
	conn := &fakeConn{}
	sink := newSink()
	s := &Scheduler{
		JobID: "abcdef123456", CampaignID: "c1",
		Job:         sink,
		Config:      &staticConfig{snap: baseSnapshot()},
		Gate:        &preflight.Gate{Pressure: ctrl, BackoffEnabled: true},
		Pool:        &sender.Pool{Dialer: &fakeDialer{conn: conn}},
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
		MaxAttempts: 2,
	}
	s.Run(context.Background(), []string{"a@gmail.com", "b@yahoo.com"})

	// yahoo flows; gmail backs off and is eventually abandoned.
	assert.Equal(t, []string{"b@yahoo.com"}, sink.sent)
	assert.Equal(t, "abandoned", sink.failed["a@gmail.com"])
	states := sink.states()
	assert.Contains(t, states, "backoff")
	assert.Contains(t, states, "abandoned")
}

func TestSenderRotationByCursorAndAttempt(t *testing.T) {
	conn := &fakeConn{}
	sink := newSink()
	snap := baseSnapshot()
	snap.ChunkSize = 1
	s := &Scheduler{
		JobID: "abcdef123456", CampaignID: "c1",
		Job:    sink,
		Config: &staticConfig{snap: snap},
		Pool:   &sender.Pool{Dialer: &fakeDialer{conn: conn}},
	}
	s.Run(context.Background(), []string{"a@x.com", "b@x.com", "c@x.com"})

	var senders []string
	for _, c := range sink.chunks {
		if c.State == "done" {
			senders = append(senders, c.Sender)
		}
	}
	assert.Equal(t, []string{"s1@send.example", "s2@send.example", "s1@send.example"}, senders)
}
