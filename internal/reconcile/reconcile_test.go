package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/pmta-blast/internal/acct"
	"github.com/ignite/pmta-blast/internal/outcome"
)

func TestParseMessageID(t *testing.T) {
	parts, ok := ParseMessageID("<uQx3_a9.4f2a91c03be7.camp001.c3.w1@mail.example.com>")
	require.True(t, ok)
	assert.Equal(t, "4f2a91c03be7", parts.JobID)
	assert.Equal(t, "camp001", parts.CampaignID)
	assert.Equal(t, "3", parts.Chunk)
	assert.Equal(t, "1", parts.Worker)
	assert.True(t, parts.Exact)
}

func TestParseMessageIDLegacy(t *testing.T) {
	parts, ok := ParseMessageID("<uQx3_a9.ABCDEF123456@host>")
	require.True(t, ok)
	assert.Equal(t, "abcdef123456", parts.JobID)
	assert.Empty(t, parts.CampaignID)
	assert.True(t, parts.Exact)
}

func TestParseMessageIDLooseToken(t *testing.T) {
	parts, ok := ParseMessageID("garbage 4f2a91c03be7 trailing")
	require.True(t, ok)
	assert.Equal(t, "4f2a91c03be7", parts.JobID)
	assert.False(t, parts.Exact)

	_, ok = ParseMessageID("<nothing-here@host>")
	assert.False(t, ok)
	_, ok = ParseMessageID("")
	assert.False(t, ok)
}

type fakeJob struct {
	id      string
	updates []Update
}

func (f *fakeJob) ID() string { return f.id }

func (f *fakeJob) ApplyReconciliation(u Update) { f.updates = append(f.updates, u) }

type fakeDir struct {
	jobs   map[string]*fakeJob
	active map[string]bool
	byCamp map[string]string
}

func (d *fakeDir) JobByID(id string) (Job, bool) {
	j, ok := d.jobs[id]
	if !ok {
		return nil, false
	}
	return j, true
}

func (d *fakeDir) ActiveJobByID(id string) (Job, bool) {
	if !d.active[id] {
		return nil, false
	}
	return d.JobByID(id)
}

func (d *fakeDir) ActiveJobByCampaign(c string) (Job, bool) {
	id, ok := d.byCamp[c]
	if !ok || !d.active[id] {
		return nil, false
	}
	return d.JobByID(id)
}

func newFixture() (*Reconciler, *fakeJob, *fakeDir) {
	j := &fakeJob{id: "abcdef123456"}
	dir := &fakeDir{
		jobs:   map[string]*fakeJob{j.id: j},
		active: map[string]bool{j.id: true},
		byCamp: map[string]string{"camp001": j.id},
	}
	r := New(outcome.NewStore(), outcome.NewRegistry(), dir)
	return r, j, dir
}

func TestResolveByJobIDHeader(t *testing.T) {
	r, j, _ := newFixture()
	r.Process([]*acct.Event{{Kind: acct.KindDelivered, Recipient: "a@x.com", JobID: "ABCDEF123456"}})
	require.Len(t, j.updates, 1)
	assert.Equal(t, ClassAccepted, j.updates[0].Class)

	st, ok := r.Store.Get(j.id, "a@x.com")
	require.True(t, ok)
	assert.Equal(t, outcome.StatusDelivered, st)
}

func TestResolveByMessageID(t *testing.T) {
	r, j, _ := newFixture()
	r.Process([]*acct.Event{{
		Kind:      acct.KindBounced,
		Recipient: "b@x.com",
		MessageID: "<op.abcdef123456.camp001.c0.w0@local>",
		DSNStatus: "5.1.1",
		DSNDiag:   "smtp;550 user unknown",
	}})
	require.Len(t, j.updates, 1)
	assert.Equal(t, ClassBlocked, j.updates[0].Class)
	assert.Equal(t, "smtp;550 user unknown", j.updates[0].ErrSample)
}

func TestResolveByCampaignThenRegistry(t *testing.T) {
	r, j, dir := newFixture()

	r.Process([]*acct.Event{{Kind: acct.KindDeferred, Recipient: "c@x.com", CampaignID: "camp001"}})
	require.Len(t, j.updates, 1)
	assert.Equal(t, ClassTempError, j.updates[0].Class)

	// Registry fallback when the row carries only the recipient.
	r.Registry.Record(j.id, "camp001", "d@x.com")
	r.Process([]*acct.Event{{Kind: acct.KindDelivered, Recipient: "d@x.com"}})
	require.Len(t, j.updates, 2)

	// Registry fallback still lands after the job goes inactive.
	dir.active[j.id] = false
	r.Process([]*acct.Event{{Kind: acct.KindBounced, Recipient: "d@x.com", DSNStatus: "5.0.0"}})
	require.Len(t, j.updates, 3)
}

func TestDropReasons(t *testing.T) {
	r, _, _ := newFixture()
	r.Process([]*acct.Event{
		{Kind: acct.KindUnknown, Recipient: "a@x.com"},
		{Kind: acct.KindDelivered},
		{Kind: acct.KindDelivered, Recipient: "stranger@x.com"},
	})
	assert.Equal(t, int64(1), r.Stats.UnknownKind.Load())
	assert.Equal(t, int64(1), r.Stats.NoRecipient.Load())
	assert.Equal(t, int64(1), r.Stats.JobNotFound.Load())
	assert.Equal(t, int64(0), r.Stats.Processed.Load())
}

func TestDeferredThenDeliveredPromotes(t *testing.T) {
	r, j, _ := newFixture()
	msgid := "<op.abcdef123456.camp001.c0.w0@local>"
	r.Process([]*acct.Event{
		{Kind: acct.KindDeferred, Recipient: "bob@example.com", MessageID: msgid, DSNStatus: "4.4.1"},
		{Kind: acct.KindDelivered, Recipient: "bob@example.com", MessageID: msgid, DSNStatus: "2.0.0"},
	})
	require.Len(t, j.updates, 2)

	first, second := j.updates[0], j.updates[1]
	assert.True(t, first.Transition.Changed)
	assert.Equal(t, outcome.StatusDeferred, first.Transition.Current)
	assert.True(t, second.Transition.Changed)
	assert.Equal(t, outcome.StatusDeferred, second.Transition.Previous)
	assert.Equal(t, outcome.StatusDelivered, second.Transition.Current)
	assert.Equal(t, map[outcome.Status]int{outcome.StatusDelivered: 1}, r.Store.Counts(j.id))
}

func TestSameEventTwiceIsIdempotent(t *testing.T) {
	r, j, _ := newFixture()
	ev := &acct.Event{Kind: acct.KindDelivered, Recipient: "a@x.com", JobID: "abcdef123456"}
	r.Process([]*acct.Event{ev, ev})
	require.Len(t, j.updates, 2)
	assert.False(t, j.updates[1].Transition.Changed)
	assert.Equal(t, map[outcome.Status]int{outcome.StatusDelivered: 1}, r.Store.Counts(j.id))
	assert.Equal(t, int64(1), r.Stats.Idempotent.Load())
}

func TestPersistHookFiresOnPromotionsOnly(t *testing.T) {
	r, j, _ := newFixture()
	type saved struct {
		job, rcpt string
		status    outcome.Status
	}
	var writes []saved
	r.Persist = func(jobID, recipient string, status outcome.Status) {
		writes = append(writes, saved{jobID, recipient, status})
	}

	ev := &acct.Event{Kind: acct.KindDeferred, Recipient: "a@x.com", JobID: "abcdef123456"}
	r.Process([]*acct.Event{ev, ev,
		{Kind: acct.KindDelivered, Recipient: "a@x.com", JobID: "abcdef123456"}})

	require.Len(t, writes, 2, "idempotent repeat must not hit storage")
	assert.Equal(t, saved{j.id, "a@x.com", outcome.StatusDeferred}, writes[0])
	assert.Equal(t, saved{j.id, "a@x.com", outcome.StatusDelivered}, writes[1])
}

func TestEventTimeCarriedIntoUpdate(t *testing.T) {
	r, j, _ := newFixture()
	ts := time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC)
	r.Process([]*acct.Event{{Kind: acct.KindDelivered, Recipient: "a@x.com", JobID: "abcdef123456", Time: ts}})
	require.Len(t, j.updates, 1)
	assert.Equal(t, ts, j.updates[0].At)
}
