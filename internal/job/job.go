package job

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/pmta-blast/internal/acct"
	"github.com/ignite/pmta-blast/internal/outcome"
	"github.com/ignite/pmta-blast/internal/pressure"
	"github.com/ignite/pmta-blast/internal/reconcile"
	"github.com/ignite/pmta-blast/internal/scheduler"
	"github.com/ignite/pmta-blast/internal/sender"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusBackoff Status = "backoff"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Active reports whether the status is non-terminal.
func (s Status) Active() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusBackoff, StatusPaused:
		return true
	}
	return false
}

// Bounded history sizes carried in snapshots.
const (
	maxChunkStates    = 200
	maxRecentResults  = 400
	maxOutcomeBuckets = 180
	maxErrorSamples   = 80
	signalWindow      = 140
)

// RecentResult is one per-recipient dispatch result.
type RecentResult struct {
	Recipient string    `json:"recipient"`
	Outcome   string    `json:"outcome"` // sent | failed | skipped
	Category  string    `json:"category,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// ChunkState is one chunk transition kept in the bounded ring.
type ChunkState struct {
	Index     int       `json:"index"`
	Domain    string    `json:"domain"`
	Sender    string    `json:"sender"`
	Subject   string    `json:"subject,omitempty"`
	Size      int       `json:"size"`
	Attempt   int       `json:"attempt"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	SpamScore *float64  `json:"spam_score,omitempty"`
	At        time.Time `json:"at"`
}

// OutcomeBucket is one minute of reconciled outcomes.
type OutcomeBucket struct {
	Minute     int64 `json:"minute"` // unix seconds / 60
	Delivered  int   `json:"delivered"`
	Bounced    int   `json:"bounced"`
	Deferred   int   `json:"deferred"`
	Complained int   `json:"complained"`
}

// ErrorSample is one non-accepted accounting response kept for operators.
type ErrorSample struct {
	Recipient string    `json:"recipient"`
	Class     string    `json:"class"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// Snapshot is the persistable view of a job. Everything an operator sees in
// status responses comes from here.
type Snapshot struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	CreatedAt  time.Time `json:"created_at"`
	SMTPHost   string    `json:"smtp_host"`

	Status       Status `json:"status"`
	StatusReason string `json:"status_reason,omitempty"`
	LastError    string `json:"last_error,omitempty"`

	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Invalid int `json:"invalid"`

	Delivered  int `json:"delivered"`
	Bounced    int `json:"bounced"`
	Deferred   int `json:"deferred"`
	Complained int `json:"complained"`

	DomainPlan   map[string]int `json:"domain_plan"`
	DomainSent   map[string]int `json:"domain_sent"`
	DomainFailed map[string]int `json:"domain_failed"`

	ChunksTotal     int `json:"chunks_total"`
	ChunksDone      int `json:"chunks_done"`
	ChunksBackoff   int `json:"chunks_backoff"`
	ChunksAbandoned int `json:"chunks_abandoned"`

	SpamThreshold float64 `json:"spam_threshold"`

	FailureCategories map[string]int `json:"failure_categories"`
	ResponseClasses   map[string]int `json:"response_classes"`

	ChunkStates   []ChunkState    `json:"chunk_states"`
	RecentResults []RecentResult  `json:"recent_results"`
	OutcomeSeries []OutcomeBucket `json:"outcome_series"`
	ErrorSamples  []ErrorSample   `json:"error_samples"`
}

type signalEntry struct {
	kind  acct.Kind
	class reconcile.ResponseClass
}

// Job is one running (or persisted) send job. All mutation goes through the
// job's lock so counters, rings, and the outcome store cannot drift.
type Job struct {
	mu   sync.Mutex
	snap Snapshot

	paused        atomic.Bool
	stopRequested atomic.Bool

	// recent reconciled outcomes feeding the pressure signal
	signals []signalEntry

	registry *outcome.Registry
	onDirty  func(force bool)

	Kill KillRules
}

// New creates a queued job shell.
func New(id, campaignID, smtpHost string, total int, spamThreshold float64, registry *outcome.Registry) *Job {
	return &Job{
		snap: Snapshot{
			ID:                id,
			CampaignID:        campaignID,
			CreatedAt:         time.Now().UTC(),
			SMTPHost:          smtpHost,
			Status:            StatusQueued,
			Total:             total,
			SpamThreshold:     spamThreshold,
			DomainPlan:        map[string]int{},
			DomainSent:        map[string]int{},
			DomainFailed:      map[string]int{},
			FailureCategories: map[string]int{},
			ResponseClasses:   map[string]int{},
		},
		registry: registry,
		Kill:     DefaultKillRules(),
	}
}

// Restore rebuilds a job from a persisted snapshot. Active statuses come
// back as stopped: a restarted process never resumes an interrupted job.
func Restore(snap Snapshot, registry *outcome.Registry) *Job {
	if snap.Status.Active() {
		snap.Status = StatusStopped
		snap.StatusReason = "restored from DB"
	}
	if snap.DomainPlan == nil {
		snap.DomainPlan = map[string]int{}
	}
	if snap.DomainSent == nil {
		snap.DomainSent = map[string]int{}
	}
	if snap.DomainFailed == nil {
		snap.DomainFailed = map[string]int{}
	}
	if snap.FailureCategories == nil {
		snap.FailureCategories = map[string]int{}
	}
	if snap.ResponseClasses == nil {
		snap.ResponseClasses = map[string]int{}
	}
	return &Job{snap: snap, registry: registry, Kill: DefaultKillRules()}
}

// ID returns the job id.
func (j *Job) ID() string { return j.snap.ID }

// CampaignID returns the owning campaign.
func (j *Job) CampaignID() string { return j.snap.CampaignID }

// SetDirtyFunc wires the persistence trigger.
func (j *Job) SetDirtyFunc(fn func(force bool)) { j.onDirty = fn }

func (j *Job) dirty(force bool) {
	if j.onDirty != nil {
		j.onDirty(force)
	}
}

// Status returns the current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snap.Status
}

// Snapshot returns a deep copy of the job's persistable state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.copySnapshotLocked()
}

func (j *Job) copySnapshotLocked() Snapshot {
	out := j.snap
	out.DomainPlan = copyCounts(j.snap.DomainPlan)
	out.DomainSent = copyCounts(j.snap.DomainSent)
	out.DomainFailed = copyCounts(j.snap.DomainFailed)
	out.FailureCategories = copyCounts(j.snap.FailureCategories)
	out.ResponseClasses = copyCounts(j.snap.ResponseClasses)
	out.ChunkStates = append([]ChunkState(nil), j.snap.ChunkStates...)
	out.RecentResults = append([]RecentResult(nil), j.snap.RecentResults...)
	out.OutcomeSeries = append([]OutcomeBucket(nil), j.snap.OutcomeSeries...)
	out.ErrorSamples = append([]ErrorSample(nil), j.snap.ErrorSamples...)
	return out
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- lifecycle ---

// SetStatus transitions the job and forces a persistence write on terminal
// states.
func (j *Job) SetStatus(status Status, reason string) {
	j.mu.Lock()
	j.snap.Status = status
	j.snap.StatusReason = reason
	if status == StatusError {
		j.snap.LastError = reason
	}
	terminal := !status.Active()
	j.mu.Unlock()
	j.dirty(terminal)
}

// Pause sets the cooperative pause flag.
func (j *Job) Pause(reason string) {
	j.paused.Store(true)
	j.SetStatus(StatusPaused, reason)
}

// Resume clears the pause flag.
func (j *Job) Resume() {
	j.paused.Store(false)
	j.SetStatus(StatusRunning, "")
}

// RequestStop sets the cooperative stop flag. In-flight sends finish; no new
// ones start.
func (j *Job) RequestStop() {
	j.stopRequested.Store(true)
}

// Paused implements the worker control surface.
func (j *Job) Paused() bool { return j.paused.Load() }

// StopRequested implements the worker control surface.
func (j *Job) StopRequested() bool { return j.stopRequested.Load() }

// --- scheduler sink ---

// SetDomainPlan records the per-domain plan computed at start.
func (j *Job) SetDomainPlan(plan map[string]int) {
	j.mu.Lock()
	j.snap.DomainPlan = copyCounts(plan)
	j.mu.Unlock()
	j.dirty(false)
}

// ChunkTransition appends to the bounded chunk ring and maintains chunk
// counters.
func (j *Job) ChunkTransition(rec scheduler.ChunkRecord) {
	j.mu.Lock()
	cs := ChunkState{
		Index: rec.Index, Domain: rec.Domain, Sender: rec.Sender, Subject: rec.Subject,
		Size: rec.Size, Attempt: rec.Attempt, State: rec.State, Reason: rec.Reason,
		SpamScore: rec.SpamScore, At: rec.At,
	}
	j.snap.ChunkStates = appendBounded(j.snap.ChunkStates, cs, maxChunkStates)
	switch rec.State {
	case "running":
		if rec.Attempt == 0 {
			j.snap.ChunksTotal++
		}
	case "done", "done_after_backoff":
		j.snap.ChunksDone++
	case "backoff":
		j.snap.ChunksBackoff++
	case "abandoned":
		j.snap.ChunksAbandoned++
	}
	j.mu.Unlock()
	j.dirty(false)
}

// RecentSignal summarizes the reconciled outcome window for the pressure
// controller.
func (j *Job) RecentSignal() pressure.OutcomeSignal {
	j.mu.Lock()
	defer j.mu.Unlock()

	sig := pressure.OutcomeSignal{Total: len(j.signals)}
	if sig.Total == 0 {
		return sig
	}
	var bad float64
	var n4, n5, complaints int
	for _, e := range j.signals {
		switch e.kind {
		case acct.KindBounced:
			bad++
		case acct.KindComplained:
			bad++
			complaints++
		case acct.KindDeferred:
			bad += 0.6
		}
		switch e.class {
		case reconcile.ClassTempError:
			n4++
		case reconcile.ClassBlocked:
			n5++
		}
	}
	total := float64(sig.Total)
	sig.BadRatio = bad / total
	sig.Ratio4xx = float64(n4) / total
	sig.Ratio5xx = float64(n5) / total
	sig.Complaints = complaints
	return sig
}

// --- sender events ---

// Sent records one SMTP acceptance.
func (j *Job) Sent(rcpt, msgid string) {
	j.mu.Lock()
	j.snap.Sent++
	j.snap.DomainSent[sender.ReceiverDomain(rcpt)]++
	j.snap.RecentResults = appendBounded(j.snap.RecentResults, RecentResult{
		Recipient: rcpt, Outcome: "sent", At: time.Now(),
	}, maxRecentResults)
	j.mu.Unlock()
	if j.registry != nil {
		j.registry.Record(j.snap.ID, j.snap.CampaignID, rcpt)
	}
	j.dirty(false)
}

// Failed records one per-recipient send failure.
func (j *Job) Failed(rcpt, category string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	j.mu.Lock()
	j.snap.Failed++
	j.snap.DomainFailed[sender.ReceiverDomain(rcpt)]++
	if category != "" {
		j.snap.FailureCategories[category]++
	}
	j.snap.RecentResults = appendBounded(j.snap.RecentResults, RecentResult{
		Recipient: rcpt, Outcome: "failed", Category: category, Error: msg, At: time.Now(),
	}, maxRecentResults)
	j.mu.Unlock()
	j.dirty(false)
}

// Skipped records a suppressed recipient.
func (j *Job) Skipped(rcpt, reason string) {
	j.mu.Lock()
	j.snap.Skipped++
	j.snap.RecentResults = appendBounded(j.snap.RecentResults, RecentResult{
		Recipient: rcpt, Outcome: "skipped", Category: reason, At: time.Now(),
	}, maxRecentResults)
	j.mu.Unlock()
	j.dirty(false)
}

// AddInvalid counts recipients dropped during list sanitation.
func (j *Job) AddInvalid(n int) {
	j.mu.Lock()
	j.snap.Invalid += n
	j.mu.Unlock()
}

// --- reconciler sink ---

// KillRules pause a job whose live outcomes look destructive.
type KillRules struct {
	MinSample         int
	MaxHardBounceRate float64
	MaxComplaintsRate float64
}

// DefaultKillRules returns the stock kill-switch settings.
func DefaultKillRules() KillRules {
	return KillRules{MinSample: 500, MaxHardBounceRate: 0.05, MaxComplaintsRate: 0.001}
}

// ApplyReconciliation applies one reconciled accounting event: counter swap
// per the outcome transition, minute series, response classes, error
// samples, and the kill-switch check.
func (j *Job) ApplyReconciliation(u reconcile.Update) {
	j.mu.Lock()

	if u.Transition.Changed {
		j.bumpOutcomeLocked(u.Transition.Previous, -1)
		j.bumpOutcomeLocked(u.Transition.Current, +1)
	}

	minute := u.At.Unix() / 60
	j.appendBucketLocked(minute, u.Kind)

	j.snap.ResponseClasses[string(u.Class)]++
	if u.Class != reconcile.ClassAccepted && u.ErrSample != "" {
		j.snap.ErrorSamples = appendBounded(j.snap.ErrorSamples, ErrorSample{
			Recipient: u.Recipient, Class: string(u.Class), Text: u.ErrSample, At: u.At,
		}, maxErrorSamples)
	}

	j.signals = append(j.signals, signalEntry{kind: u.Kind, class: u.Class})
	if len(j.signals) > signalWindow {
		j.signals = j.signals[len(j.signals)-signalWindow:]
	}

	kill, reason := j.killCheckLocked()
	j.mu.Unlock()

	if kill {
		j.Pause(reason)
	}
	j.dirty(false)
}

func (j *Job) bumpOutcomeLocked(st outcome.Status, delta int) {
	switch st {
	case outcome.StatusDelivered:
		j.snap.Delivered += delta
	case outcome.StatusBounced:
		j.snap.Bounced += delta
	case outcome.StatusDeferred:
		j.snap.Deferred += delta
	case outcome.StatusComplained:
		j.snap.Complained += delta
	}
}

func (j *Job) appendBucketLocked(minute int64, kind acct.Kind) {
	series := j.snap.OutcomeSeries
	if n := len(series); n > 0 && series[n-1].Minute == minute {
		bump(&series[n-1], kind)
		return
	}
	b := OutcomeBucket{Minute: minute}
	bump(&b, kind)
	j.snap.OutcomeSeries = appendBounded(series, b, maxOutcomeBuckets)
}

func bump(b *OutcomeBucket, kind acct.Kind) {
	switch kind {
	case acct.KindDelivered:
		b.Delivered++
	case acct.KindBounced:
		b.Bounced++
	case acct.KindDeferred:
		b.Deferred++
	case acct.KindComplained:
		b.Complained++
	}
}

func (j *Job) killCheckLocked() (bool, string) {
	if j.snap.Status != StatusRunning && j.snap.Status != StatusBackoff {
		return false, ""
	}
	sample := j.snap.Sent
	if sample < j.Kill.MinSample || j.Kill.MinSample <= 0 {
		return false, ""
	}
	sent := float64(sample)
	if rate := float64(j.snap.Bounced) / sent; rate >= j.Kill.MaxHardBounceRate {
		return true, fmt.Sprintf("kill switch: bounce rate %.1f%% over %d sent", rate*100, sample)
	}
	if rate := float64(j.snap.Complained) / sent; rate >= j.Kill.MaxComplaintsRate {
		return true, fmt.Sprintf("kill switch: complaint rate %.2f%% over %d sent", rate*100, sample)
	}
	return false, ""
}

func appendBounded[T any](s []T, v T, max int) []T {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
