package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/ignite/pmta-blast/internal/preflight"
	"github.com/ignite/pmta-blast/internal/pressure"
	"github.com/ignite/pmta-blast/internal/sender"
)

// sliceMax bounds scheduler waits so pause and stop take effect promptly.
const sliceMax = 350 * time.Millisecond

// Snapshot is one iteration's view of the live campaign configuration. The
// provider swaps snapshots atomically on hot reload; the scheduler never
// sees a partially updated config.
type Snapshot struct {
	ChunkSize     int
	Workers       int
	DelayS        float64
	SleepChunks   float64
	SpamThreshold float64

	Senders  []sender.Identity
	Subjects []string
	Bodies   []string
	URLPool  []string
	SrcPool  []string

	Format       string
	ReplyTo      string
	UnsubBaseURL string
	UnsubSecret  string
	MsgIDHost    string
}

// Variants counts the subject/body alternatives rotation can draw from.
func (s Snapshot) Variants() int {
	n := len(s.Subjects)
	if len(s.Bodies) > n {
		n = len(s.Bodies)
	}
	return n
}

// ConfigProvider yields the current config snapshot.
type ConfigProvider interface {
	Snapshot() Snapshot
}

// ChunkRecord is one chunk state transition reported to the job.
type ChunkRecord struct {
	Index     int
	Domain    string
	Sender    string
	Subject   string
	Size      int
	Attempt   int
	State     string // running, done, done_after_backoff, backoff, abandoned
	Reason    string
	SpamScore *float64
	At        time.Time
}

// Sink is the slice of the job model the scheduler drives. It extends the
// sender pool's event surface with chunk bookkeeping and the rolling outcome
// signal the pressure controller consumes.
type Sink interface {
	sender.Events
	Paused() bool
	StopRequested() bool
	RecentSignal() pressure.OutcomeSignal
	SetDomainPlan(plan map[string]int)
	ChunkTransition(rec ChunkRecord)
}

// Scheduler runs one job's dispatch loop: bucket by receiver domain, round
// robin across buckets, rotate sender identity and variants, gate each chunk,
// and hand allowed chunks to the sender pool.
type Scheduler struct {
	JobID      string
	CampaignID string
	SMTPHost   string

	Job      Sink
	Config   ConfigProvider
	Pressure *pressure.Controller
	Gate     *preflight.Gate
	Pool     *sender.Pool

	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int // chunk attempts before abandoning, default 6
}

func (s *Scheduler) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return 6
}

// Run dispatches recipients until the buckets drain, a stop is requested, or
// the context is canceled. Blocked chunks requeue at the head of their
// bucket, so pending scoped retries keep the loop alive until they resolve.
func (s *Scheduler) Run(ctx context.Context, recipients []string) {
	buckets := NewBuckets(recipients)
	s.Job.SetDomainPlan(buckets.Plan())
	backoff := NewBackoffTable(s.BackoffBase, s.BackoffCap)

	senderCursor := make(map[string]int)
	attempts := make(map[string]int) // current chunk attempt per domain
	chunkIndex := 0

	for !buckets.Empty() {
		if ctx.Err() != nil || s.Job.StopRequested() {
			return
		}
		if s.Job.Paused() {
			s.sleep(ctx, sliceMax)
			continue
		}

		snap := s.Config.Snapshot()
		if len(snap.Senders) == 0 {
			log.Printf("[Scheduler] no sender identities configured, stopping")
			return
		}

		caps := pressure.Caps{
			Workers:     snap.Workers,
			ChunkSize:   snap.ChunkSize,
			DelayS:      snap.DelayS,
			SleepChunks: snap.SleepChunks,
		}
		if s.Pressure != nil {
			policy := s.Pressure.Evaluate(ctx, caps, s.Job.RecentSignal())
			if policy.Action != pressure.ActionSteady {
				log.Printf("[Scheduler] pressure level=%d action=%s reason=%s", policy.Level, policy.Action, policy.Reason)
			}
			caps = policy.Applied
		}
		if caps.ChunkSize < 1 {
			caps.ChunkSize = 1
		}

		domain := buckets.NextReady(func(d string) bool {
			id := s.pickSender(snap, senderCursor, attempts, d)
			return !backoff.Blocked(BackoffKey{ReceiverDomain: d, SenderDomain: id.Domain()})
		})
		if domain == "" {
			// Everything pending is on scoped backoff.
			next, ok := backoff.EarliestRetry()
			wait := sliceMax
			if ok {
				if d := time.Until(next); d < wait {
					wait = d
				}
			}
			if !s.sleep(ctx, wait) {
				return
			}
			continue
		}

		chunk := sender.Chunk{
			JobID:      s.JobID,
			CampaignID: s.CampaignID,
			Index:      chunkIndex,
			Domain:     domain,
			Recipients: buckets.Pop(domain, caps.ChunkSize),
			Attempt:    attempts[domain],
		}
		id := s.pickSender(snap, senderCursor, attempts, domain)
		chunk.Sender = id
		chunk.Subject = rotate(snap.Subjects, senderCursor[domain]+attempts[domain])
		chunk.Body = rotate(snap.Bodies, senderCursor[domain]+attempts[domain])

		s.Job.ChunkTransition(ChunkRecord{
			Index: chunk.Index, Domain: domain, Sender: id.Email, Subject: chunk.Subject,
			Size: len(chunk.Recipients), Attempt: chunk.Attempt, State: "running", At: time.Now(),
		})

		decision := preflight.Decision{Verdict: preflight.VerdictAllow}
		if s.Gate != nil {
			decision = s.Gate.Check(ctx, preflight.Input{
				Subject:        chunk.Subject,
				Body:           chunk.Body,
				FromEmail:      id.Email,
				SMTPHost:       s.SMTPHost,
				ReceiverDomain: domain,
				SpamThreshold:  snap.SpamThreshold,
				VariantCount:   snap.Variants(),
			})
		}

		if decision.Verdict == preflight.VerdictBlock {
			key := BackoffKey{ReceiverDomain: domain, SenderDomain: id.Domain()}
			buckets.Requeue(domain, chunk.Recipients)
			attempts[domain]++
			if attempts[domain] >= s.maxAttempts() {
				abandoned := buckets.Pop(domain, len(chunk.Recipients))
				for _, rcpt := range abandoned {
					s.Job.Failed(rcpt, "abandoned", nil)
				}
				delete(attempts, domain)
				backoff.Reset(key)
				s.Job.ChunkTransition(ChunkRecord{
					Index: chunk.Index, Domain: domain, Sender: id.Email,
					Size: len(abandoned), Attempt: chunk.Attempt, State: "abandoned",
					Reason: decision.Reason, SpamScore: decision.Score, At: time.Now(),
				})
			} else {
				next, n := backoff.Fail(key)
				s.Job.ChunkTransition(ChunkRecord{
					Index: chunk.Index, Domain: domain, Sender: id.Email,
					Size: len(chunk.Recipients), Attempt: chunk.Attempt, State: "backoff",
					Reason: decision.Reason, SpamScore: decision.Score, At: time.Now(),
				})
				log.Printf("[Scheduler] chunk %d backoff pair=(%s,%s) attempt=%d retry=%s reason=%s",
					chunk.Index, domain, id.Domain(), n, next.Format(time.RFC3339), decision.Reason)
			}
			chunkIndex++
			continue
		}

		opts := sender.Options{
			Workers:      caps.Workers,
			DelayS:       caps.DelayS,
			Format:       snap.Format,
			ReplyTo:      snap.ReplyTo,
			URLPool:      snap.URLPool,
			SrcPool:      snap.SrcPool,
			UnsubBaseURL: snap.UnsubBaseURL,
			UnsubSecret:  snap.UnsubSecret,
			Host:         snap.MsgIDHost,
		}
		if decision.Verdict == preflight.VerdictSlow {
			if decision.WorkerCap > 0 && opts.Workers > decision.WorkerCap {
				opts.Workers = decision.WorkerCap
			}
			if decision.DelayFloor > opts.DelayS {
				opts.DelayS = decision.DelayFloor
			}
		}

		s.Pool.Deliver(ctx, chunk, opts, s.Job, s.Job)

		state := "done"
		if chunk.Attempt > 0 {
			state = "done_after_backoff"
		}
		s.Job.ChunkTransition(ChunkRecord{
			Index: chunk.Index, Domain: domain, Sender: id.Email, Subject: chunk.Subject,
			Size: len(chunk.Recipients), Attempt: chunk.Attempt, State: state,
			Reason: decision.Reason, SpamScore: decision.Score, At: time.Now(),
		})

		backoff.Reset(BackoffKey{ReceiverDomain: domain, SenderDomain: id.Domain()})
		delete(attempts, domain)
		senderCursor[domain]++
		chunkIndex++

		if caps.SleepChunks > 0 {
			if !s.sleep(ctx, time.Duration(caps.SleepChunks*float64(time.Second))) {
				return
			}
		}
	}
}

// pickSender applies the rotation rule: senders[(cursor + attempt) mod n].
func (s *Scheduler) pickSender(snap Snapshot, cursor, attempts map[string]int, domain string) sender.Identity {
	if len(snap.Senders) == 0 {
		return sender.Identity{}
	}
	idx := (cursor[domain] + attempts[domain]) % len(snap.Senders)
	return snap.Senders[idx]
}

func rotate(variants []string, n int) string {
	if len(variants) == 0 {
		return ""
	}
	return variants[n%len(variants)]
}

// sleep waits d in slices, returning false when stop or cancellation
// interrupts it.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	for d > 0 {
		if ctx.Err() != nil || s.Job.StopRequested() {
			return false
		}
		step := d
		if step > sliceMax {
			step = sliceMax
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
		}
		d -= step
	}
	return ctx.Err() == nil && !s.Job.StopRequested()
}
