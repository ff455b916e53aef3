package reconcile

import (
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ignite/pmta-blast/internal/acct"
	"github.com/ignite/pmta-blast/internal/outcome"
	"github.com/ignite/pmta-blast/internal/pkg/logger"
)

// ResponseClass buckets an accounting row's SMTP/enhanced codes.
type ResponseClass string

const (
	ClassAccepted  ResponseClass = "accepted"
	ClassTempError ResponseClass = "temporary_error"
	ClassBlocked   ResponseClass = "blocked"
)

// Update is one reconciled accounting event delivered to a job. The job
// applies it under its own lock: swaps the per-status counters according to
// Transition, appends the minute bucket, and records the response class.
type Update struct {
	Recipient  string
	Kind       acct.Kind
	Transition outcome.Transition
	Class      ResponseClass
	ErrSample  string // empty for accepted responses
	At         time.Time
}

// Job is the slice of the job model the reconciler needs.
type Job interface {
	ID() string
	ApplyReconciliation(u Update)
}

// Directory resolves jobs for correlation.
type Directory interface {
	JobByID(id string) (Job, bool)
	ActiveJobByID(id string) (Job, bool)
	ActiveJobByCampaign(campaignID string) (Job, bool)
}

// Stats counts reconciler dispositions. All fields are atomics.
type Stats struct {
	Processed   atomic.Int64
	UnknownKind atomic.Int64
	NoRecipient atomic.Int64
	JobNotFound atomic.Int64
	Promotions  atomic.Int64
	Idempotent  atomic.Int64
}

// Reconciler correlates accounting events back to their originating job and
// applies the outcome to the store. Promotion plus counter maintenance is one
// critical section per event inside the store.
type Reconciler struct {
	Store    *outcome.Store
	Registry *outcome.Registry
	Jobs     Directory
	Stats    Stats

	// Persist, when set, receives every promoted outcome for durable
	// storage. Idempotent re-deliveries never reach it.
	Persist func(jobID, recipient string, status outcome.Status)
}

// New returns a reconciler over the given store, registry, and directory.
func New(store *outcome.Store, registry *outcome.Registry, jobs Directory) *Reconciler {
	return &Reconciler{Store: store, Registry: registry, Jobs: jobs}
}

// Process applies a batch of events. Signature matches the tailer's Handler.
func (r *Reconciler) Process(events []*acct.Event) {
	for _, ev := range events {
		r.processOne(ev)
	}
}

func (r *Reconciler) processOne(ev *acct.Event) {
	if ev.Kind == acct.KindUnknown || ev.Kind == "" {
		r.Stats.UnknownKind.Add(1)
		return
	}
	if ev.Recipient == "" {
		r.Stats.NoRecipient.Add(1)
		return
	}
	job, ok := r.resolve(ev)
	if !ok {
		r.Stats.JobNotFound.Add(1)
		log.Printf("[Reconcile] drop event kind=%s rcpt=%s reason=job_not_found", ev.Kind, logger.RedactEmail(ev.Recipient))
		return
	}

	status := statusForKind(ev.Kind)
	tr := r.Store.Apply(job.ID(), ev.Recipient, status)
	if tr.Changed {
		r.Stats.Promotions.Add(1)
		if r.Persist != nil {
			r.Persist(job.ID(), ev.Recipient, tr.Current)
		}
	} else {
		r.Stats.Idempotent.Add(1)
	}

	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	class, sample := classify(ev)
	job.ApplyReconciliation(Update{
		Recipient:  ev.Recipient,
		Kind:       ev.Kind,
		Transition: tr,
		Class:      class,
		ErrSample:  sample,
		At:         at,
	})
	r.Stats.Processed.Add(1)
}

// resolve finds the owning job: explicit job id, then message-id, then
// active campaign, then the recipient registry.
func (r *Reconciler) resolve(ev *acct.Event) (Job, bool) {
	if ev.JobID != "" {
		if j, ok := r.Jobs.JobByID(strings.ToLower(ev.JobID)); ok {
			return j, true
		}
	}
	if ev.MessageID != "" {
		if parts, ok := ParseMessageID(ev.MessageID); ok {
			if j, found := r.Jobs.JobByID(parts.JobID); found {
				return j, true
			}
		}
	}
	if ev.CampaignID != "" {
		if j, ok := r.Jobs.ActiveJobByCampaign(ev.CampaignID); ok {
			return j, true
		}
	}
	if r.Registry != nil {
		for _, entry := range r.Registry.ByRecipient(ev.Recipient) {
			if j, ok := r.Jobs.ActiveJobByID(entry.JobID); ok {
				return j, true
			}
		}
		// No active candidate: fall back to the newest known job so late
		// arrivals still land after the job finishes.
		for _, entry := range r.Registry.ByRecipient(ev.Recipient) {
			if j, ok := r.Jobs.JobByID(entry.JobID); ok {
				return j, true
			}
		}
	}
	return nil, false
}

func statusForKind(k acct.Kind) outcome.Status {
	switch k {
	case acct.KindDelivered:
		return outcome.StatusDelivered
	case acct.KindBounced:
		return outcome.StatusBounced
	case acct.KindComplained:
		return outcome.StatusComplained
	default:
		return outcome.StatusDeferred
	}
}

// classify maps enhanced status codes, and failing that the outcome kind,
// onto the three response classes. The sample text feeds the job's bounded
// error ring and is empty for accepted rows.
func classify(ev *acct.Event) (ResponseClass, string) {
	code := strings.TrimSpace(ev.DSNStatus)
	if code == "" {
		code = strings.TrimSpace(ev.DSNDiag)
	}
	class := ClassAccepted
	switch {
	case strings.HasPrefix(code, "2"):
		class = ClassAccepted
	case strings.HasPrefix(code, "4"):
		class = ClassTempError
	case strings.HasPrefix(code, "5"):
		class = ClassBlocked
	default:
		switch ev.Kind {
		case acct.KindDelivered:
			class = ClassAccepted
		case acct.KindDeferred:
			class = ClassTempError
		default:
			class = ClassBlocked
		}
	}
	if class == ClassAccepted {
		return class, ""
	}
	sample := ev.DSNDiag
	if sample == "" {
		sample = ev.DSNStatus
	}
	if len(sample) > 240 {
		sample = sample[:240]
	}
	return class, sample
}
