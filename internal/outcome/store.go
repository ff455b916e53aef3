package outcome

import (
	"sort"
	"sync"
)

// Status is the reconciled state of one (job, recipient) pair.
type Status string

const (
	StatusDelivered  Status = "delivered"
	StatusBounced    Status = "bounced"
	StatusDeferred   Status = "deferred"
	StatusComplained Status = "complained"
)

// Final reports whether s is one of the equal-rank final statuses.
// Deferred is the only non-final status and is dominated by all finals.
func Final(s Status) bool {
	return s == StatusDelivered || s == StatusBounced || s == StatusComplained
}

type jobOutcomes struct {
	mu     sync.Mutex
	rows   map[string]Status // recipient -> status
	counts map[Status]int
}

// Store holds per-(job, recipient) outcome rows with monotonic promotion.
// Promotion and counter maintenance happen inside one critical section so the
// per-status counts always equal the number of distinct recipients currently
// in that status.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*jobOutcomes
}

// NewStore returns an empty outcome store.
func NewStore() *Store {
	return &Store{jobs: make(map[string]*jobOutcomes)}
}

func (s *Store) job(jobID string) *jobOutcomes {
	s.mu.RLock()
	j := s.jobs[jobID]
	s.mu.RUnlock()
	if j != nil {
		return j
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if j = s.jobs[jobID]; j == nil {
		j = &jobOutcomes{rows: make(map[string]Status), counts: make(map[Status]int)}
		s.jobs[jobID] = j
	}
	return j
}

// Transition is the result of applying one event to the store.
type Transition struct {
	Previous Status // empty when the row is new
	Current  Status
	Changed  bool
}

// Apply records next for (jobID, recipient) under the promotion rule:
// deferred is overwritten by any final; distinct finals overwrite each other
// in arrival order; a repeat of the current status is idempotent; a deferred
// arriving after a final is ignored.
func (s *Store) Apply(jobID, recipient string, next Status) Transition {
	j := s.job(jobID)
	j.mu.Lock()
	defer j.mu.Unlock()

	prev, exists := j.rows[recipient]
	if !exists {
		j.rows[recipient] = next
		j.counts[next]++
		return Transition{Current: next, Changed: true}
	}
	if prev == next {
		return Transition{Previous: prev, Current: prev}
	}
	if next == StatusDeferred && Final(prev) {
		return Transition{Previous: prev, Current: prev}
	}
	j.rows[recipient] = next
	j.counts[prev]--
	if j.counts[prev] <= 0 {
		delete(j.counts, prev)
	}
	j.counts[next]++
	return Transition{Previous: prev, Current: next, Changed: true}
}

// Get returns the status for (jobID, recipient).
func (s *Store) Get(jobID, recipient string) (Status, bool) {
	s.mu.RLock()
	j := s.jobs[jobID]
	s.mu.RUnlock()
	if j == nil {
		return "", false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	st, ok := j.rows[recipient]
	return st, ok
}

// Counts returns a copy of the per-status counters for jobID.
func (s *Store) Counts(jobID string) map[Status]int {
	out := make(map[Status]int)
	s.mu.RLock()
	j := s.jobs[jobID]
	s.mu.RUnlock()
	if j == nil {
		return out
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for k, v := range j.counts {
		out[k] = v
	}
	return out
}

// ByStatus returns the recipients of jobID currently in status, sorted.
func (s *Store) ByStatus(jobID string, status Status) []string {
	s.mu.RLock()
	j := s.jobs[jobID]
	s.mu.RUnlock()
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for r, st := range j.rows {
		if st == status {
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}

// Rows returns a copy of all rows for jobID.
func (s *Store) Rows(jobID string) map[string]Status {
	out := make(map[string]Status)
	s.mu.RLock()
	j := s.jobs[jobID]
	s.mu.RUnlock()
	if j == nil {
		return out
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for r, st := range j.rows {
		out[r] = st
	}
	return out
}

// DeleteJob drops every outcome row for jobID.
func (s *Store) DeleteJob(jobID string) {
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
}

// Restore seeds rows for jobID, rebuilding counters from scratch. Used when
// rehydrating persisted jobs on process start.
func (s *Store) Restore(jobID string, rows map[string]Status) {
	j := &jobOutcomes{rows: make(map[string]Status, len(rows)), counts: make(map[Status]int)}
	for r, st := range rows {
		j.rows[r] = st
		j.counts[st]++
	}
	s.mu.Lock()
	s.jobs[jobID] = j
	s.mu.Unlock()
}
