package scheduler

import (
	"math"
	"time"
)

// BackoffKey scopes a timed pause to one (receiver domain, sender domain)
// pair so other pairs keep flowing.
type BackoffKey struct {
	ReceiverDomain string
	SenderDomain   string
}

type backoffState struct {
	NextRetry time.Time
	Attempts  int
}

// BackoffTable tracks scoped exponential backoff. Not safe for concurrent
// use; the scheduler loop is its only caller.
type BackoffTable struct {
	Base  time.Duration
	Cap   time.Duration
	pairs map[BackoffKey]backoffState
	now   func() time.Time
}

// NewBackoffTable returns a table with the given base delay and cap.
func NewBackoffTable(base, cap time.Duration) *BackoffTable {
	if base <= 0 {
		base = 30 * time.Second
	}
	if cap <= 0 {
		cap = 15 * time.Minute
	}
	return &BackoffTable{
		Base:  base,
		Cap:   cap,
		pairs: make(map[BackoffKey]backoffState),
		now:   time.Now,
	}
}

// Blocked reports whether the pair is waiting out a retry delay.
func (t *BackoffTable) Blocked(key BackoffKey) bool {
	st, ok := t.pairs[key]
	return ok && t.now().Before(st.NextRetry)
}

// Attempts returns the pair's consecutive failure count.
func (t *BackoffTable) Attempts(key BackoffKey) int {
	return t.pairs[key].Attempts
}

// Fail records one more failed attempt and schedules the next retry at
// base * 2^(attempts-1), capped.
func (t *BackoffTable) Fail(key BackoffKey) (next time.Time, attempts int) {
	st := t.pairs[key]
	st.Attempts++
	delay := time.Duration(float64(t.Base) * math.Pow(2, float64(st.Attempts-1)))
	if delay > t.Cap {
		delay = t.Cap
	}
	st.NextRetry = t.now().Add(delay)
	t.pairs[key] = st
	return st.NextRetry, st.Attempts
}

// Reset clears the pair after a successful dispatch.
func (t *BackoffTable) Reset(key BackoffKey) {
	delete(t.pairs, key)
}

// EarliestRetry returns the soonest pending retry time, if any pair is
// blocked.
func (t *BackoffTable) EarliestRetry() (time.Time, bool) {
	var earliest time.Time
	found := false
	now := t.now()
	for _, st := range t.pairs {
		if !now.Before(st.NextRetry) {
			continue
		}
		if !found || st.NextRetry.Before(earliest) {
			earliest = st.NextRetry
			found = true
		}
	}
	return earliest, found
}
