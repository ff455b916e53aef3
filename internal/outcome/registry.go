package outcome

import (
	"sort"
	"sync"
	"time"
)

// RegistryEntry maps a recipient back to the job that last injected mail for
// it. Written on every SMTP acceptance so accounting rows that carry only the
// recipient address can still be correlated.
type RegistryEntry struct {
	JobID      string
	Recipient  string
	CampaignID string
	FirstSeen  time.Time
	LastSeen   time.Time
}

// Registry indexes registry entries by recipient. A recipient may appear in
// several jobs; lookups return entries newest-first so the reconciler can
// prefer the most recent active job.
type Registry struct {
	mu    sync.RWMutex
	byRcp map[string][]*RegistryEntry
	byJob map[string]map[string]*RegistryEntry
	now   func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byRcp: make(map[string][]*RegistryEntry),
		byJob: make(map[string]map[string]*RegistryEntry),
		now:   time.Now,
	}
}

// Record notes an SMTP acceptance of recipient for (jobID, campaignID).
// Repeat calls for the same (job, recipient) only bump LastSeen.
func (r *Registry) Record(jobID, campaignID, recipient string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	jobEntries := r.byJob[jobID]
	if jobEntries == nil {
		jobEntries = make(map[string]*RegistryEntry)
		r.byJob[jobID] = jobEntries
	}
	if e := jobEntries[recipient]; e != nil {
		e.LastSeen = now
		return
	}
	e := &RegistryEntry{
		JobID:      jobID,
		Recipient:  recipient,
		CampaignID: campaignID,
		FirstSeen:  now,
		LastSeen:   now,
	}
	jobEntries[recipient] = e
	// Newest entry goes to the front.
	r.byRcp[recipient] = append([]*RegistryEntry{e}, r.byRcp[recipient]...)
}

// ByRecipient returns copies of the entries for recipient, newest-first.
func (r *Registry) ByRecipient(recipient string) []RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.byRcp[recipient]
	out := make([]RegistryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	return out
}

// Entries returns copies of every entry recorded for jobID.
func (r *Registry) Entries(jobID string) []RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegistryEntry, 0, len(r.byJob[jobID]))
	for _, e := range r.byJob[jobID] {
		out = append(out, *e)
	}
	return out
}

// RestoreEntries seeds persisted entries, keeping their original timestamps.
// Per-recipient lists are re-sorted newest-first afterwards.
func (r *Registry) RestoreEntries(entries []RegistryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	touched := make(map[string]bool)
	for i := range entries {
		e := entries[i]
		jobEntries := r.byJob[e.JobID]
		if jobEntries == nil {
			jobEntries = make(map[string]*RegistryEntry)
			r.byJob[e.JobID] = jobEntries
		}
		if _, exists := jobEntries[e.Recipient]; exists {
			continue
		}
		cp := e
		jobEntries[e.Recipient] = &cp
		r.byRcp[e.Recipient] = append(r.byRcp[e.Recipient], &cp)
		touched[e.Recipient] = true
	}
	for rcpt := range touched {
		sort.SliceStable(r.byRcp[rcpt], func(i, k int) bool {
			return r.byRcp[rcpt][i].LastSeen.After(r.byRcp[rcpt][k].LastSeen)
		})
	}
}

// JobSize returns the number of recipients recorded for jobID.
func (r *Registry) JobSize(jobID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byJob[jobID])
}

// DeleteJob drops every entry belonging to jobID.
func (r *Registry) DeleteJob(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.byJob[jobID]
	delete(r.byJob, jobID)
	for rcpt := range entries {
		kept := r.byRcp[rcpt][:0]
		for _, e := range r.byRcp[rcpt] {
			if e.JobID != jobID {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.byRcp, rcpt)
		} else {
			r.byRcp[rcpt] = kept
		}
	}
}
