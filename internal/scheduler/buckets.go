package scheduler

import (
	"github.com/ignite/pmta-blast/internal/sender"
)

// Buckets partitions recipients into per-receiver-domain FIFO queues,
// preserving first-seen order within each domain, with a round-robin cursor
// over domains so no single domain monopolizes dispatch.
type Buckets struct {
	order  []string
	queues map[string][]string
	cursor int
}

// NewBuckets builds the per-domain plan from a validated recipient list.
func NewBuckets(recipients []string) *Buckets {
	b := &Buckets{queues: make(map[string][]string)}
	for _, rcpt := range recipients {
		domain := sender.ReceiverDomain(rcpt)
		if domain == "" {
			continue
		}
		if _, ok := b.queues[domain]; !ok {
			b.order = append(b.order, domain)
		}
		b.queues[domain] = append(b.queues[domain], rcpt)
	}
	return b
}

// Plan returns the per-domain planned counts.
func (b *Buckets) Plan() map[string]int {
	plan := make(map[string]int, len(b.queues))
	for d, q := range b.queues {
		plan[d] = len(q)
	}
	return plan
}

// Empty reports whether every bucket has drained.
func (b *Buckets) Empty() bool {
	for _, q := range b.queues {
		if len(q) > 0 {
			return false
		}
	}
	return true
}

// Remaining returns the total queued recipients across buckets.
func (b *Buckets) Remaining() int {
	n := 0
	for _, q := range b.queues {
		n += len(q)
	}
	return n
}

// NextReady advances the round-robin cursor to the next non-empty domain for
// which ready returns true. It returns "" when no domain qualifies.
func (b *Buckets) NextReady(ready func(domain string) bool) string {
	for i := 0; i < len(b.order); i++ {
		domain := b.order[(b.cursor+i)%len(b.order)]
		if len(b.queues[domain]) == 0 {
			continue
		}
		if ready == nil || ready(domain) {
			b.cursor = (b.cursor + i + 1) % len(b.order)
			return domain
		}
	}
	return ""
}

// Pop removes up to n recipients from the head of the domain's queue.
func (b *Buckets) Pop(domain string, n int) []string {
	q := b.queues[domain]
	if n > len(q) {
		n = len(q)
	}
	out := q[:n:n]
	b.queues[domain] = q[n:]
	return out
}

// Requeue puts a blocked chunk's recipients back at the head of its bucket
// so per-domain insertion order is preserved across retries.
func (b *Buckets) Requeue(domain string, recipients []string) {
	b.queues[domain] = append(append([]string{}, recipients...), b.queues[domain]...)
}
