package job

import (
	"context"
	"log"
	"sync"
	"time"
)

// Persistence throttle. High-churn events (every send, every reconciled
// outcome) mark the job dirty; actual writes happen at most once per
// interval unless enough events pile up or a lifecycle change forces one.
const (
	persistInterval = time.Second
	persistBatch    = 15
	persistTimeout  = 5 * time.Second
)

type persister struct {
	store Store
	job   *Job

	mu        sync.Mutex
	lastWrite time.Time
	pending   int
	writing   bool
	// forcePending survives a save already in flight. A forced write must
	// always reach the store: the current writer drains it before giving
	// up the slot.
	forcePending bool
}

// attachPersistence wires the job's dirty trigger to the controller's store.
func (c *Controller) attachPersistence(j *Job) {
	if c.Store == nil {
		return
	}
	p := &persister{store: c.Store, job: j}
	j.SetDirtyFunc(p.dirty)
}

func (p *persister) dirty(force bool) {
	p.mu.Lock()
	p.pending++
	if force {
		p.forcePending = true
	}
	due := p.forcePending || p.pending >= persistBatch || time.Since(p.lastWrite) >= persistInterval
	if !due || p.writing {
		p.mu.Unlock()
		return
	}
	p.writing = true
	p.mu.Unlock()

	for {
		p.mu.Lock()
		p.pending = 0
		p.forcePending = false
		p.mu.Unlock()

		snap := p.job.Snapshot()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := p.store.SaveJob(ctx, snap)
		cancel()
		if err != nil {
			log.Printf("[JobController] persist job %s: %v", snap.ID, err)
		}

		p.mu.Lock()
		p.lastWrite = time.Now()
		if !p.forcePending {
			p.writing = false
			p.mu.Unlock()
			return
		}
		// A force landed while the save was in flight; write again with
		// the state it wanted persisted.
		p.mu.Unlock()
	}
}
