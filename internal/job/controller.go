package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/pmta-blast/internal/outcome"
	"github.com/ignite/pmta-blast/internal/pkg/distlock"
	"github.com/ignite/pmta-blast/internal/reconcile"
	"github.com/ignite/pmta-blast/internal/sender"
)

var (
	// ErrCampaignBusy means the campaign already has a live job or a fresh
	// start guard held elsewhere.
	ErrCampaignBusy = errors.New("campaign already has an active job")
	// ErrNotFound means no job with that id is known.
	ErrNotFound = errors.New("job not found")
	// ErrJobActive blocks deletion of a job that is still running.
	ErrJobActive = errors.New("job is still active")
)

// guardTTL bounds how long a start guard outlives its holder.
const guardTTL = 180 * time.Second

// NewJobID returns a fresh 12-hex job id. Message-IDs embed it, so parsing
// a bounce's Message-ID recovers the originating job.
func NewJobID() string {
	u := uuid.New()
	return strings.ReplaceAll(u.String(), "-", "")[:12]
}

// Store persists job snapshots across restarts.
type Store interface {
	SaveJob(ctx context.Context, snap Snapshot) error
	LoadJobs(ctx context.Context) ([]Snapshot, error)
	DeleteJob(ctx context.Context, id string) error
}

// Content is the campaign material a job sends: identities to rotate,
// subject and body variants, and the link pools substituted into them.
type Content struct {
	Senders  []sender.Identity
	Subjects []string
	Bodies   []string
	URLPool  []string
	SrcPool  []string
	Format   string // "text" or "html"
	ReplyTo  string
}

// Runner executes a job's dispatch loop to completion. The controller owns
// lifecycle and persistence; the wiring layer supplies the scheduler here.
type Runner func(ctx context.Context, j *Job, content Content, recipients []string)

// StartParams describes one job start request.
type StartParams struct {
	CampaignID    string
	SMTPHost      string
	Content       Content
	Recipients    []string
	Invalid       int
	SpamThreshold float64
	ForceNewJob   bool
}

// Controller owns the set of live jobs: start guarding, restore on boot,
// lifecycle operations, and snapshot persistence.
type Controller struct {
	Store    Store
	Outcomes *outcome.Store
	Registry *outcome.Registry

	Redis  *redis.Client
	DB     *sql.DB
	Driver string

	Run  Runner
	Kill KillRules

	mu      sync.Mutex
	jobs    map[string]*Job
	cancels map[string]context.CancelFunc
	guards  map[string]distlock.DistLock
}

func (c *Controller) init() {
	if c.jobs == nil {
		c.jobs = map[string]*Job{}
		c.cancels = map[string]context.CancelFunc{}
		c.guards = map[string]distlock.DistLock{}
	}
}

// Restore loads persisted jobs. Jobs that were active when the process died
// come back stopped; a restart never silently resumes half-finished sends.
func (c *Controller) Restore(ctx context.Context) error {
	if c.Store == nil {
		return nil
	}
	snaps, err := c.Store.LoadJobs(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	c.mu.Lock()
	c.init()
	for _, snap := range snaps {
		wasActive := snap.Status.Active()
		j := Restore(snap, c.Registry)
		c.attachPersistence(j)
		c.jobs[j.ID()] = j
		if wasActive {
			log.Printf("[JobController] job %s restored as stopped (was %s)", j.ID(), snap.Status)
			j.dirty(true)
		}
	}
	n := len(c.jobs)
	c.mu.Unlock()
	log.Printf("[JobController] restored %d jobs", n)
	return nil
}

// Start creates and launches a job for the campaign. A campaign runs at most
// one job at a time; the distributed guard extends that across processes.
// ForceNewJob overrides a stale guard but never an actually live job.
func (c *Controller) Start(ctx context.Context, p StartParams) (*Job, error) {
	c.mu.Lock()
	c.init()
	if live := c.activeForCampaignLocked(p.CampaignID); live != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: job %s is %s", ErrCampaignBusy, live.ID(), live.Status())
	}
	c.mu.Unlock()

	guard := distlock.NewLock(c.Redis, c.DB, c.Driver, "campaign:"+p.CampaignID, guardTTL)
	ok, err := guard.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("campaign guard: %w", err)
	}
	if !ok && !p.ForceNewJob {
		return nil, ErrCampaignBusy
	}

	j := New(NewJobID(), p.CampaignID, p.SMTPHost, len(p.Recipients), p.SpamThreshold, c.Registry)
	if c.Kill.MinSample > 0 {
		j.Kill = c.Kill
	}
	j.AddInvalid(p.Invalid)
	c.attachPersistence(j)

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.jobs[j.ID()] = j
	c.cancels[j.ID()] = cancel
	c.guards[j.ID()] = guard
	c.mu.Unlock()

	j.SetStatus(StatusRunning, "")
	log.Printf("[JobController] job %s started campaign=%s recipients=%d invalid=%d",
		j.ID(), p.CampaignID, len(p.Recipients), p.Invalid)

	go func() {
		defer cancel()
		c.Run(runCtx, j, p.Content, p.Recipients)
		c.finish(j)
	}()
	return j, nil
}

// finish settles a job's terminal state after its runner returns and drops
// the campaign guard.
func (c *Controller) finish(j *Job) {
	switch j.Status() {
	case StatusRunning, StatusBackoff:
		if j.StopRequested() {
			j.SetStatus(StatusStopped, "stopped by operator")
		} else {
			j.SetStatus(StatusDone, "")
		}
	case StatusPaused:
		// A paused job whose runner exited was stopped underneath it.
		if j.StopRequested() {
			j.SetStatus(StatusStopped, "stopped by operator")
		}
	}
	c.mu.Lock()
	guard := c.guards[j.ID()]
	delete(c.guards, j.ID())
	delete(c.cancels, j.ID())
	c.mu.Unlock()
	if guard != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := guard.Release(releaseCtx); err != nil {
			log.Printf("[JobController] job %s guard release: %v", j.ID(), err)
		}
	}
	log.Printf("[JobController] job %s finished status=%s", j.ID(), j.Status())
}

// Get returns the job by id.
func (c *Controller) Get(id string) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	j, ok := c.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j, nil
}

// List returns snapshots of every known job, newest first.
func (c *Controller) List() []Snapshot {
	c.mu.Lock()
	c.init()
	jobs := make([]*Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		jobs = append(jobs, j)
	}
	c.mu.Unlock()

	out := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	for i := 0; i < len(out); i++ {
		for k := i + 1; k < len(out); k++ {
			if out[k].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[k] = out[k], out[i]
			}
		}
	}
	return out
}

// Pause pauses a running job.
func (c *Controller) Pause(id, reason string) error {
	j, err := c.Get(id)
	if err != nil {
		return err
	}
	if !j.Status().Active() {
		return fmt.Errorf("job %s is %s", id, j.Status())
	}
	if reason == "" {
		reason = "paused by operator"
	}
	j.Pause(reason)
	return nil
}

// Resume resumes a paused job.
func (c *Controller) Resume(id string) error {
	j, err := c.Get(id)
	if err != nil {
		return err
	}
	if j.Status() != StatusPaused {
		return fmt.Errorf("job %s is %s, not paused", id, j.Status())
	}
	j.Resume()
	return nil
}

// Stop requests a cooperative stop. In-flight deliveries complete; the
// runner exits at the next check.
func (c *Controller) Stop(id string) error {
	j, err := c.Get(id)
	if err != nil {
		return err
	}
	j.RequestStop()
	c.mu.Lock()
	cancel := c.cancels[id]
	c.mu.Unlock()
	if cancel != nil {
		// Unblocks a paused runner waiting out its sleep slice.
		go func() {
			time.Sleep(2 * time.Second)
			cancel()
		}()
	}
	return nil
}

// Delete removes a finished job along with its outcome rows and registry
// entries.
func (c *Controller) Delete(ctx context.Context, id string) error {
	j, err := c.Get(id)
	if err != nil {
		return err
	}
	if j.Status().Active() {
		return ErrJobActive
	}
	c.mu.Lock()
	delete(c.jobs, id)
	c.mu.Unlock()
	if c.Outcomes != nil {
		c.Outcomes.DeleteJob(id)
	}
	if c.Registry != nil {
		c.Registry.DeleteJob(id)
	}
	if c.Store != nil {
		if err := c.Store.DeleteJob(ctx, id); err != nil {
			return fmt.Errorf("delete job %s: %w", id, err)
		}
	}
	return nil
}

func (c *Controller) activeForCampaignLocked(campaignID string) *Job {
	for _, j := range c.jobs {
		if j.CampaignID() == campaignID && j.Status().Active() {
			return j
		}
	}
	return nil
}

// --- reconcile.Directory ---

// JobByID resolves any known job, live or finished.
func (c *Controller) JobByID(id string) (reconcile.Job, bool) {
	j, err := c.Get(id)
	if err != nil {
		return nil, false
	}
	return j, true
}

// ActiveJobByID resolves only jobs still in an active state.
func (c *Controller) ActiveJobByID(id string) (reconcile.Job, bool) {
	j, err := c.Get(id)
	if err != nil || !j.Status().Active() {
		return nil, false
	}
	return j, true
}

// ActiveJobByCampaign resolves a campaign's live job, if any.
func (c *Controller) ActiveJobByCampaign(campaignID string) (reconcile.Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.init()
	if j := c.activeForCampaignLocked(campaignID); j != nil {
		return j, true
	}
	return nil, false
}
