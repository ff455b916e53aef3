package sender

import (
	"context"
	"log"
	"sync"
	"time"
)

// sliceMax bounds every wait so pause and stop take effect promptly.
const sliceMax = 350 * time.Millisecond

// Flags exposes the job's cooperative control state to workers. Workers
// check between recipients and between delay slices; a stop completes the
// in-flight send but starts no new one.
type Flags interface {
	Paused() bool
	StopRequested() bool
}

// Events receives per-recipient results from the pool.
type Events interface {
	Sent(recipient, msgid string)
	Failed(recipient, category string, err error)
	Skipped(recipient, reason string)
}

// Suppressor reports addresses that must never be mailed.
type Suppressor interface {
	Suppressed(email string) bool
}

// Chunk is one dispatch unit: a slice of a single receiver domain's
// recipients sent with a single sender identity.
type Chunk struct {
	JobID      string
	CampaignID string
	Index      int
	Domain     string
	Recipients []string
	Sender     Identity
	Subject    string
	Body       string
	Attempt    int
}

// Options carry the pacing and rendering knobs for one chunk attempt.
type Options struct {
	Workers      int
	DelayS       float64
	Format       string
	ReplyTo      string
	URLPool      []string
	SrcPool      []string
	UnsubBaseURL string
	UnsubSecret  string
	Host         string
}

// Pool delivers chunks over SMTP. Each worker holds exactly one connection
// for the duration of the chunk and never buffers beyond the message in
// flight.
type Pool struct {
	Dialer   Dialer
	Suppress Suppressor
}

// Deliver sends the chunk. It returns when every assigned recipient has been
// sent, failed, skipped, or abandoned by a stop request.
func (p *Pool) Deliver(ctx context.Context, chunk Chunk, opts Options, flags Flags, events Events) {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(chunk.Recipients) {
		workers = len(chunk.Recipients)
	}

	// Recipients are assigned up front by index so a rerun with the same
	// inputs assigns identically.
	assigned := make([][]string, workers)
	for i, rcpt := range chunk.Recipients {
		w := i % workers
		assigned[w] = append(assigned[w], rcpt)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int, recipients []string) {
			defer wg.Done()
			p.runWorker(ctx, chunk, opts, flags, events, worker, recipients)
		}(w, assigned[w])
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, chunk Chunk, opts Options, flags Flags, events Events, worker int, recipients []string) {
	if len(recipients) == 0 {
		return
	}
	conn, err := p.Dialer.Dial(ctx)
	if err != nil {
		cat := Category(err)
		log.Printf("[Sender] job=%s chunk=%d worker=%d dial failed: %v", chunk.JobID, chunk.Index, worker, err)
		for _, rcpt := range recipients {
			events.Failed(rcpt, cat, err)
		}
		return
	}
	defer conn.Close()

	rng := ChunkRand(chunk.JobID, chunk.Index, worker)
	delay := time.Duration(opts.DelayS * float64(time.Second))

	for i, rcpt := range recipients {
		if !waitWhilePaused(ctx, flags) {
			return
		}
		if p.Suppress != nil && p.Suppress.Suppressed(rcpt) {
			events.Skipped(rcpt, "suppressed")
			continue
		}

		msgid, raw, err := Build(MessageSpec{
			JobID:        chunk.JobID,
			CampaignID:   chunk.CampaignID,
			ChunkIndex:   chunk.Index,
			Worker:       worker,
			From:         chunk.Sender,
			To:           rcpt,
			ReplyTo:      opts.ReplyTo,
			Subject:      chunk.Subject,
			Body:         chunk.Body,
			Format:       opts.Format,
			URLPool:      opts.URLPool,
			SrcPool:      opts.SrcPool,
			Rand:         rng,
			UnsubBaseURL: opts.UnsubBaseURL,
			UnsubSecret:  opts.UnsubSecret,
			Host:         opts.Host,
		})
		if err != nil {
			events.Failed(rcpt, "other", err)
			continue
		}

		if err := conn.Send(chunk.Sender.Email, rcpt, raw); err != nil {
			events.Failed(rcpt, Category(err), err)
		} else {
			events.Sent(rcpt, msgid)
		}

		if i < len(recipients)-1 && delay > 0 {
			if !sleepSliced(ctx, flags, delay) {
				return
			}
		}
	}
}

// waitWhilePaused blocks in small slices while the job is paused. It returns
// false once a stop is requested or the context is canceled.
func waitWhilePaused(ctx context.Context, flags Flags) bool {
	for {
		if ctx.Err() != nil || (flags != nil && flags.StopRequested()) {
			return false
		}
		if flags == nil || !flags.Paused() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(sliceMax):
		}
	}
}

// sleepSliced sleeps d in slices of at most sliceMax, returning false when
// interrupted by stop or cancellation.
func sleepSliced(ctx context.Context, flags Flags, d time.Duration) bool {
	for d > 0 {
		if ctx.Err() != nil || (flags != nil && flags.StopRequested()) {
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
	return true
}
