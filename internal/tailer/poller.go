package tailer

import (
	"context"
	"log"
	"time"

	"github.com/ignite/pmta-blast/internal/acct"
)

// Source is one accounting feed: the HTTP bridge client or the direct file
// follower behind the same pull shape.
type Source interface {
	Pull(ctx context.Context, cursor string) (*PullResult, error)
}

// CursorStore persists the poller's position across restarts.
type CursorStore interface {
	LoadCursor(ctx context.Context, kind string) (string, error)
	SaveCursor(ctx context.Context, kind, cursor string) error
}

// Handler consumes one batch of parsed events.
type Handler func(events []*acct.Event)

// Poller drives a Source on an interval. Ticks never overlap; when the
// source reports has_more the next pull follows immediately, otherwise the
// poller sleeps the base interval. A failed pull leaves the cursor untouched
// and retries after the base interval.
type Poller struct {
	Source   Source
	Cursors  CursorStore
	Handle   Handler
	Kind     string        // cursor namespace, defaults to "acct"
	Interval time.Duration // defaults to 5s

	cursor string
}

func (p *Poller) kind() string {
	if p.Kind == "" {
		return "acct"
	}
	return p.Kind
}

func (p *Poller) interval() time.Duration {
	if p.Interval <= 0 {
		return 5 * time.Second
	}
	return p.Interval
}

// Run polls until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	if p.Cursors != nil {
		if c, err := p.Cursors.LoadCursor(ctx, p.kind()); err == nil {
			p.cursor = c
		} else {
			log.Printf("[Tailer] load cursor: %v (starting from scratch)", err)
		}
	}
	for {
		hasMore := p.tick(ctx)
		wait := p.interval()
		if hasMore {
			wait = 50 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// tick performs one pull. It returns true when the source reports more data
// waiting so the caller can skip the interval sleep.
func (p *Poller) tick(ctx context.Context) bool {
	res, err := p.Source.Pull(ctx, p.cursor)
	if err != nil {
		log.Printf("[Tailer] pull failed (cursor kept): %v", err)
		return false
	}
	if len(res.Events) > 0 && p.Handle != nil {
		p.Handle(res.Events)
	}
	if res.NextCursor != "" && res.NextCursor != p.cursor {
		p.cursor = res.NextCursor
		if p.Cursors != nil {
			if err := p.Cursors.SaveCursor(ctx, p.kind(), p.cursor); err != nil {
				log.Printf("[Tailer] save cursor: %v", err)
			}
		}
	}
	return res.HasMore
}

// FileSource adapts a FileTailer plus parser to the Source interface so the
// control plane can follow accounting files directly, without the bridge.
type FileSource struct {
	Tailer *FileTailer
	Parser *acct.Parser
}

// Pull reads the next batch of lines after cursor and parses them.
func (f *FileSource) Pull(ctx context.Context, cursor string) (*PullResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cur, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit := 500
	lines, next, hasMore, err := f.Tailer.Read(cur, limit)
	if err != nil {
		return nil, err
	}
	res := &PullResult{NextCursor: next.Encode(), HasMore: hasMore}
	for _, ln := range lines {
		ev := f.Parser.ParseLine(ln.Text, ln.Path)
		if ev == nil {
			res.Stats.Skipped++
			continue
		}
		ev.SourceFile = ln.Path
		ev.Offset = ln.Offset
		if ev.Kind == acct.KindUnknown {
			res.Stats.UnknownOutcome++
		} else {
			res.Stats.Parsed++
		}
		res.Events = append(res.Events, ev)
	}
	return res, nil
}
