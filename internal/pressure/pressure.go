package pressure

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/ignite/pmta-blast/internal/monitor"
)

// Action names what the controller decided this tick.
type Action string

const (
	ActionSteady       Action = "steady"
	ActionSoftSlowdown Action = "soft_slowdown"
	ActionSlowdown     Action = "slowdown"
	ActionHardSlowdown Action = "hard_slowdown"
	ActionSpeedUp      Action = "speed_up"
)

// Caps are the knobs the scheduler applies each iteration: worker count and
// chunk size are capped from above, delay and sleep are floored from below.
type Caps struct {
	Workers     int
	ChunkSize   int
	DelayS      float64
	SleepChunks float64
}

// Policy is one evaluation result.
type Policy struct {
	Level   int // 0..3
	Action  Action
	Applied Caps
	Reason  string
}

// OutcomeSignal summarizes a job's recent results (the last ~140).
type OutcomeSignal struct {
	Total      int
	BadRatio   float64 // (bounced + complained + 0.6*deferred) / total
	Ratio4xx   float64
	Ratio5xx   float64
	Complaints int
}

// Thresholds are the monitor-signal trip points per level.
type Thresholds struct {
	Queued   [3]int // queued recipients at levels 1..3
	Spool    [3]int // spool recipients
	Deferred [3]int // deferred totals
}

// DefaultThresholds returns the stock leveling trip points.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Queued:   [3]int{50_000, 120_000, 250_000},
		Spool:    [3]int{30_000, 80_000, 160_000},
		Deferred: [3]int{200, 800, 2_000},
	}
}

// ChunkThresholds gate a single chunk against its target domain's queue
// health.
type ChunkThresholds struct {
	BackoffDeferrals int
	BackoffErrors    int
	SlowDeferrals    int
	SlowErrors       int
}

// DefaultChunkThresholds returns the stock per-domain trip points.
func DefaultChunkThresholds() ChunkThresholds {
	return ChunkThresholds{
		BackoffDeferrals: 120,
		BackoffErrors:    50,
		SlowDeferrals:    40,
		SlowErrors:       15,
	}
}

// ChunkAction is the per-chunk gate result.
type ChunkAction string

const (
	ChunkOK    ChunkAction = "ok"
	ChunkSlow  ChunkAction = "slow"
	ChunkBlock ChunkAction = "block"
)

// ChunkDecision carries the gate result plus the pacing overrides a slow
// decision imposes for the current attempt.
type ChunkDecision struct {
	Action     ChunkAction
	Reason     string
	DelayFloor float64
	WorkerCap  int
}

// Controller derives concurrency and pacing caps from live monitor signals
// and recent delivery outcomes. A nil monitor means no monitor signal;
// Strict then turns absence into a block at the chunk gate.
type Controller struct {
	Monitor    *monitor.Client
	Thresholds Thresholds
	Chunk      ChunkThresholds
	Strict     bool
}

// New returns a controller with default thresholds.
func New(mon *monitor.Client) *Controller {
	return &Controller{
		Monitor:    mon,
		Thresholds: DefaultThresholds(),
		Chunk:      DefaultChunkThresholds(),
	}
}

// Evaluate computes the policy for one scheduler iteration. base carries the
// campaign's configured knobs; the returned Applied caps are the element-wise
// minimum (workers, chunk) and maximum (delay, sleep) of base and the level's
// limits.
func (c *Controller) Evaluate(ctx context.Context, base Caps, sig OutcomeSignal) Policy {
	monLevel, monReason := c.monitorLevel(ctx)
	outLevel, outReason := outcomeLevel(sig)

	level := monLevel
	reason := monReason
	if outLevel > level {
		level = outLevel
		reason = outReason
	}

	p := Policy{Level: level, Applied: base, Reason: reason}
	switch level {
	case 0:
		if sig.Total >= 80 && sig.BadRatio <= 0.03 && sig.Ratio5xx == 0 {
			p.Action = ActionSpeedUp
			p.Applied.Workers = base.Workers + 1
			p.Applied.ChunkSize = int(math.Round(float64(base.ChunkSize) * 1.2))
			p.Applied.DelayS = base.DelayS * 0.7
			p.Reason = "clean recent outcomes"
			return p
		}
		p.Action = ActionSteady
	case 1:
		p.Action = ActionSoftSlowdown
		p.Applied = clamp(base, 8, 220, 0.05, 0)
	case 2:
		p.Action = ActionSlowdown
		p.Applied = clamp(base, 4, 120, 0.20, 0.3)
	default:
		p.Action = ActionHardSlowdown
		p.Applied = clamp(base, 2, 60, 0.6, 1.0)
	}
	return p
}

func clamp(base Caps, maxWorkers, maxChunk int, minDelay, minSleep float64) Caps {
	out := base
	if out.Workers > maxWorkers {
		out.Workers = maxWorkers
	}
	if out.ChunkSize > maxChunk {
		out.ChunkSize = maxChunk
	}
	if out.DelayS < minDelay {
		out.DelayS = minDelay
	}
	if out.SleepChunks < minSleep {
		out.SleepChunks = minSleep
	}
	return out
}

func (c *Controller) monitorLevel(ctx context.Context) (int, string) {
	if c.Monitor == nil {
		return 0, ""
	}
	st, err := c.Monitor.Status(ctx)
	if err != nil {
		log.Printf("[Pressure] monitor status unavailable: %v", err)
		return 0, ""
	}
	level := 0
	reason := ""
	for i := 2; i >= 0; i-- {
		if st.QueuedRecipients >= c.Thresholds.Queued[i] {
			level = i + 1
			reason = fmt.Sprintf("queued recipients %d", st.QueuedRecipients)
			break
		}
	}
	for i := 2; i >= 0; i-- {
		if st.SpoolRecipients >= c.Thresholds.Spool[i] && i+1 > level {
			level = i + 1
			reason = fmt.Sprintf("spool recipients %d", st.SpoolRecipients)
		}
	}
	for i := 2; i >= 0; i-- {
		if st.DeferredTotal >= c.Thresholds.Deferred[i] && i+1 > level {
			level = i + 1
			reason = fmt.Sprintf("deferred total %d", st.DeferredTotal)
		}
	}
	return level, reason
}

func outcomeLevel(sig OutcomeSignal) (int, string) {
	if sig.Total == 0 {
		return 0, ""
	}
	switch {
	case sig.Complaints >= 3 || sig.BadRatio >= 0.35 || sig.Ratio5xx >= 0.20:
		return 3, fmt.Sprintf("outcomes bad=%.2f 5xx=%.2f complaints=%d", sig.BadRatio, sig.Ratio5xx, sig.Complaints)
	case sig.BadRatio >= 0.20 || sig.Ratio5xx >= 0.10 || sig.Ratio4xx >= 0.30:
		return 2, fmt.Sprintf("outcomes bad=%.2f 4xx=%.2f 5xx=%.2f", sig.BadRatio, sig.Ratio4xx, sig.Ratio5xx)
	case sig.BadRatio >= 0.10 || sig.Ratio4xx >= 0.12:
		return 1, fmt.Sprintf("outcomes bad=%.2f 4xx=%.2f", sig.BadRatio, sig.Ratio4xx)
	}
	return 0, ""
}

// GateChunk checks the chunk's target domain against the monitor's
// per-domain queue detail. Monitor absence or errors pass the chunk unless
// Strict is set.
func (c *Controller) GateChunk(ctx context.Context, domain string) ChunkDecision {
	if c.Monitor == nil {
		if c.Strict {
			return ChunkDecision{Action: ChunkBlock, Reason: "monitor required but not configured"}
		}
		return ChunkDecision{Action: ChunkOK}
	}
	detail, err := c.Monitor.DomainDetail(ctx, domain)
	if err != nil {
		if c.Strict {
			return ChunkDecision{Action: ChunkBlock, Reason: fmt.Sprintf("monitor required but unreachable: %v", err)}
		}
		log.Printf("[Pressure] domain detail for %s unavailable: %v", domain, err)
		return ChunkDecision{Action: ChunkOK}
	}

	worstDeferred := detail.Deferred
	worstErrors := detail.Errors
	if items, qerr := c.Monitor.QueueDetail(ctx, domain); qerr == nil {
		for _, q := range items {
			if q.Deferred > worstDeferred {
				worstDeferred = q.Deferred
			}
			if q.Errors > worstErrors {
				worstErrors = q.Errors
			}
		}
	}

	switch {
	case worstDeferred >= c.Chunk.BackoffDeferrals:
		return ChunkDecision{Action: ChunkBlock, Reason: fmt.Sprintf("%s deferrals %d", domain, worstDeferred)}
	case worstErrors >= c.Chunk.BackoffErrors:
		return ChunkDecision{Action: ChunkBlock, Reason: fmt.Sprintf("%s errors %d", domain, worstErrors)}
	case worstDeferred >= c.Chunk.SlowDeferrals || worstErrors >= c.Chunk.SlowErrors:
		return ChunkDecision{
			Action:     ChunkSlow,
			Reason:     fmt.Sprintf("%s deferrals %d errors %d", domain, worstDeferred, worstErrors),
			DelayFloor: 0.25,
			WorkerCap:  4,
		}
	}
	return ChunkDecision{Action: ChunkOK}
}
