package preflight

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ignite/pmta-blast/internal/pressure"
)

// Verdict is the gate's answer for one chunk attempt.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictSlow  Verdict = "slow"
	VerdictBlock Verdict = "block"
)

// Decision is the full gate output, including the score snapshot the chunk
// records and any pacing overrides a slow verdict imposes.
type Decision struct {
	Verdict    Verdict
	Reason     string
	Score      *float64
	Report     string
	DelayFloor float64
	WorkerCap  int
}

// Input describes one chunk attempt.
type Input struct {
	Subject        string
	Body           string
	FromEmail      string
	SMTPHost       string
	ReceiverDomain string
	SpamThreshold  float64
	VariantCount   int // subject/body variants available to rotation
}

// nearMargin is how far under the threshold a score still counts as near.
const nearMargin = 1.0

// Gate combines the content score, the blacklist survey, and the MTA chunk
// policy into one allow/slow/block decision.
type Gate struct {
	Scorer   Scorer
	DNSBL    *Checker
	Pressure *pressure.Controller

	// BackoffEnabled turns score and RBL blocks on. With it off the gate
	// only ever slows, never blocks, matching operator "no safety" runs.
	BackoffEnabled bool

	// RBLBlocks makes an IP-RBL listing a hard block. Off by default; the
	// listing is then informational only.
	RBLBlocks bool
}

// Check evaluates one chunk attempt. Score handling is asymmetric: jobs with
// at least two variants get a slow verdict on a near-threshold score so
// rotation can pick a different pairing, while single-variant jobs block as
// soon as the threshold is reached.
func (g *Gate) Check(ctx context.Context, in Input) Decision {
	d := Decision{Verdict: VerdictAllow}

	if g.Scorer != nil {
		score, err := g.Scorer.Score(ctx, in.Subject, in.Body, in.FromEmail)
		if err != nil {
			log.Printf("[Preflight] score unavailable: %v", err)
		} else {
			d.Score = score.Value
			d.Report = score.Report
		}
	}
	if g.BackoffEnabled && d.Score != nil && in.SpamThreshold > 0 {
		v := *d.Score
		switch {
		case in.VariantCount >= 2 && v > in.SpamThreshold:
			return block(d, fmt.Sprintf("spam score %.1f over threshold %.1f", v, in.SpamThreshold))
		case in.VariantCount >= 2 && v > in.SpamThreshold-nearMargin:
			d.Verdict = VerdictSlow
			d.Reason = fmt.Sprintf("spam score %.1f near threshold %.1f", v, in.SpamThreshold)
			d.DelayFloor = 0.2
		case in.VariantCount < 2 && v >= in.SpamThreshold:
			return block(d, fmt.Sprintf("spam score %.1f at threshold %.1f with a single variant", v, in.SpamThreshold))
		}
	}

	if g.DNSBL != nil {
		survey := g.DNSBL.Survey(ctx, in.SMTPHost, domainOf(in.FromEmail))
		if len(survey.IPListings) > 0 {
			zones := zoneList(survey.IPListings)
			if g.BackoffEnabled && g.RBLBlocks {
				return block(d, "smtp host listed on "+zones)
			}
			log.Printf("[Preflight] smtp host listed on %s (informational)", zones)
		}
		if len(survey.DomainListings) > 0 {
			// Domain blacklists are informational by default.
			log.Printf("[Preflight] sender domain listed on %s (informational)", zoneList(survey.DomainListings))
		}
	}

	if g.Pressure != nil {
		cd := g.Pressure.GateChunk(ctx, in.ReceiverDomain)
		switch cd.Action {
		case pressure.ChunkBlock:
			if g.BackoffEnabled {
				return block(d, cd.Reason)
			}
			log.Printf("[Preflight] mta policy wanted block (%s) but backoff is disabled", cd.Reason)
		case pressure.ChunkSlow:
			d.Verdict = VerdictSlow
			if d.Reason == "" {
				d.Reason = cd.Reason
			}
			if cd.DelayFloor > d.DelayFloor {
				d.DelayFloor = cd.DelayFloor
			}
			if d.WorkerCap == 0 || (cd.WorkerCap > 0 && cd.WorkerCap < d.WorkerCap) {
				d.WorkerCap = cd.WorkerCap
			}
		}
	}
	return d
}

func block(d Decision, reason string) Decision {
	d.Verdict = VerdictBlock
	d.Reason = reason
	return d
}

func zoneList(listings []Listing) string {
	zones := make([]string, 0, len(listings))
	for _, l := range listings {
		zones = append(zones, l.Zone)
	}
	return strings.Join(zones, ", ")
}

func domainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return strings.ToLower(email[i+1:])
	}
	return ""
}
