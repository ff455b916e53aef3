package tailer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/pmta-blast/internal/acct"
	"github.com/ignite/pmta-blast/internal/pkg/httpretry"
)

// pullTimeout is the hard ceiling on one bridge pull.
const pullTimeout = 20 * time.Second

// PullStats mirrors the bridge's per-pull parse accounting.
type PullStats struct {
	Parsed         int `json:"parsed"`
	Skipped        int `json:"skipped"`
	UnknownOutcome int `json:"unknown_outcome"`
}

// PullResult is one batch of events from the accounting feed.
type PullResult struct {
	Events     []*acct.Event
	NextCursor string
	HasMore    bool
	Stats      PullStats
}

// BridgeClient pulls accounting events from the HTTP bridge. The server owns
// cursor semantics; the client only echoes back next_cursor and never
// fabricates one. Any failure leaves the caller's cursor unchanged.
type BridgeClient struct {
	BaseURL  string
	Token    string
	Kind     string // defaults to "acct"
	MaxLines int    // defaults to 500
	Client   httpretry.HTTPDoer
	Parser   *acct.Parser

	// Optional scoping headers for targeted pulls.
	JobID      string
	CampaignID string
}

func (b *BridgeClient) doer() httpretry.HTTPDoer {
	if b.Client != nil {
		return b.Client
	}
	return httpretry.NewRetryClient(&http.Client{Timeout: pullTimeout}, 2)
}

// Pull fetches the next batch after cursor. An empty cursor starts from the
// beginning of the feed.
func (b *BridgeClient) Pull(ctx context.Context, cursor string) (*PullResult, error) {
	kind := b.Kind
	if kind == "" {
		kind = "acct"
	}
	maxLines := b.MaxLines
	if maxLines <= 0 {
		maxLines = 500
	}

	q := url.Values{}
	q.Set("kind", kind)
	q.Set("max_lines", strconv.Itoa(maxLines))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := strings.TrimRight(b.BaseURL, "/") + "/api/v1/pull/latest?" + q.Encode()

	ctx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build pull request: %w", err)
	}
	if b.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.Token)
	}
	if b.JobID != "" {
		req.Header.Set("X-Job-ID", b.JobID)
	}
	if b.CampaignID != "" {
		req.Header.Set("X-Campaign-ID", b.CampaignID)
	}

	resp, err := b.doer().Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge pull: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("bridge pull read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bridge pull: status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return b.decode(body, cursor)
}

// envelope is the bridge response. The item array key varies by bridge
// version, so every known alias is tried in order.
type envelope struct {
	OK         *bool             `json:"ok"`
	Error      string            `json:"error"`
	NextCursor string            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
	Stats      PullStats         `json:"stats"`
	Items      []json.RawMessage `json:"items"`
	Lines      []json.RawMessage `json:"lines"`
	Outcomes   []json.RawMessage `json:"outcomes"`
	Results    []json.RawMessage `json:"results"`
}

func (b *BridgeClient) decode(body []byte, cursor string) (*PullResult, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bridge pull decode: %w", err)
	}
	if env.OK != nil && !*env.OK {
		return nil, fmt.Errorf("bridge pull rejected: %s", env.Error)
	}

	items := env.Items
	for _, alt := range [][]json.RawMessage{env.Lines, env.Outcomes, env.Results} {
		if len(items) == 0 {
			items = alt
		}
	}

	parser := b.Parser
	if parser == nil {
		parser = acct.NewParser()
	}
	res := &PullResult{NextCursor: env.NextCursor, HasMore: env.HasMore, Stats: env.Stats}
	if res.NextCursor == "" {
		res.NextCursor = cursor
	}
	for _, raw := range items {
		// Element kind is decided per item: strings are raw accounting
		// lines, objects are already-parsed events. Both funnel through
		// the parser so key aliases and kind normalization stay in one
		// place.
		var line string
		switch firstByte(raw) {
		case '"':
			if err := json.Unmarshal(raw, &line); err != nil {
				continue
			}
		case '{':
			line = string(raw)
		default:
			continue
		}
		if ev := parser.ParseLine(line, "bridge"); ev != nil {
			res.Events = append(res.Events, ev)
		}
	}
	return res, nil
}

func firstByte(raw json.RawMessage) byte {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return c
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
