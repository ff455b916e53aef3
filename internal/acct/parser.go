package acct

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// headerTokens are the column names whose presence marks a row as a header.
var headerTokens = map[string]bool{
	"type":       true,
	"event":      true,
	"rcpt":       true,
	"recipient":  true,
	"msgid":      true,
	"message-id": true,
}

// Parser turns raw accounting lines (NDJSON or CSV with a learned header)
// into normalized events. Header state is kept per source path so multiple
// files with different column layouts can interleave.
type Parser struct {
	mu      sync.Mutex
	headers map[string][]string // source path -> lowercased column names
}

// NewParser returns a parser with no learned headers.
func NewParser() *Parser {
	return &Parser{headers: make(map[string][]string)}
}

// PrimeHeader force-learns a header row for path. The tailer calls this when
// resuming into the middle of a CSV file whose header was never seen.
func (p *Parser) PrimeHeader(path, line string) {
	delim := chooseDelimiter(line)
	fields := tokenize(line, delim)
	if !isHeaderRow(fields) {
		return
	}
	p.setHeader(path, fields)
}

// ParseLine parses one raw line from the given source path. It returns nil
// for lines that carry no event: blanks, header rows, and malformed JSON.
// Malformed input is never an error at this boundary; the line is skipped.
func (p *Parser) ParseLine(line, path string) *Event {
	s := strings.TrimSpace(line)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "#") {
		// PMTA comment-style header: "#type,timeLogged,..."
		p.PrimeHeader(path, s[1:])
		return nil
	}

	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return nil
		}
		rec := make(map[string]string, len(obj))
		for k, v := range obj {
			rec[normKey(k)] = fmt.Sprintf("%v", v)
		}
		return p.eventFromRecord(rec)
	}

	delim := chooseDelimiter(s)
	fields := tokenize(s, delim)
	if len(fields) == 0 {
		return nil
	}

	if isHeaderRow(fields) {
		p.setHeader(path, fields)
		return nil
	}

	hdr := p.header(path)
	rec := make(map[string]string)
	if len(hdr) > 0 && len(hdr) == len(fields) {
		for i, k := range hdr {
			if k != "" {
				rec[normKey(k)] = fields[i]
			}
		}
	} else {
		// Legacy 9-column layout:
		// type, timeLogged, timeQueued, mailfrom, rcpt, _, status, dsnStatus, dsnDiag
		positional := []string{"type", "timelogged", "timequeued", "orig", "rcpt", "", "status", "dsnstatus", "dsndiag"}
		for i, k := range positional {
			if k == "" || i >= len(fields) {
				continue
			}
			rec[k] = fields[i]
		}
	}
	return p.eventFromRecord(rec)
}

func (p *Parser) setHeader(path string, fields []string) {
	lowered := make([]string, len(fields))
	for i, f := range fields {
		lowered[i] = strings.ToLower(strings.TrimSpace(f))
	}
	p.mu.Lock()
	p.headers[path] = lowered
	p.mu.Unlock()
}

func (p *Parser) header(path string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.headers[path]
}

// HasHeader reports whether a header was learned for path.
func (p *Parser) HasHeader(path string) bool {
	return len(p.header(path)) > 0
}

func (p *Parser) eventFromRecord(rec map[string]string) *Event {
	ev := &Event{
		Recipient:  value(rec, "rcpt", "recipient", "to", "rcpt-to", "orcpt"),
		MailFrom:   value(rec, "orig", "mailfrom", "mail-from", "from", "sender"),
		JobID:      value(rec, "jobid", "job-id", "x-job-id", "header-x-job-id"),
		CampaignID: value(rec, "campaignid", "x-campaign-id", "campaign-id", "cid", "header-x-campaign-id"),
		MessageID:  value(rec, "msgid", "message-id", "header-message-id"),
		DSNAction:  value(rec, "dsnaction", "dsn-action"),
		DSNStatus:  value(rec, "dsnstatus", "dsn-status"),
		DSNDiag:    value(rec, "dsndiag", "dsn-diag"),
	}

	if ts := value(rec, "timelogged", "time"); ts != "" {
		if t, err := time.Parse(timeLayout, ts); err == nil {
			ev.Time = t
		}
	}

	// Recipient fallback: the first email-shaped value that is not the
	// mailfrom (the mailfrom is typically the first email in a row).
	if ev.Recipient == "" {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := strings.TrimSpace(rec[k])
			if v != "" && v != ev.MailFrom && emailRe.MatchString(v) {
				ev.Recipient = v
				break
			}
		}
	}

	raw := firstNonEmpty(rec, "type", "event", "kind", "record", "status", "result", "state", "dsnaction", "dsnstatus", "dsndiag")
	ev.Kind = NormalizeKind(raw)
	return ev
}

// value returns the first non-empty record value among the given keys.
// Keys are matched after underscore/hyphen normalization.
func value(rec map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(rec[normKey(k)]); v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmpty(rec map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(rec[normKey(k)]); v != "" {
			return v
		}
	}
	return ""
}

func normKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	k = strings.ReplaceAll(k, "_", "-")
	return strings.ReplaceAll(k, "-", "")
}

func isHeaderRow(fields []string) bool {
	for _, f := range fields {
		if headerTokens[strings.ToLower(strings.TrimSpace(f))] {
			return true
		}
	}
	return false
}

// chooseDelimiter picks the CSV delimiter by occurrence count. Tab wins over
// comma on a tie; semicolon wins only when strictly ahead of comma.
func chooseDelimiter(s string) rune {
	commas := strings.Count(s, ",")
	tabs := strings.Count(s, "\t")
	semis := strings.Count(s, ";")
	if tabs > 0 && tabs >= commas {
		return '\t'
	}
	if semis > commas {
		return ';'
	}
	return ','
}

// tokenize splits a delimited row honoring double-quoted fields with
// embedded delimiters and doubled quotes.
func tokenize(s string, delim rune) []string {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"':
			if inQuotes && i+1 < len(runes) && runes[i+1] == '"' {
				cur.WriteRune('"')
				i++
			} else {
				inQuotes = !inQuotes
			}
		case r == delim && !inQuotes:
			fields = append(fields, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	fields = append(fields, strings.TrimSpace(cur.String()))
	return fields
}

// NormalizeKind maps the many spellings PMTA and its log filters use onto
// the four outcome classes. Unrecognized values come back as KindUnknown and
// are dropped downstream.
func NormalizeKind(raw string) Kind {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return KindUnknown
	}
	switch s {
	case "d", "delivered", "delivery", "success", "sent", "ok", "relayed", "accepted":
		return KindDelivered
	case "b", "rb", "bounce", "bounced", "hardbounce", "softbounce", "failed", "failure", "rejected":
		return KindBounced
	case "t", "defer", "deferred", "deferral", "transient", "delayed", "tempfail", "temporary":
		return KindDeferred
	case "c", "f", "complaint", "complained", "fbl", "abuse", "feedback":
		return KindComplained
	}
	switch {
	case strings.HasPrefix(s, "2."):
		return KindDelivered
	case strings.HasPrefix(s, "4."):
		return KindDeferred
	case strings.HasPrefix(s, "5."):
		return KindBounced
	case strings.Contains(s, "complaint") || strings.Contains(s, "fbl") || strings.Contains(s, "abuse"):
		return KindComplained
	case strings.Contains(s, "deliver") || strings.Contains(s, "relay"):
		return KindDelivered
	case strings.Contains(s, "bounce"):
		return KindBounced
	case strings.Contains(s, "defer") || strings.Contains(s, "transient"):
		return KindDeferred
	}
	return KindUnknown
}
