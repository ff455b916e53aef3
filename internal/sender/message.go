package sender

import (
	"fmt"
	"math/rand"
	"mime"
	"regexp"
	"strings"
	"time"

	"github.com/osteele/liquid"
)

var templateEngine = liquid.NewEngine()

// MessageSpec is everything needed to render one outbound message.
type MessageSpec struct {
	JobID      string
	CampaignID string
	ChunkIndex int
	Worker     int

	From    Identity
	To      string
	ReplyTo string
	Subject string
	Body    string
	Format  string // "html" or "text"

	// URLPool and SrcPool feed the [URL] and [SRC] placeholders. Picks
	// come from Rand, which callers seed per (chunk, worker) so reruns
	// are reproducible.
	URLPool []string
	SrcPool []string
	Rand    *rand.Rand

	UnsubBaseURL string
	UnsubSecret  string

	// Host is the Message-ID domain. Defaults to the sender domain.
	Host string

	Now time.Time
}

// MessageID builds the correlation Message-ID for this spec:
// <opaque.job.campaign.c<chunk>.w<worker>@host>.
func (m *MessageSpec) MessageID() string {
	host := m.Host
	if host == "" {
		host = m.From.Domain()
	}
	if host == "" {
		host = "localhost"
	}
	opaque := MessageToken(m.CampaignID, m.To)
	return fmt.Sprintf("<%s.%s.%s.c%d.w%d@%s>",
		opaque, m.JobID, m.CampaignID, m.ChunkIndex, m.Worker, host)
}

// Build renders the message and returns its Message-ID plus the raw RFC5322
// bytes ready for DATA.
func Build(spec MessageSpec) (string, []byte, error) {
	bindings := map[string]any{
		"email":         spec.To,
		"message_id":    MessageToken(spec.CampaignID, spec.To),
		"tracking_code": TrackingCode(spec.CampaignID, spec.To),
		"id_num":        IDNum(spec.CampaignID, spec.To),
		"id_mix":        IDMix(spec.CampaignID, spec.To),
	}
	unsubURL := ""
	if spec.UnsubBaseURL != "" {
		unsubURL = strings.TrimRight(spec.UnsubBaseURL, "/") + "/u/" + UnsubToken(spec.UnsubSecret, spec.To)
	}
	bindings["unsubscribe_url"] = unsubURL

	subject, err := templateEngine.ParseAndRenderString(spec.Subject, bindings)
	if err != nil {
		return "", nil, fmt.Errorf("render subject: %w", err)
	}
	body, err := templateEngine.ParseAndRenderString(spec.Body, bindings)
	if err != nil {
		return "", nil, fmt.Errorf("render body: %w", err)
	}
	body = substitutePools(body, spec.URLPool, spec.SrcPool, spec.Rand)

	msgid := spec.MessageID()
	now := spec.Now
	if now.IsZero() {
		now = time.Now()
	}

	var b strings.Builder
	writeHeader := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }
	writeHeader("Date", now.Format(time.RFC1123Z))
	writeHeader("From", encodeAddress(spec.From))
	writeHeader("To", spec.To)
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", subject))
	if spec.ReplyTo != "" {
		writeHeader("Reply-To", spec.ReplyTo)
	}
	writeHeader("Message-ID", msgid)
	writeHeader("X-Job-ID", spec.JobID)
	writeHeader("X-Campaign-ID", spec.CampaignID)
	if unsubURL != "" {
		writeHeader("List-Unsubscribe", "<"+unsubURL+">")
		writeHeader("List-Unsubscribe-Post", "List-Unsubscribe=One-Click")
	}
	writeHeader("MIME-Version", "1.0")

	if strings.EqualFold(spec.Format, "html") {
		boundary := "b." + IDMix(spec.CampaignID, spec.To)
		writeHeader("Content-Type", `multipart/alternative; boundary="`+boundary+`"`)
		b.WriteString("\r\n")

		plain := htmlToText(body)
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(toCRLF(plain))
		fmt.Fprintf(&b, "\r\n--%s\r\n", boundary)
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		b.WriteString(toCRLF(body))
		fmt.Fprintf(&b, "\r\n--%s--\r\n", boundary)
	} else {
		writeHeader("Content-Type", "text/plain; charset=utf-8")
		b.WriteString("\r\n")
		b.WriteString(toCRLF(body))
		b.WriteString("\r\n")
	}
	return msgid, []byte(b.String()), nil
}

// substitutePools replaces each [URL] and [SRC] occurrence with a pick from
// the corresponding pool.
func substitutePools(body string, urls, srcs []string, rng *rand.Rand) string {
	pick := func(pool []string) string {
		if len(pool) == 0 {
			return ""
		}
		if rng == nil {
			return pool[0]
		}
		return pool[rng.Intn(len(pool))]
	}
	for strings.Contains(body, "[URL]") && len(urls) > 0 {
		body = strings.Replace(body, "[URL]", pick(urls), 1)
	}
	for strings.Contains(body, "[SRC]") && len(srcs) > 0 {
		body = strings.Replace(body, "[SRC]", pick(srcs), 1)
	}
	return body
}

// ChunkRand returns the deterministic random stream for one (job, chunk,
// worker) triple.
func ChunkRand(jobID string, chunkIndex, worker int) *rand.Rand {
	var seed int64
	for _, c := range jobID {
		seed = seed*131 + int64(c)
	}
	seed = seed*1_000_003 + int64(chunkIndex)*977 + int64(worker)
	return rand.New(rand.NewSource(seed))
}

func encodeAddress(id Identity) string {
	if id.Name == "" {
		return id.Email
	}
	return mime.QEncoding.Encode("utf-8", id.Name) + " <" + id.Email + ">"
}

func toCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

var (
	tagRe    = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>`)
	brRe     = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>`)
	anyTagRe = regexp.MustCompile(`<[^>]+>`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

// htmlToText derives the plain-text alternative part from the HTML body.
func htmlToText(html string) string {
	s := tagRe.ReplaceAllString(html, "")
	s = brRe.ReplaceAllString(s, "\n")
	s = anyTagRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = blankRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
