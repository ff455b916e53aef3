package preflight

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Score is a content-scoring result. Value is nil when the back-end could
// not produce a number; Report always carries whatever text came back.
type Score struct {
	Value  *float64
	Report string
}

// Scorer scores one (subject, body, from) triple.
type Scorer interface {
	Score(ctx context.Context, subject, body, fromEmail string) (Score, error)
}

var spamdVerdictRe = regexp.MustCompile(`Spam:\s*(True|False)\s*;\s*(-?\d+(?:\.\d+)?)\s*/\s*(-?\d+(?:\.\d+)?)`)

// SpamdScorer speaks the SpamAssassin daemon protocol over TCP.
type SpamdScorer struct {
	Addr    string // host:port
	Timeout time.Duration
}

func (s *SpamdScorer) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return 10 * time.Second
}

// Score sends a REPORT request and parses the verdict line.
func (s *SpamdScorer) Score(ctx context.Context, subject, body, fromEmail string) (Score, error) {
	payload := buildScoringMessage(subject, body, fromEmail)

	d := net.Dialer{Timeout: s.timeout()}
	conn, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return Score{}, fmt.Errorf("spamd dial: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(s.timeout()))

	var req bytes.Buffer
	req.WriteString("REPORT SPAMC/1.5\r\n")
	fmt.Fprintf(&req, "Content-length: %d\r\n", len(payload))
	req.WriteString("\r\n")
	req.WriteString(payload)
	if _, err := conn.Write(req.Bytes()); err != nil {
		return Score{}, fmt.Errorf("spamd write: %w", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}

	resp, err := io.ReadAll(io.LimitReader(conn, 1<<20))
	if err != nil {
		return Score{}, fmt.Errorf("spamd read: %w", err)
	}
	out := string(resp)
	m := spamdVerdictRe.FindStringSubmatch(out)
	if m == nil {
		return Score{Report: out}, nil
	}
	v, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return Score{Report: out}, nil
	}
	return Score{Value: &v, Report: out}, nil
}

// buildScoringMessage assembles a minimal RFC822 message with CRLF line
// endings, which spamd requires.
func buildScoringMessage(subject, body, fromEmail string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", fromEmail)
	fmt.Fprintf(&b, "To: probe@example.com\r\n")
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("\r\n")
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(normalized, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.String()
}

var cliScoreRe = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*/\s*(-?\d+(?:\.\d+)?)`)

// CommandScorer shells out to a spamassassin-style CLI that prints
// "score/required".
type CommandScorer struct {
	Command string
	Args    []string
}

func (c *CommandScorer) Score(ctx context.Context, subject, body, fromEmail string) (Score, error) {
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Stdin = strings.NewReader(buildScoringMessage(subject, body, fromEmail))
	out, err := cmd.Output()
	if err != nil {
		return Score{}, fmt.Errorf("spam cli: %w", err)
	}
	text := strings.TrimSpace(string(out))
	m := cliScoreRe.FindStringSubmatch(text)
	if m == nil {
		return Score{Report: text}, nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Score{Report: text}, nil
	}
	return Score{Value: &v, Report: text}, nil
}

// StaticScorer returns a fixed score. Used when no scoring back-end is
// configured and in tests.
type StaticScorer struct {
	Fixed  float64
	Report string
}

func (s *StaticScorer) Score(ctx context.Context, subject, body, fromEmail string) (Score, error) {
	v := s.Fixed
	return Score{Value: &v, Report: s.Report}, nil
}
