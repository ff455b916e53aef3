package sender

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProfile(t *testing.T) {
	id, ok := ParseProfile(`Promo Desk <News@Send.Example>`)
	require.True(t, ok)
	assert.Equal(t, "Promo Desk", id.Name)
	assert.Equal(t, "news@send.example", id.Email)
	assert.Equal(t, "send.example", id.Domain())

	id, ok = ParseProfile("alerts@send.example | Alert Team")
	require.True(t, ok)
	assert.Equal(t, "Alert Team", id.Name)
	assert.Equal(t, "alerts@send.example", id.Email)

	id, ok = ParseProfile("bare@send.example")
	require.True(t, ok)
	assert.Empty(t, id.Name)

	_, ok = ParseProfile("not-an-email")
	assert.False(t, ok)
	_, ok = ParseProfile("")
	assert.False(t, ok)
}

func TestSanitizeList(t *testing.T) {
	raw := "A@x.com, b@y.com;c@z.com\n a@x.com\tnot-valid d@w.com"
	list, invalid := SanitizeList(raw)
	assert.Equal(t, []string{"a@x.com", "b@y.com", "c@z.com", "d@w.com"}, list)
	assert.Equal(t, 1, invalid)
}

func TestDeterministicTokens(t *testing.T) {
	a := MessageToken("camp1", "alice@example.com")
	b := MessageToken("camp1", "alice@example.com")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, MessageToken("camp2", "alice@example.com"))
	assert.NotEqual(t, a, MessageToken("camp1", "bob@example.com"))

	assert.Len(t, IDNum("camp1", "alice@example.com"), 6)
	assert.Len(t, IDMix("camp1", "alice@example.com"), 12)
	code := TrackingCode("camp1", "alice@example.com")
	assert.Len(t, code, 16)
	assert.Equal(t, strings.ToLower(code), code)
}

func TestUnsubTokenRoundTrip(t *testing.T) {
	tok := UnsubToken("secret", "alice@example.com")
	email, ok := VerifyUnsubToken("secret", tok)
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", email)

	_, ok = VerifyUnsubToken("wrong-secret", tok)
	assert.False(t, ok)
	_, ok = VerifyUnsubToken("secret", "garbage")
	assert.False(t, ok)
}

func TestBuildMessageHeadersAndBody(t *testing.T) {
	msgid, raw, err := Build(MessageSpec{
		JobID:        "abcdef123456",
		CampaignID:   "camp001",
		ChunkIndex:   3,
		Worker:       1,
		From:         Identity{Name: "Promo", Email: "promo@send.example"},
		To:           "alice@example.com",
		Subject:      "Hi {{email}}",
		Body:         "<p>Hello {{id_num}} visit [URL]</p>",
		Format:       "html",
		URLPool:      []string{"https://a.example", "https://b.example"},
		Rand:         ChunkRand("abcdef123456", 3, 1),
		UnsubBaseURL: "https://track.example",
		UnsubSecret:  "s3",
	})
	require.NoError(t, err)
	assert.Contains(t, msgid, ".abcdef123456.camp001.c3.w1@send.example>")

	msg := string(raw)
	assert.Contains(t, msg, "X-Job-ID: abcdef123456\r\n")
	assert.Contains(t, msg, "X-Campaign-ID: camp001\r\n")
	assert.Contains(t, msg, "Message-ID: "+msgid+"\r\n")
	assert.Contains(t, msg, "List-Unsubscribe: <https://track.example/u/")
	assert.Contains(t, msg, "List-Unsubscribe-Post: List-Unsubscribe=One-Click\r\n")
	assert.Contains(t, msg, "multipart/alternative")
	assert.Contains(t, msg, "text/html")
	assert.Contains(t, msg, "text/plain")
	assert.NotContains(t, msg, "[URL]")
	assert.NotContains(t, msg, "{{")
	assert.Contains(t, msg, IDNum("camp001", "alice@example.com"))
}

func TestBuildReproducibleWithSameSeed(t *testing.T) {
	spec := MessageSpec{
		JobID: "abcdef123456", CampaignID: "c1", ChunkIndex: 2, Worker: 0,
		From: Identity{Email: "f@send.example"}, To: "a@x.com",
		Subject: "s", Body: "[URL] [URL] [URL]", Format: "text",
		URLPool: []string{"u1", "u2", "u3", "u4"},
	}
	spec.Rand = ChunkRand(spec.JobID, 2, 0)
	_, raw1, err := Build(spec)
	require.NoError(t, err)
	spec.Rand = ChunkRand(spec.JobID, 2, 0)
	_, raw2, err := Build(spec)
	require.NoError(t, err)
	assert.Equal(t, raw1, raw2)
}

// scriptedSMTPServer accepts one session and answers just enough of the
// protocol for a full MAIL/RCPT/DATA/QUIT exchange, recording what it saw.
func scriptedSMTPServer(t *testing.T, ln net.Listener) (mail, rcpt, data chan string) {
	t.Helper()
	mail = make(chan string, 1)
	rcpt = make(chan string, 1)
	data = make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		fmt.Fprintf(conn, "220 test ESMTP\r\n")
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				fmt.Fprintf(conn, "250-test\r\n250 8BITMIME\r\n")
			case strings.HasPrefix(cmd, "MAIL FROM"):
				mail <- strings.TrimSpace(line)
				fmt.Fprintf(conn, "250 sender ok\r\n")
			case strings.HasPrefix(cmd, "RCPT TO"):
				rcpt <- strings.TrimSpace(line)
				fmt.Fprintf(conn, "250 recipient ok\r\n")
			case cmd == "DATA":
				fmt.Fprintf(conn, "354 end with <CRLF>.<CRLF>\r\n")
				var body strings.Builder
				for {
					l, err := br.ReadString('\n')
					if err != nil {
						return
					}
					if strings.TrimRight(l, "\r\n") == "." {
						break
					}
					body.WriteString(l)
				}
				data <- body.String()
				fmt.Fprintf(conn, "250 queued\r\n")
			case cmd == "QUIT":
				fmt.Fprintf(conn, "221 bye\r\n")
				return
			default:
				fmt.Fprintf(conn, "250 ok\r\n")
			}
		}
	}()
	return mail, rcpt, data
}

func TestDialerDeliversOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	mail, rcpt, data := scriptedSMTPServer(t, ln)

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	d := NewDialer(SMTPConfig{Host: host, Port: port, Mode: ModePlain, Timeout: 5 * time.Second})
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)

	msg := []byte("Subject: hi\r\n\r\nhello body\r\n")
	require.NoError(t, conn.Send("from@send.example", "alice@example.com", msg))
	require.NoError(t, conn.Close())

	assert.Contains(t, <-mail, "from@send.example")
	assert.Contains(t, <-rcpt, "alice@example.com")
	assert.Contains(t, <-data, "Subject: hi")
}

func TestCategory(t *testing.T) {
	assert.Equal(t, "", Category(nil))
	assert.Equal(t, "timeout", Category(errors.New("i/o timeout")))
	assert.Equal(t, "auth", Category(errors.New("535 5.7.8 authentication failed")))
	assert.Equal(t, "refused", Category(errors.New("dial tcp: connection refused")))
	assert.Equal(t, "dns", Category(&net.DNSError{Err: "no such host", Name: "x"}))
	assert.Equal(t, "connection", Category(errors.New("read: connection reset by peer")))
	assert.Equal(t, "other", Category(errors.New("550 mailbox unavailable")))
}

type fakeConn struct {
	mu    sync.Mutex
	sent  []string
	fail  map[string]error
	msgs  map[string][]byte
	alive bool
}

func (f *fakeConn) Send(from, to string, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[to]; ok {
		return err
	}
	f.sent = append(f.sent, to)
	if f.msgs == nil {
		f.msgs = map[string][]byte{}
	}
	f.msgs[to] = msg
	return nil
}

func (f *fakeConn) Close() error { f.alive = false; return nil }

type fakeDialer struct {
	conn    *fakeConn
	dialErr error
}

func (f *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return f.conn, nil
}

type recordingEvents struct {
	mu      sync.Mutex
	sent    []string
	failed  map[string]string
	skipped []string
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{failed: map[string]string{}}
}

func (r *recordingEvents) Sent(rcpt, msgid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, rcpt)
}

func (r *recordingEvents) Failed(rcpt, category string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[rcpt] = category
}

func (r *recordingEvents) Skipped(rcpt, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped = append(r.skipped, rcpt)
}

type staticFlags struct{ paused, stop bool }

func (s *staticFlags) Paused() bool        { return s.paused }
func (s *staticFlags) StopRequested() bool { return s.stop }

type suppressSet map[string]bool

func (s suppressSet) Suppressed(email string) bool { return s[email] }

var testChunk = Chunk{
	JobID: "abcdef123456", CampaignID: "c1", Index: 0, Domain: "x.com",
	Recipients: []string{"a@x.com", "b@x.com", "c@x.com"},
	Sender:     Identity{Email: "from@send.example"},
	Subject:    "s", Body: "b",
}

func TestPoolDeliverAll(t *testing.T) {
	conn := &fakeConn{}
	pool := &Pool{Dialer: &fakeDialer{conn: conn}}
	events := newRecordingEvents()

	pool.Deliver(context.Background(), testChunk, Options{Workers: 2}, &staticFlags{}, events)
	assert.ElementsMatch(t, []string{"a@x.com", "b@x.com", "c@x.com"}, events.sent)
	assert.Empty(t, events.failed)
}

func TestPoolFailuresDoNotStopWorker(t *testing.T) {
	conn := &fakeConn{fail: map[string]error{"b@x.com": errors.New("i/o timeout")}}
	pool := &Pool{Dialer: &fakeDialer{conn: conn}}
	events := newRecordingEvents()

	pool.Deliver(context.Background(), testChunk, Options{Workers: 1}, &staticFlags{}, events)
	assert.ElementsMatch(t, []string{"a@x.com", "c@x.com"}, events.sent)
	assert.Equal(t, "timeout", events.failed["b@x.com"])
}

func TestPoolDialFailureFailsAssigned(t *testing.T) {
	pool := &Pool{Dialer: &fakeDialer{dialErr: errors.New("dial tcp: connection refused")}}
	events := newRecordingEvents()

	pool.Deliver(context.Background(), testChunk, Options{Workers: 1}, &staticFlags{}, events)
	assert.Empty(t, events.sent)
	assert.Len(t, events.failed, 3)
	assert.Equal(t, "refused", events.failed["a@x.com"])
}

func TestPoolSuppression(t *testing.T) {
	conn := &fakeConn{}
	pool := &Pool{Dialer: &fakeDialer{conn: conn}, Suppress: suppressSet{"b@x.com": true}}
	events := newRecordingEvents()

	pool.Deliver(context.Background(), testChunk, Options{Workers: 1}, &staticFlags{}, events)
	assert.ElementsMatch(t, []string{"a@x.com", "c@x.com"}, events.sent)
	assert.Equal(t, []string{"b@x.com"}, events.skipped)
}

func TestPoolStopBeforeStart(t *testing.T) {
	conn := &fakeConn{}
	pool := &Pool{Dialer: &fakeDialer{conn: conn}}
	events := newRecordingEvents()

	pool.Deliver(context.Background(), testChunk, Options{Workers: 1}, &staticFlags{stop: true}, events)
	assert.Empty(t, events.sent)
}

func TestPoolMessageCarriesCorrelationHeaders(t *testing.T) {
	conn := &fakeConn{}
	pool := &Pool{Dialer: &fakeDialer{conn: conn}}
	events := newRecordingEvents()

	pool.Deliver(context.Background(), testChunk, Options{Workers: 1, Format: "text"}, &staticFlags{}, events)
	msg := string(conn.msgs["a@x.com"])
	assert.Contains(t, msg, "X-Job-ID: abcdef123456")
	assert.Contains(t, msg, ".abcdef123456.c1.c0.w0@send.example>")
}
