package sender

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SecurityMode selects how the SMTP session is secured.
type SecurityMode string

const (
	ModePlain    SecurityMode = "plain"    // cleartext, no upgrade
	ModeStartTLS SecurityMode = "starttls" // upgrade after EHLO
	ModeSSL      SecurityMode = "ssl"      // implicit TLS
	ModeNone     SecurityMode = "none"     // alias of plain
)

// SMTPConfig is the injection endpoint for one job.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	Mode        SecurityMode
	Timeout     time.Duration
	HeloName    string
	InsecureTLS bool
}

func (c SMTPConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30 * time.Second
}

func (c SMTPConfig) helo() string {
	if c.HeloName != "" {
		return c.HeloName
	}
	return "localhost"
}

// Conn is one open SMTP session. A worker owns its Conn for the duration of
// a chunk.
type Conn interface {
	Send(from, to string, msg []byte) error
	Close() error
}

// Dialer opens SMTP sessions.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// NewDialer returns the production SMTP dialer for cfg.
func NewDialer(cfg SMTPConfig) Dialer {
	return &smtpDialer{cfg: cfg}
}

type smtpDialer struct {
	cfg SMTPConfig
}

func (d *smtpDialer) Dial(ctx context.Context) (Conn, error) {
	cfg := d.cfg
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	nd := net.Dialer{Timeout: cfg.timeout()}

	var (
		raw net.Conn
		err error
	)
	if cfg.Mode == ModeSSL {
		tlsCfg := &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: cfg.InsecureTLS}
		td := tls.Dialer{NetDialer: &nd, Config: tlsCfg}
		raw, err = td.DialContext(ctx, "tcp", addr)
	} else {
		raw, err = nd.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	raw.SetDeadline(time.Now().Add(cfg.timeout()))

	// The client reads the server greeting lazily, on the first command.
	cl := smtp.NewClient(raw)
	if err := cl.Hello(cfg.helo()); err != nil {
		raw.Close()
		return nil, fmt.Errorf("smtp helo: %w", err)
	}
	if cfg.Mode == ModeStartTLS {
		tlsCfg := &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: cfg.InsecureTLS}
		if err := cl.StartTLS(tlsCfg); err != nil {
			cl.Close()
			return nil, fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if cfg.Username != "" {
		auth := sasl.NewPlainClient("", cfg.Username, cfg.Password)
		if err := cl.Auth(auth); err != nil {
			cl.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}
	return &smtpConn{cl: cl, raw: raw, timeout: cfg.timeout()}, nil
}

type smtpConn struct {
	cl      *smtp.Client
	raw     net.Conn
	timeout time.Duration
}

func (c *smtpConn) Send(from, to string, msg []byte) error {
	c.raw.SetDeadline(time.Now().Add(c.timeout))
	if err := c.cl.Mail(from, nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.cl.Rcpt(to, nil); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := c.cl.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}
	return nil
}

func (c *smtpConn) Close() error {
	if err := c.cl.Quit(); err != nil {
		return c.cl.Close()
	}
	return nil
}

// Category buckets a send failure for the per-job histogram.
func Category(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	var nerr net.Error
	switch {
	case errors.As(err, &nerr) && nerr.Timeout(), strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return "timeout"
	case strings.Contains(msg, "auth"), strings.Contains(msg, "535"):
		return "auth"
	case strings.Contains(msg, "refused"):
		return "refused"
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "dns"), strings.Contains(msg, "lookup"):
		return "dns"
	case strings.Contains(msg, "connection"), strings.Contains(msg, "broken pipe"), strings.Contains(msg, "reset"), strings.Contains(msg, "eof"):
		return "connection"
	default:
		return "other"
	}
}
