package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ignite/pmta-blast/internal/pkg/httputil"
	"github.com/ignite/pmta-blast/internal/sender"
)

type smtpTestRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Security string `json:"security"`
}

// handleTestSMTP opens a session against the requested endpoint and closes
// it again. Fields left empty fall back to the configured injector.
func (s *Server) handleTestSMTP(w http.ResponseWriter, r *http.Request) {
	var req smtpTestRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Host == "" {
		req.Host = s.SMTP.Host
	}
	if req.Port == 0 {
		req.Port = s.SMTP.Port
	}
	if req.Username == "" {
		req.Username = s.SMTP.Username
		req.Password = s.SMTP.Password
	}
	if req.Security == "" {
		req.Security = s.SMTP.Security
	}
	if req.Host == "" {
		httputil.BadRequest(w, "host is required")
		return
	}
	if req.Port == 0 {
		req.Port = 25
	}

	cfg := sender.SMTPConfig{
		Host:     req.Host,
		Port:     req.Port,
		Username: req.Username,
		Password: req.Password,
		Mode:     sender.SecurityMode(req.Security),
		Timeout:  10 * time.Second,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	start := time.Now()
	conn, err := sender.NewDialer(cfg).Dial(ctx)
	if err != nil {
		httputil.OK(w, map[string]any{
			"ok":    false,
			"error": err.Error(),
		})
		return
	}
	conn.Close()

	httputil.OK(w, map[string]any{
		"ok":         true,
		"host":       req.Host,
		"port":       req.Port,
		"latency_ms": time.Since(start).Milliseconds(),
	})
}
