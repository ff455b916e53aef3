// Package api exposes the operator surface: job lifecycle, config
// read/write, unsubscribe handling, and SMTP connection testing.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/pmta-blast/internal/config"
	"github.com/ignite/pmta-blast/internal/job"
	"github.com/ignite/pmta-blast/internal/monitor"
	"github.com/ignite/pmta-blast/internal/pkg/httputil"
	"github.com/ignite/pmta-blast/internal/store"
	"github.com/ignite/pmta-blast/internal/suppression"
)

// Server is the operator HTTP server.
type Server struct {
	Jobs     *job.Controller
	Store    *store.Store
	Conf     *config.Store
	Suppress *suppression.Set
	Monitor  *monitor.Client

	SMTP        config.SMTPConfig
	UnsubSecret string

	// MaxRecipients caps uploaded lists; 0 uses the default.
	MaxRecipients int

	handler http.Handler
	server  *http.Server
}

const defaultMaxRecipients = 500_000

func (s *Server) maxRecipients() int {
	if s.MaxRecipients > 0 {
		return s.MaxRecipients
	}
	return defaultMaxRecipients
}

// Routes builds the router. Must be called once before serving.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/u/{token}", s.handleUnsubscribe)
	r.Post("/u/{token}", s.handleUnsubscribe) // One-Click POST

	r.Route("/api", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/start", s.handleStartJob)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleJobStatus)
				r.Post("/pause", s.handlePauseJob)
				r.Post("/resume", s.handleResumeJob)
				r.Post("/stop", s.handleStopJob)
				r.Delete("/", s.handleDeleteJob)
			})
		})
		r.Route("/config", func(r chi.Router) {
			r.Get("/", s.handleListConfig)
			r.Put("/{key}", s.handleSetConfig)
			r.Delete("/{key}", s.handleUnsetConfig)
		})
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.handleListCampaigns)
			r.Get("/{id}/form", s.handleGetCampaignForm)
			r.Put("/{id}/form", s.handleSaveCampaignForm)
		})
		r.Post("/test_smtp", s.handleTestSMTP)
	})

	s.handler = r
	return r
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	if s.handler == nil {
		s.Routes()
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       5 * time.Minute, // large recipient uploads
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the router for tests.
func (s *Server) Handler() http.Handler {
	if s.handler == nil {
		s.Routes()
	}
	return s.handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
