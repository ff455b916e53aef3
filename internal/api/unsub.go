package api

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/pmta-blast/internal/sender"
)

// handleUnsubscribe serves both the link a recipient clicks and the
// List-Unsubscribe One-Click POST. Responses are plain text because mail
// clients render them directly.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	email, ok := sender.VerifyUnsubToken(s.UnsubSecret, token)
	if !ok {
		http.Error(w, "invalid or expired link", http.StatusBadRequest)
		return
	}

	if s.Suppress != nil {
		s.Suppress.Add(email)
	}
	if s.Store != nil {
		if err := s.Store.AddSuppression(r.Context(), email, "unsubscribe"); err != nil {
			// The in-memory set already holds the address; the row can be
			// replayed from the next unsubscribe click.
			log.Printf("[API] persist unsubscribe: %v", err)
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("You have been unsubscribed. No further mail will be sent to this address.\n"))
}
