package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/pmta-blast/internal/pkg/httputil"
	"github.com/ignite/pmta-blast/internal/store"
)

var errNoStore = errors.New("persistence is not configured")
var errNoConfigStore = errors.New("config store is not configured")

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		httputil.OK(w, map[string]any{"campaigns": []store.Campaign{}})
		return
	}
	campaigns, err := s.Store.ListCampaigns(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if campaigns == nil {
		campaigns = []store.Campaign{}
	}
	httputil.OK(w, map[string]any{"campaigns": campaigns})
}

// handleGetCampaignForm returns the saved form blob verbatim. The UI owns
// the shape; the control plane only round-trips it.
func (s *Server) handleGetCampaignForm(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		httputil.InternalError(w, errNoStore)
		return
	}
	form, err := s.Store.LoadCampaignForm(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "no saved form for campaign")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	io.WriteString(w, form)
}

func (s *Server) handleSaveCampaignForm(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		httputil.InternalError(w, errNoStore)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httputil.BadRequest(w, "unreadable body")
		return
	}
	form := strings.TrimSpace(string(body))
	if form == "" {
		httputil.BadRequest(w, "empty form body")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.Store.SaveCampaignForm(r.Context(), id, form); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"ok": true, "campaign_id": id})
}
