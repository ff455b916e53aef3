package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/pmta-blast/internal/pkg/httputil"
)

type configUpdate struct {
	Value string `json:"value"`
}

func (s *Server) handleListConfig(w http.ResponseWriter, r *http.Request) {
	if s.Conf == nil {
		httputil.OK(w, map[string]any{"config": []any{}})
		return
	}
	httputil.OK(w, map[string]any{"config": s.Conf.All()})
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if s.Conf == nil {
		httputil.InternalError(w, errNoConfigStore)
		return
	}
	var body configUpdate
	if !httputil.Decode(w, r, &body) {
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.Conf.Set(r.Context(), key, body.Value); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.OK(w, map[string]any{"ok": true, "key": key, "value": body.Value})
}

func (s *Server) handleUnsetConfig(w http.ResponseWriter, r *http.Request) {
	if s.Conf == nil {
		httputil.InternalError(w, errNoConfigStore)
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.Conf.Unset(r.Context(), key); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.OK(w, map[string]any{"ok": true, "key": key})
}
