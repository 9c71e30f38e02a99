package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/tgerror"
)

// handleRootList implements GET /roots.
func (s *Server) handleRootList(w http.ResponseWriter, r *http.Request) {
	roots, err := s.Roots.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roots)
}

func (s *Server) handleRootGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	target, ok, err := s.Roots.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, tgerror.NotFoundf("root %q not found", name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]id.ID{"id": target})
}

type rootPutBody struct {
	ID id.ID `json:"id"`
}

func (s *Server) handleRootPut(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var body rootPutBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, tgerror.Invalidf("decode root request: %v", err))
		return
	}
	if err := s.Roots.Set(name, body.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRootDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.Roots.Delete(name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
