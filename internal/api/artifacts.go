package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tangramd/tangram/internal/checkin"
	"github.com/tangramd/tangram/internal/checkout"
	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/tgerror"
)

type checkinBody struct {
	Path          string `json:"path"`
	Destructive   bool   `json:"destructive"`
	Deterministic bool   `json:"deterministic"`
	Ignore        bool   `json:"ignore"`
	Locked        bool   `json:"locked"`
	Lockfile      bool   `json:"lockfile"`
}

// handleArtifactCheckin implements POST /artifacts/checkin: an SSE
// stream of checkin.Progress events (spec §4.5), terminated by an "end"
// event. On success the engine's "complete" progress event is sent
// first; on failure the error is carried in the "end" event instead.
func (s *Server) handleArtifactCheckin(w http.ResponseWriter, r *http.Request) {
	var body checkinBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, tgerror.Invalidf("decode checkin request: %v", err))
		return
	}
	if body.Path == "" {
		body.Path = s.CheckinPath
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, tgerror.Unsupportedf("streaming unsupported by this response writer"))
		return
	}

	engine := checkin.NewEngine(s.Store, s.Builder, s.Tags)
	opts := checkin.Options{
		Path:          body.Path,
		Destructive:   body.Destructive,
		Deterministic: body.Deterministic,
		Ignore:        body.Ignore,
		Locked:        body.Locked,
		Lockfile:      body.Lockfile,
	}

	ctx := r.Context()
	for progress := range engine.Run(ctx, opts) {
		if progress.Err != nil {
			sse.End(errorBody{Kind: string(tgerror.KindOf(progress.Err)), Message: progress.Err.Error()})
			return
		}
		if err := sse.Send("progress", progress); err != nil {
			return
		}
		if progress.ArtifactID != nil {
			sse.End(nil)
			return
		}
	}
}

type checkoutBody struct {
	Target   string `json:"target"`
	Internal bool   `json:"internal"`
	CacheDir string `json:"cacheDir"`
}

// handleArtifactCheckout implements POST /artifacts/{id}/checkout.
func (s *Server) handleArtifactCheckout(w http.ResponseWriter, r *http.Request) {
	target, err := id.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, tgerror.Invalidf("invalid artifact id: %v", err))
		return
	}
	var body checkoutBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, tgerror.Invalidf("decode checkout request: %v", err))
			return
		}
	}

	path, err := s.Checkout.Checkout(r.Context(), checkout.Options{
		Artifact: target,
		Target:   body.Target,
		Internal: body.Internal,
		CacheDir: body.CacheDir,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

// handleArtifactBundle implements POST /artifacts/{id}/bundle.
func (s *Server) handleArtifactBundle(w http.ResponseWriter, r *http.Request) {
	target, err := id.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, tgerror.Invalidf("invalid artifact id: %v", err))
		return
	}
	bundled, err := s.Bundler.Bundle(target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]id.ID{"id": bundled})
}
