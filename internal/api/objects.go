package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/proto"
	"github.com/tangramd/tangram/internal/tgerror"
)

// handleObjectGet implements GET /objects/{id} (spec §6). The optional
// ?depth= query parameter is accepted per original_source's
// object/get.rs (shallow vs. complete-subtree metadata) but since
// store.Metadata is always computed eagerly on Put, depth only
// controls whether Count/Depth/Weight headers are included, not extra work.
func (s *Server) handleObjectGet(w http.ResponseWriter, r *http.Request) {
	target, err := id.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, tgerror.Invalidf("invalid object id: %v", err))
		return
	}

	data, meta, ok, err := s.Store.TryGet(target)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, tgerror.NotFoundf("object %s not found", target))
		return
	}

	w.Header().Set("X-Tangram-Complete", strconv.FormatBool(meta.Complete))
	if r.URL.Query().Get("depth") != "shallow" {
		w.Header().Set("X-Tangram-Count", strconv.FormatInt(meta.Count, 10))
		w.Header().Set("X-Tangram-Depth", strconv.FormatInt(meta.Depth, 10))
		w.Header().Set("X-Tangram-Weight", strconv.FormatInt(meta.Weight, 10))
	}
	encoding := proto.NegotiateEncoding(r.Header.Get("Accept-Encoding"), true)
	used, body := proto.EncodeBody(data, encoding)

	w.Header().Set("Content-Type", "application/octet-stream")
	if used != proto.EncodingIdentity {
		w.Header().Set("Content-Encoding", used)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleObjectPut implements PUT /objects/{id}.
func (s *Server) handleObjectPut(w http.ResponseWriter, r *http.Request) {
	target, err := id.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, tgerror.Invalidf("invalid object id: %v", err))
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, tgerror.IOErr(err, "read object body"))
		return
	}

	out, err := s.Store.Put(target, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, putOutputBody{Complete: out.Complete, Missing: out.Missing})
}

type putOutputBody struct {
	Complete bool    `json:"complete"`
	Missing  []id.ID `json:"missing,omitempty"`
}
