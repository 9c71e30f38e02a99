package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tangramd/tangram/internal/export"
	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/log"
	"github.com/tangramd/tangram/internal/tgerror"
)

// handlePush implements the server (importer) side of POST
// /objects/{id}/push and /builds/{id}/push (spec §4.9, §6): the
// caller already has the subtree rooted at target and streams it as a
// framed export body; this server verifies and stores each item and
// reports completed subtrees back over an SSE reverse channel, the
// way original_source's push handler drives its own importer.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, tgerror.Unsupportedf("streaming unsupported by this response writer"))
		return
	}

	importer := export.NewImporter(s.Store, s.Processes)
	out := make(chan export.Complete, 16)
	importDone := make(chan error, 1)
	go func() {
		importDone <- importer.Import(r.Context(), bufio.NewReader(r.Body), out)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sendComplete := func(c export.Complete) {
		data, err := json.Marshal(c)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: complete\ndata: %s\n\n", data)
		flusher.Flush()
	}

	for {
		select {
		case c := <-out:
			sendComplete(c)
			continue
		case err := <-importDone:
			for drained := false; !drained; {
				select {
				case c := <-out:
					sendComplete(c)
				default:
					drained = true
				}
			}
			if err != nil {
				fmt.Fprintf(w, "event: end\ndata: {\"error\":%q}\n\n", err.Error())
			} else {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
			}
			flusher.Flush()
			return
		}
	}
}

// handlePull implements the server (exporter) side of POST
// /objects/{id}/pull and /builds/{id}/pull: this server streams the
// subtree rooted at each of roots as a framed export body, pruning
// subtrees the caller reports as already complete via Complete frames
// sent in the request body (an empty request body just skips the
// optimization and transfers everything).
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request, roots []id.ID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, tgerror.Unsupportedf("streaming unsupported by this response writer"))
		return
	}

	incoming := make(chan export.Complete, 16)
	go func() {
		br := bufio.NewReader(r.Body)
		for {
			ev, err := export.ReadEvent(br)
			if err != nil {
				return
			}
			switch ev.Kind {
			case export.KindComplete:
				select {
				case incoming <- ev.Complete:
				case <-r.Context().Done():
					return
				}
			case export.KindEnd:
				return
			}
		}
	}()

	w.Header().Set("Content-Type", export.ContentType)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	exporter := export.NewExporter(s.Store, s.Processes)
	if err := exporter.Export(r.Context(), flushWriter{w, flusher}, roots, incoming); err != nil {
		log.WithRequestID(requestIDFrom(r.Context())).Error().Err(err).Msg("export failed mid-stream")
	}
}

// flushWriter flushes the underlying ResponseWriter after every Write,
// so framed export events reach the peer as soon as they're produced
// instead of sitting in a buffer.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.f.Flush()
	return n, err
}

func (s *Server) handleObjectPush(w http.ResponseWriter, r *http.Request) {
	s.handlePush(w, r)
}

func (s *Server) handleObjectPull(w http.ResponseWriter, r *http.Request) {
	target, err := id.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, tgerror.Invalidf("invalid object id: %v", err))
		return
	}
	s.handlePull(w, r, []id.ID{target})
}

func (s *Server) handleBuildPush(w http.ResponseWriter, r *http.Request) {
	s.handlePush(w, r)
}

func (s *Server) handleBuildPull(w http.ResponseWriter, r *http.Request) {
	target, ok := s.buildID(w, r)
	if !ok {
		return
	}
	s.handlePull(w, r, []id.ID{target})
}
