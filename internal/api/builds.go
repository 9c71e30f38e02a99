package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/process"
	"github.com/tangramd/tangram/internal/tgerror"
)

// buildListResponse carries the full record set plus the aggregate
// status breakdown process.Queue.StatusCounts computes, so a caller
// polling queue health doesn't need a second request.
type buildListResponse struct {
	Builds []*process.Record      `json:"builds"`
	Counts map[process.Status]int `json:"counts"`
}

// handleBuildList implements GET /builds (spec §6).
func (s *Server) handleBuildList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.Processes.List()
	if err != nil {
		writeError(w, err)
		return
	}
	counts, err := s.Processes.StatusCounts()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildListResponse{Builds: recs, Counts: counts})
}

// createBuildBody is the request shape for POST /builds: caller names
// a process ID (already created as an object elsewhere), the host it
// should run on, and its command object. The process is created and
// immediately enqueued, matching spec §4.7's created->enqueued step.
type createBuildBody struct {
	ID        id.ID  `json:"id"`
	Host      string `json:"host"`
	CommandID id.ID  `json:"commandId"`
}

func (s *Server) handleBuildCreate(w http.ResponseWriter, r *http.Request) {
	var body createBuildBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, tgerror.Invalidf("decode build request: %v", err))
		return
	}
	rec, err := s.Processes.Create(body.ID, body.Host, body.CommandID)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err = s.Processes.Enqueue(rec.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleBuildDequeue implements the remote side of spec §4.7's
// dequeue race: a RemoteQueue peer calls this to claim one locally
// enqueued process. No record ready yields 204, not an error.
func (s *Server) handleBuildDequeue(w http.ResponseWriter, r *http.Request) {
	rec, ok, err := s.Processes.Dequeue()
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) buildID(w http.ResponseWriter, r *http.Request) (id.ID, bool) {
	target, err := id.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, tgerror.Invalidf("invalid build id: %v", err))
		return id.ID{}, false
	}
	return target, true
}

func (s *Server) handleBuildGet(w http.ResponseWriter, r *http.Request) {
	target, ok := s.buildID(w, r)
	if !ok {
		return
	}
	rec, err := s.Processes.Get(target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleBuildPut implements PUT /builds/{id}: replicating a process
// record exactly as received, the server-side counterpart of
// transport.RemoteHandle.Import.
func (s *Server) handleBuildPut(w http.ResponseWriter, r *http.Request) {
	var rec process.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, tgerror.Invalidf("decode process record: %v", err))
		return
	}
	if err := s.Processes.Import(&rec); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleBuildTouch(w http.ResponseWriter, r *http.Request) {
	target, ok := s.buildID(w, r)
	if !ok {
		return
	}
	rec, err := s.Processes.Touch(target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleBuildCancel(w http.ResponseWriter, r *http.Request) {
	target, ok := s.buildID(w, r)
	if !ok {
		return
	}
	rec, err := s.Processes.Cancel(target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type finishBody struct {
	Output json.RawMessage `json:"output,omitempty"`
	Exit   *process.Exit   `json:"exit,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (s *Server) handleBuildFinish(w http.ResponseWriter, r *http.Request) {
	target, ok := s.buildID(w, r)
	if !ok {
		return
	}
	var body finishBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, tgerror.Invalidf("decode finish request: %v", err))
		return
	}
	var runErr error
	if body.Error != "" {
		runErr = tgerror.Internalf("%s", body.Error)
	}
	rec, err := s.Processes.Finish(target, body.Output, body.Exit, runErr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleBuildChildren implements GET /builds/{id}/children (spec
// §4.7): an SSE stream that starts with a snapshot of already-appended
// children, then streams each subsequently appended child live.
func (s *Server) handleBuildChildren(w http.ResponseWriter, r *http.Request) {
	target, ok := s.buildID(w, r)
	if !ok {
		return
	}
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, tgerror.Unsupportedf("streaming unsupported by this response writer"))
		return
	}

	snapshot, live, unsubscribe := s.Processes.Children(target)
	defer unsubscribe()

	for _, child := range snapshot {
		if err := sse.Send("child", child); err != nil {
			return
		}
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case child, ok := <-live:
			if !ok {
				sse.End(nil)
				return
			}
			if err := sse.Send("child", child); err != nil {
				return
			}
		}
	}
}

// handleBuildStart implements POST /builds/{id}/start: transitions a
// dequeued process to started. The dispatcher calls process.Queue's
// Start directly for processes it runs itself; this route exists for
// a remote host running the process out-of-band (spec §4.7's "runtime
// host" concept) to report that it has taken ownership.
func (s *Server) handleBuildStart(w http.ResponseWriter, r *http.Request) {
	target, ok := s.buildID(w, r)
	if !ok {
		return
	}
	rec, err := s.Processes.Start(target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// buildStatusBody is the lightweight projection of a process record
// GET /builds/{id}/status returns, distinct from the full record GET
// /builds/{id} returns.
type buildStatusBody struct {
	ID         id.ID              `json:"id"`
	Status     process.Status     `json:"status"`
	Timestamps process.Timestamps `json:"timestamps"`
}

func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	target, ok := s.buildID(w, r)
	if !ok {
		return
	}
	rec, err := s.Processes.Get(target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildStatusBody{ID: rec.ID, Status: rec.Status, Timestamps: rec.Timestamps})
}

// buildOutcomeBody carries just the terminal result fields of a
// process record, for GET /builds/{id}/outcome.
type buildOutcomeBody struct {
	Status process.Status  `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Exit   *process.Exit   `json:"exit,omitempty"`
	Error  *string         `json:"error,omitempty"`
}

func (s *Server) handleBuildOutcome(w http.ResponseWriter, r *http.Request) {
	target, ok := s.buildID(w, r)
	if !ok {
		return
	}
	rec, err := s.Processes.Get(target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildOutcomeBody{Status: rec.Status, Output: rec.Output, Exit: rec.Exit, Error: rec.Error})
}

// handleBuildLogGet implements GET /builds/{id}/log (spec §4.7 Logs):
// a (position, length) slice by default, or an SSE live tail when
// ?stream=true is given, matching Log.Read/Log.Subscribe's split.
func (s *Server) handleBuildLogGet(w http.ResponseWriter, r *http.Request) {
	target, ok := s.buildID(w, r)
	if !ok {
		return
	}
	logFile, err := s.Logs.Open(target)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("stream") == "true" {
		s.streamBuildLog(w, r, logFile)
		return
	}

	position := parseQueryInt64(r, "position", 0)
	whence := parseWhence(r.URL.Query().Get("whence"))
	length := parseQueryInt64(r, "length", 1<<20)

	data, err := logFile.Read(position, whence, length)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) streamBuildLog(w http.ResponseWriter, r *http.Request, logFile *process.Log) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, tgerror.Unsupportedf("streaming unsupported by this response writer"))
		return
	}

	snapshot, err := logFile.Read(0, process.SeekStart, 1<<20)
	if err == nil && len(snapshot) > 0 {
		if err := sse.Send("chunk", snapshot); err != nil {
			return
		}
	}

	live, unsubscribe := logFile.Subscribe()
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-live:
			if !ok {
				sse.End(nil)
				return
			}
			if err := sse.Send("chunk", chunk); err != nil {
				return
			}
		}
	}
}

// handleBuildLogAppend implements POST /builds/{id}/log: a remote
// runtime host streams its process's output back to this server one
// chunk at a time.
func (s *Server) handleBuildLogAppend(w http.ResponseWriter, r *http.Request) {
	target, ok := s.buildID(w, r)
	if !ok {
		return
	}
	logFile, err := s.Logs.Open(target)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, tgerror.IOErr(err, "read log chunk"))
		return
	}
	if err := logFile.Append(data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func parseQueryInt64(r *http.Request, key string, def int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func parseWhence(raw string) process.SeekWhence {
	switch raw {
	case "end":
		return process.SeekEnd
	case "current":
		return process.SeekCurrent
	default:
		return process.SeekStart
	}
}
