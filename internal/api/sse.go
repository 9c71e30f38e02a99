package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseWriter emits Server-Sent Events (spec §4.8: "each event is
// {data, event, id} with an explicit end event carrying an optional
// error payload").
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	nextID  int
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

// Send writes one named event with a JSON-encoded payload.
func (s *sseWriter) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.nextID++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.nextID, event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// End writes the terminal "end" event. errPayload may be nil.
func (s *sseWriter) End(errPayload any) {
	if errPayload != nil {
		_ = s.Send("end", map[string]any{"error": errPayload})
		return
	}
	_ = s.Send("end", map[string]any{})
}
