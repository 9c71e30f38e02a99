package api

import (
	"encoding/json"
	"net/http"

	"github.com/tangramd/tangram/internal/tgerror"
)

// errorBody is the JSON shape of an error response and of an SSE
// error event's data field, matching the x-tg-data payload spec §4.9
// describes for export/import trailers.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// statusFor maps a domain error kind (spec §7) to an HTTP status.
func statusFor(kind tgerror.Kind) int {
	switch kind {
	case tgerror.NotFound:
		return http.StatusNotFound
	case tgerror.Invalid:
		return http.StatusBadRequest
	case tgerror.Conflict:
		return http.StatusConflict
	case tgerror.Unsupported:
		return http.StatusNotImplemented
	case tgerror.Cancelled:
		return http.StatusRequestTimeout
	case tgerror.IO, tgerror.Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status code and JSON body via its
// tgerror.Kind, defaulting unclassified errors to internal.
func writeError(w http.ResponseWriter, err error) {
	kind := tgerror.KindOf(err)
	writeJSON(w, statusFor(kind), errorBody{Kind: string(kind), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
