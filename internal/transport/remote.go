package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/process"
	"github.com/tangramd/tangram/internal/proto"
	"github.com/tangramd/tangram/internal/store"
	"github.com/tangramd/tangram/internal/tgerror"
)

// putOutputBody is the wire shape of a Put response (spec §6's
// GET/PUT /objects/{id}), mirroring store.PutOutput.
type putOutputBody struct {
	Complete bool    `json:"complete"`
	Missing  []id.ID `json:"missing,omitempty"`
}

// RemoteHandle is an HTTP-backed Handle (spec §9: "local server and
// remote client both conform"), talking to another Tangram server's
// `/objects/{id}` and `/builds/{id}` routes (spec §6).
type RemoteHandle struct {
	Client  *http.Client
	BaseURL string
}

// NewRemoteHandle creates a RemoteHandle. client may be nil to use
// http.DefaultClient.
func NewRemoteHandle(baseURL string, client *http.Client) *RemoteHandle {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteHandle{Client: client, BaseURL: baseURL}
}

func (h *RemoteHandle) TryGet(target id.ID) ([]byte, store.Metadata, bool, error) {
	req, err := http.NewRequest(http.MethodGet, h.url("/objects/%s", target.String()), nil)
	if err != nil {
		return nil, store.Metadata{}, false, tgerror.IOErr(err, "remote: build request")
	}
	req.Header.Set("Accept-Encoding", proto.EncodingZstd+", "+proto.EncodingZlib)
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, store.Metadata{}, false, tgerror.IOErr(err, "remote: GET %s", req.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, store.Metadata{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, store.Metadata{}, false, tgerror.IOErr(fmt.Errorf("status %d", resp.StatusCode), "remote: GET %s", req.URL)
	}

	data, err := proto.DecodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, store.Metadata{}, false, tgerror.IOErr(err, "remote: decode object body")
	}
	meta := store.Metadata{
		Complete: resp.Header.Get("X-Tangram-Complete") == "true",
		Count:    parseHeaderInt64(resp.Header.Get("X-Tangram-Count")),
		Depth:    parseHeaderInt64(resp.Header.Get("X-Tangram-Depth")),
		Weight:   parseHeaderInt64(resp.Header.Get("X-Tangram-Weight")),
	}
	return data, meta, true, nil
}

func (h *RemoteHandle) Put(target id.ID, data []byte) (store.PutOutput, error) {
	req, err := http.NewRequest(http.MethodPut, h.url("/objects/%s", target.String()), bytes.NewReader(data))
	if err != nil {
		return store.PutOutput{}, tgerror.IOErr(err, "remote: build request")
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return store.PutOutput{}, tgerror.IOErr(err, "remote: PUT %s", req.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return store.PutOutput{}, tgerror.IOErr(fmt.Errorf("status %d", resp.StatusCode), "remote: PUT %s", req.URL)
	}
	var body putOutputBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return store.PutOutput{}, tgerror.IOErr(err, "remote: decode put response")
	}
	return store.PutOutput{Complete: body.Complete, Missing: body.Missing}, nil
}

func (h *RemoteHandle) Get(target id.ID) (*process.Record, error) {
	req, err := http.NewRequest(http.MethodGet, h.url("/builds/%s", target.String()), nil)
	if err != nil {
		return nil, tgerror.IOErr(err, "remote: build request")
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, tgerror.IOErr(err, "remote: GET %s", req.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, tgerror.NotFoundf("remote: process %s not found", target)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, tgerror.IOErr(fmt.Errorf("status %d", resp.StatusCode), "remote: GET %s", req.URL)
	}
	var rec process.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, tgerror.IOErr(err, "remote: decode process record")
	}
	return &rec, nil
}

// Dequeue implements runtime.RemoteQueue, letting a Dispatcher race
// this peer's queue against its own (spec §4.7): it calls the peer's
// POST /builds/dequeue, treating 204 No Content as "nothing ready".
func (h *RemoteHandle) Dequeue(ctx context.Context) (*process.Record, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url("/builds/dequeue"), nil)
	if err != nil {
		return nil, false, tgerror.IOErr(err, "remote: build request")
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, false, tgerror.IOErr(err, "remote: POST %s", req.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, tgerror.IOErr(fmt.Errorf("status %d", resp.StatusCode), "remote: POST %s", req.URL)
	}
	var rec process.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, false, tgerror.IOErr(err, "remote: decode process record")
	}
	return &rec, true, nil
}

func (h *RemoteHandle) Import(rec *process.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return tgerror.Internalf("remote: marshal process %s: %v", rec.ID, err)
	}
	req, err := http.NewRequest(http.MethodPut, h.url("/builds/%s", rec.ID.String()), bytes.NewReader(data))
	if err != nil {
		return tgerror.IOErr(err, "remote: build request")
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return tgerror.IOErr(err, "remote: PUT %s", req.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return tgerror.IOErr(fmt.Errorf("status %d", resp.StatusCode), "remote: PUT %s", req.URL)
	}
	return nil
}

func (h *RemoteHandle) url(format string, args ...any) string {
	return h.BaseURL + fmt.Sprintf(format, args...)
}

func parseHeaderInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
