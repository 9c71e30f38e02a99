package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/tangramd/tangram/internal/blob"
	"github.com/tangramd/tangram/internal/checkin"
	"github.com/tangramd/tangram/internal/checkout"
	"github.com/tangramd/tangram/internal/export"
	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/object"
	"github.com/tangramd/tangram/internal/process"
	"github.com/tangramd/tangram/internal/root"
	"github.com/tangramd/tangram/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "objects.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	packWriter, err := blob.NewPackWriter(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("open pack writer: %v", err)
	}
	builder := blob.NewBuilder(st, packWriter)
	reader := blob.NewReader(st, blob.NewPackReader(filepath.Join(dir, "blobs")))

	processes, err := process.Open(filepath.Join(dir, "processes.db"))
	if err != nil {
		t.Fatalf("open process queue: %v", err)
	}
	t.Cleanup(func() { _ = processes.Close() })

	roots, err := root.Open(filepath.Join(dir, "roots.db"))
	if err != nil {
		t.Fatalf("open root store: %v", err)
	}
	t.Cleanup(func() { _ = roots.Close() })

	return &Server{
		Store:       st,
		Blobs:       reader,
		Builder:     builder,
		Processes:   processes,
		Logs:        process.NewLogStore(filepath.Join(dir, "logs")),
		Roots:       roots,
		Tags:        checkin.NewTagIndex(),
		Checkout:    checkout.NewEngine(st, reader),
		Bundler:     checkout.NewBundler(st),
		CheckinPath: dir,
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.NewRouter())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Fatalf("expected %s header to be set", RequestIDHeader)
	}
}

func TestObjectPutThenGet(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.NewRouter())
	defer ts.Close()

	leafData := []byte("hello world")
	leafID := id.New(id.KindLeaf, leafData)

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/objects/"+leafID.String(), bytes.NewReader(leafData))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /objects: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on put, got %d", resp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/objects/" + leafID.String())
	if err != nil {
		t.Fatalf("GET /objects: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d", getResp.StatusCode)
	}
	if getResp.Header.Get("X-Tangram-Complete") != "true" {
		t.Fatalf("expected leaf object to report complete")
	}
}

func TestObjectGetMissingReturns404(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.NewRouter())
	defer ts.Close()

	missing := id.New(id.KindLeaf, []byte("never stored"))
	resp, err := http.Get(ts.URL + "/objects/" + missing.String())
	if err != nil {
		t.Fatalf("GET /objects: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRootSetGetDelete(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.NewRouter())
	defer ts.Close()

	target := id.New(id.KindDirectory, []byte(`{"entries":{}}`))
	body, _ := json.Marshal(rootPutBody{ID: target})

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/roots/main", bytes.NewReader(body))
	putResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /roots/main: %v", err)
	}
	putResp.Body.Close()
	if putResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", putResp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/roots/main")
	if err != nil {
		t.Fatalf("GET /roots/main: %v", err)
	}
	defer getResp.Body.Close()
	var decoded map[string]id.ID
	if err := json.NewDecoder(getResp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode root response: %v", err)
	}
	if decoded["id"].String() != target.String() {
		t.Fatalf("expected root to point at %s, got %s", target, decoded["id"])
	}

	delReq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/roots/main", nil)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("DELETE /roots/main: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", delResp.StatusCode)
	}

	goneResp, err := http.Get(ts.URL + "/roots/main")
	if err != nil {
		t.Fatalf("GET /roots/main after delete: %v", err)
	}
	defer goneResp.Body.Close()
	if goneResp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", goneResp.StatusCode)
	}
}

func TestBuildCreateThenGet(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.NewRouter())
	defer ts.Close()

	executable := id.New(id.KindFile, []byte("cmd"))
	commandData, _ := object.CanonicalBytes(id.KindCommand, &object.Command{Host: "x86_64-linux", Executable: &executable})
	commandID := id.New(id.KindCommand, commandData)
	processID := id.New(id.KindProcess, []byte("unique-process-seed"))

	createBody, _ := json.Marshal(createBuildBody{ID: processID, Host: "x86_64-linux", CommandID: commandID})
	createResp, err := http.Post(ts.URL+"/builds", "application/json", bytes.NewReader(createBody))
	if err != nil {
		t.Fatalf("POST /builds: %v", err)
	}
	defer createResp.Body.Close()
	if createResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 creating build, got %d", createResp.StatusCode)
	}
	var rec process.Record
	if err := json.NewDecoder(createResp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode created record: %v", err)
	}
	if rec.Status != process.StatusEnqueued {
		t.Fatalf("expected enqueued status, got %s", rec.Status)
	}

	getResp, err := http.Get(ts.URL + "/builds/" + processID.String())
	if err != nil {
		t.Fatalf("GET /builds/{id}: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}
}

func createTestBuild(t *testing.T, ts *httptest.Server) id.ID {
	t.Helper()
	executable := id.New(id.KindFile, []byte("cmd"))
	commandData, _ := object.CanonicalBytes(id.KindCommand, &object.Command{Host: "x86_64-linux", Executable: &executable})
	commandID := id.New(id.KindCommand, commandData)
	processID := id.New(id.KindProcess, []byte("build-seed-"+t.Name()))

	body, _ := json.Marshal(createBuildBody{ID: processID, Host: "x86_64-linux", CommandID: commandID})
	resp, err := http.Post(ts.URL+"/builds", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /builds: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 creating build, got %d", resp.StatusCode)
	}
	return processID
}

func TestBuildListIncludesCounts(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.NewRouter())
	defer ts.Close()

	processID := createTestBuild(t, ts)

	resp, err := http.Get(ts.URL + "/builds")
	if err != nil {
		t.Fatalf("GET /builds: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var listed buildListResponse
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode build list: %v", err)
	}
	if listed.Counts[process.StatusEnqueued] != 1 {
		t.Fatalf("expected one enqueued build in counts, got %v", listed.Counts)
	}
	found := false
	for _, rec := range listed.Builds {
		if rec.ID == processID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected created build %s in the listed builds", processID)
	}
}

func TestBuildStartStatusOutcome(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.NewRouter())
	defer ts.Close()

	processID := createTestBuild(t, ts)

	if _, _, err := srv.Processes.Dequeue(); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	startResp, err := http.Post(ts.URL+"/builds/"+processID.String()+"/start", "application/json", nil)
	if err != nil {
		t.Fatalf("POST start: %v", err)
	}
	defer startResp.Body.Close()
	if startResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 starting build, got %d", startResp.StatusCode)
	}

	statusResp, err := http.Get(ts.URL + "/builds/" + processID.String() + "/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer statusResp.Body.Close()
	var status buildStatusBody
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != process.StatusStarted {
		t.Fatalf("expected started status, got %s", status.Status)
	}

	finishBody, _ := json.Marshal(finishBody{Output: json.RawMessage(`"ok"`)})
	finishResp, err := http.Post(ts.URL+"/builds/"+processID.String()+"/finish", "application/json", bytes.NewReader(finishBody))
	if err != nil {
		t.Fatalf("POST finish: %v", err)
	}
	defer finishResp.Body.Close()
	if finishResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 finishing build, got %d", finishResp.StatusCode)
	}

	outcomeResp, err := http.Get(ts.URL + "/builds/" + processID.String() + "/outcome")
	if err != nil {
		t.Fatalf("GET outcome: %v", err)
	}
	defer outcomeResp.Body.Close()
	var outcome buildOutcomeBody
	if err := json.NewDecoder(outcomeResp.Body).Decode(&outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if outcome.Status != process.StatusSucceeded {
		t.Fatalf("expected succeeded outcome, got %s", outcome.Status)
	}
}

func TestBuildLogAppendAndRead(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.NewRouter())
	defer ts.Close()

	processID := createTestBuild(t, ts)

	appendResp, err := http.Post(ts.URL+"/builds/"+processID.String()+"/log", "application/octet-stream", bytes.NewReader([]byte("hello log\n")))
	if err != nil {
		t.Fatalf("POST log: %v", err)
	}
	defer appendResp.Body.Close()
	if appendResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 appending log, got %d", appendResp.StatusCode)
	}

	readResp, err := http.Get(ts.URL + "/builds/" + processID.String() + "/log?length=1024")
	if err != nil {
		t.Fatalf("GET log: %v", err)
	}
	defer readResp.Body.Close()
	data, err := io.ReadAll(readResp.Body)
	if err != nil {
		t.Fatalf("read log body: %v", err)
	}
	if string(data) != "hello log\n" {
		t.Fatalf("expected appended log contents, got %q", data)
	}
}

func TestObjectPushPullRoundTrip(t *testing.T) {
	dstSrv := newTestServer(t)
	dstTS := httptest.NewServer(dstSrv.NewRouter())
	defer dstTS.Close()

	leaf := []byte("pushed leaf contents")
	leafID := id.New(id.KindLeaf, leaf)

	var body bytes.Buffer
	if err := export.WriteEvent(&body, export.Event{Kind: export.KindItem, Item: export.Item{ID: leafID, Data: leaf}}); err != nil {
		t.Fatalf("write item frame: %v", err)
	}
	if err := export.WriteEvent(&body, export.Event{Kind: export.KindEnd}); err != nil {
		t.Fatalf("write end frame: %v", err)
	}

	pushResp, err := http.Post(dstTS.URL+"/objects/"+leafID.String()+"/push", export.ContentType, &body)
	if err != nil {
		t.Fatalf("POST push: %v", err)
	}
	defer pushResp.Body.Close()
	if pushResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from push, got %d", pushResp.StatusCode)
	}

	data, _, ok, err := dstSrv.Store.TryGet(leafID)
	if err != nil {
		t.Fatalf("TryGet after push: %v", err)
	}
	if !ok {
		t.Fatalf("expected pushed object to be present on the destination store")
	}
	if string(data) != string(leaf) {
		t.Fatalf("expected pushed contents to round-trip, got %q", data)
	}

	pullResp, err := http.Post(dstTS.URL+"/objects/"+leafID.String()+"/pull", export.ContentType, nil)
	if err != nil {
		t.Fatalf("POST pull: %v", err)
	}
	defer pullResp.Body.Close()
	if pullResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from pull, got %d", pullResp.StatusCode)
	}
	reader := bufio.NewReader(pullResp.Body)
	ev, err := export.ReadEvent(reader)
	if err != nil {
		t.Fatalf("read pulled item frame: %v", err)
	}
	if ev.Kind != export.KindItem || ev.Item.ID != leafID {
		t.Fatalf("expected the pulled leaf as the first frame, got %+v", ev)
	}
}
