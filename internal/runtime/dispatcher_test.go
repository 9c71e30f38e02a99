package runtime

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/process"
)

func newTestQueue(t *testing.T) *process.Queue {
	t.Helper()
	q, err := process.Open(filepath.Join(t.TempDir(), "processes.db"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestRegistryLookupUnknownHostIsUnsupported(t *testing.T) {
	r := NewRegistry()
	r.Register("js", RuntimeFunc(func(ctx context.Context, processID, commandID id.ID) (json.RawMessage, *process.Exit, error) {
		return json.RawMessage("null"), &process.Exit{}, nil
	}))

	if _, err := r.Lookup("js"); err != nil {
		t.Fatalf("lookup known host: %v", err)
	}
	if _, err := r.Lookup("aarch64-linux"); err == nil {
		t.Fatalf("expected unsupported error for unregistered host")
	}
}

func TestDispatcherRunsDequeuedProcessToSuccess(t *testing.T) {
	q := newTestQueue(t)
	registry := NewRegistry()

	zero := int32(0)
	registry.Register("js", RuntimeFunc(func(ctx context.Context, processID, commandID id.ID) (json.RawMessage, *process.Exit, error) {
		return json.RawMessage(`"ok"`), &process.Exit{Code: &zero}, nil
	}))

	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	d := NewDispatcher(q, registry, cfg)

	commandID := id.New(id.KindCommand, []byte(`{"host":"js"}`))
	processID := id.New(id.KindProcess, []byte(t.Name()))
	if _, err := q.Create(processID, "js", commandID); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := q.Enqueue(processID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		rec, err := q.Get(processID)
		if err == nil && rec.Status == process.StatusSucceeded {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process did not reach succeeded before deadline")
}

func TestDispatcherMarksUnsupportedHostFailed(t *testing.T) {
	q := newTestQueue(t)
	registry := NewRegistry() // no runtimes registered

	d := NewDispatcher(q, registry, DefaultConfig())

	commandID := id.New(id.KindCommand, []byte(`{"host":"mystery"}`))
	processID := id.New(id.KindProcess, []byte(t.Name()))
	if _, err := q.Create(processID, "mystery", commandID); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := q.Enqueue(processID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		rec, err := q.Get(processID)
		if err == nil && rec.Status == process.StatusFailed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process did not reach failed before deadline")
}
