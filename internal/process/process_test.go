package process

import (
	"path/filepath"
	"testing"

	"github.com/tangramd/tangram/internal/id"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "processes.db"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func randomProcessID(t *testing.T) id.ID {
	t.Helper()
	return id.New(id.KindProcess, []byte(t.Name()))
}

func TestEnqueueDequeueHeartbeatFinishSucceeds(t *testing.T) {
	q := newTestQueue(t)
	commandID := id.New(id.KindCommand, []byte(`{"host":"js"}`))
	processID := randomProcessID(t)

	if _, err := q.Create(processID, "js", commandID); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := q.Enqueue(processID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec, ok, err := q.Dequeue()
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if rec.ID != processID {
		t.Fatalf("dequeued wrong process")
	}

	if _, err := q.Start(processID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := q.Touch(processID); err != nil {
		t.Fatalf("heartbeat 1: %v", err)
	}
	if _, err := q.Touch(processID); err != nil {
		t.Fatalf("heartbeat 2: %v", err)
	}

	zero := int32(0)
	final, err := q.Finish(processID, []byte("null"), &Exit{Code: &zero}, nil)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if final.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", final.Status)
	}

	got, err := q.Get(processID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Fatalf("wait returns %s, want succeeded", got.Status)
	}
}

func TestFinishNonZeroExitFails(t *testing.T) {
	q := newTestQueue(t)
	commandID := id.New(id.KindCommand, []byte(`{"host":"js"}`))
	processID := randomProcessID(t)
	if _, err := q.Create(processID, "js", commandID); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := q.Enqueue(processID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := q.Dequeue(); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := q.Start(processID); err != nil {
		t.Fatalf("start: %v", err)
	}

	one := int32(1)
	final, err := q.Finish(processID, nil, &Exit{Code: &one}, nil)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
}

func TestStartRefusedBeforeDequeue(t *testing.T) {
	q := newTestQueue(t)
	commandID := id.New(id.KindCommand, []byte(`{"host":"js"}`))
	processID := randomProcessID(t)
	if _, err := q.Create(processID, "js", commandID); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := q.Start(processID); err == nil {
		t.Fatalf("expected Start to fail before Enqueue/Dequeue")
	}
}

func TestAppendChildPublishesToSubscribers(t *testing.T) {
	q := newTestQueue(t)
	commandID := id.New(id.KindCommand, []byte(`{"host":"js"}`))
	parent := randomProcessID(t)
	if _, err := q.Create(parent, "js", commandID); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, live, unsubscribe := q.Children(parent)
	defer unsubscribe()

	child := id.New(id.KindProcess, []byte("child"))
	if err := q.AppendChild(parent, child); err != nil {
		t.Fatalf("append child: %v", err)
	}

	select {
	case got := <-live:
		if got != child {
			t.Fatalf("got child %s, want %s", got, child)
		}
	default:
		t.Fatalf("expected child append to be published immediately")
	}
}
