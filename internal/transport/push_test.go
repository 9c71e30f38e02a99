package transport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/object"
	"github.com/tangramd/tangram/internal/process"
	"github.com/tangramd/tangram/internal/store"
)

func newFixtureHandle(t *testing.T) *LocalHandle {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "objects.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	q, err := process.Open(filepath.Join(dir, "processes.db"))
	if err != nil {
		t.Fatalf("open process queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	return NewLocalHandle(st, q)
}

func putObject(t *testing.T, h *LocalHandle, kind id.Kind, v any) id.ID {
	t.Helper()
	data, err := object.CanonicalBytes(kind, v)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	objID := id.New(kind, data)
	if _, err := h.Store.Put(objID, data); err != nil {
		t.Fatalf("put: %v", err)
	}
	return objID
}

func TestPushReplicatesObjectTree(t *testing.T) {
	src := newFixtureHandle(t)
	dst := newFixtureHandle(t)

	fileID := putObject(t, src, id.KindFile, &object.File{Contents: id.New(id.KindLeaf, []byte("hi"))})
	src.Store.Put(id.New(id.KindLeaf, []byte("hi")), []byte("hi"))
	dirID := putObject(t, src, id.KindDirectory, &object.Directory{Entries: map[string]id.ID{"a.txt": fileID}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := Push(ctx, src, dst, []id.ID{dirID}); err != nil {
		t.Fatalf("push: %v", err)
	}

	data, _, ok, err := dst.Store.TryGet(dirID)
	if err != nil || !ok {
		t.Fatalf("expected directory on destination: ok=%v err=%v", ok, err)
	}
	srcData, _, _, _ := src.Store.TryGet(dirID)
	if string(data) != string(srcData) {
		t.Fatalf("replicated directory bytes differ")
	}
	if _, _, ok, _ := dst.Store.TryGet(fileID); !ok {
		t.Fatalf("expected file on destination")
	}
}

func TestPullReplicatesIntoLocal(t *testing.T) {
	remote := newFixtureHandle(t)
	local := newFixtureHandle(t)

	leaf := id.New(id.KindLeaf, []byte("data"))
	remote.Store.Put(leaf, []byte("data"))
	fileID := putObject(t, remote, id.KindFile, &object.File{Contents: leaf})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := Pull(ctx, local, remote, []id.ID{fileID}); err != nil {
		t.Fatalf("pull: %v", err)
	}

	if _, _, ok, err := local.Store.TryGet(fileID); err != nil || !ok {
		t.Fatalf("expected file pulled into local: ok=%v err=%v", ok, err)
	}
}
