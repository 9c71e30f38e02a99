package blob

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "objects.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBuildSmallContentIsSingleLeaf(t *testing.T) {
	s := newTestStore(t)
	b := NewBuilder(s, nil)

	content := []byte("hello\n")
	root, size, err := b.Build(content)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if root.Kind != id.KindLeaf {
		t.Fatalf("expected a leaf root for small content, got kind %s", root.Kind)
	}
	if size != int64(len(content)) {
		t.Fatalf("size = %d, want %d", size, len(content))
	}
}

func TestBuildLargeContentHasBranchRootAndRoundTrips(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	pack, err := NewPackWriter(dir)
	if err != nil {
		t.Fatalf("new pack writer: %v", err)
	}
	b := NewBuilder(s, pack)

	content := bytes.Repeat([]byte{0x00}, 200_000)
	root, size, err := b.Build(content)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := pack.Close(); err != nil {
		t.Fatalf("close pack: %v", err)
	}
	if size != int64(len(content)) {
		t.Fatalf("length(blob) = %d, want %d", size, len(content))
	}
	if root.Kind != id.KindBranch {
		t.Fatalf("expected a branch root for 200000 zero bytes, got kind %s", root.Kind)
	}

	reader := NewReader(s, NewPackReader(dir))
	t.Cleanup(func() { _ = reader.Pack.Close() })

	got, err := reader.Read(root, 100_000, 4096)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 4096 {
		t.Fatalf("read returned %d bytes, want 4096", len(got))
	}
	for _, b := range got {
		if b != 0x00 {
			t.Fatalf("expected all zero bytes")
		}
	}

	full, err := reader.Read(root, 0, size)
	if err != nil {
		t.Fatalf("read full: %v", err)
	}
	if !bytes.Equal(full, content) {
		t.Fatalf("round-tripped content does not match original")
	}
}

func TestBuildEmptyContent(t *testing.T) {
	s := newTestStore(t)
	b := NewBuilder(s, nil)

	root, size, err := b.Build(nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if size != 0 {
		t.Fatalf("size = %d, want 0", size)
	}
	if root.Kind != id.KindLeaf {
		t.Fatalf("expected empty content to be a single leaf")
	}
}

func TestBuildDeterministicAcrossChunkingRuns(t *testing.T) {
	s1 := newTestStore(t)
	s2 := newTestStore(t)
	content := bytes.Repeat([]byte("tangram-chunk-test-data "), 10_000)

	root1, _, err := NewBuilder(s1, nil).Build(content)
	if err != nil {
		t.Fatalf("build 1: %v", err)
	}
	root2, _, err := NewBuilder(s2, nil).Build(content)
	if err != nil {
		t.Fatalf("build 2: %v", err)
	}
	if root1 != root2 {
		t.Fatalf("identical content produced different blob IDs: %s vs %s", root1, root2)
	}
}

func TestPackWriterAndReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewPackWriter(dir)
	if err != nil {
		t.Fatalf("new pack writer: %v", err)
	}
	loc, err := w.Append([]byte("packed bytes"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r := NewPackReader(dir)
	defer r.Close()
	got, err := r.Read(loc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "packed bytes" {
		t.Fatalf("got %q", got)
	}
}
