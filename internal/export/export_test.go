package export

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/tangramd/tangram/internal/blob"
	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/object"
	"github.com/tangramd/tangram/internal/store"
)

func TestFrameRoundTrip(t *testing.T) {
	root := id.New(id.KindDirectory, []byte("root"))
	count := int64(3)
	weight := int64(42)

	events := []Event{
		{Kind: KindComplete, Complete: Complete{Kind: "object", ID: root, Count: &count, Weight: &weight}},
		{Kind: KindItem, Item: Item{ID: root, Data: []byte(`{"entries":{}}`)}},
		{Kind: KindEnd},
	}

	var buf bytes.Buffer
	for _, ev := range events {
		if err := WriteEvent(&buf, ev); err != nil {
			t.Fatalf("write event: %v", err)
		}
	}

	r := bufio.NewReader(&buf)
	for i, want := range events {
		got, err := ReadEvent(r)
		if err != nil {
			t.Fatalf("read event %d: %v", i, err)
		}
		if got.Kind != want.Kind {
			t.Fatalf("event %d kind = %v, want %v", i, got.Kind, want.Kind)
		}
		switch want.Kind {
		case KindComplete:
			if got.Complete.ID != want.Complete.ID || *got.Complete.Count != *want.Complete.Count {
				t.Fatalf("event %d complete = %+v, want %+v", i, got.Complete, want.Complete)
			}
		case KindItem:
			if got.Item.ID != want.Item.ID || !bytes.Equal(got.Item.Data, want.Item.Data) {
				t.Fatalf("event %d item = %+v, want %+v", i, got.Item, want.Item)
			}
		}
	}

	if _, err := ReadEvent(r); err != io.EOF {
		t.Fatalf("expected io.EOF after the last frame, got %v", err)
	}
}

func TestFrontierCompleteDropsDescendants(t *testing.T) {
	root := id.New(id.KindDirectory, []byte("root"))
	child := id.New(id.KindFile, []byte("child"))
	grandchild := id.New(id.KindLeaf, []byte("grandchild"))

	f := NewFrontier()
	f.Seed([]id.ID{root})
	f.Enqueue(root, []id.ID{child})
	f.Enqueue(child, []id.ID{grandchild})

	f.Complete(root)

	if !f.IsComplete(child) || !f.IsComplete(grandchild) {
		t.Fatalf("expected completing root to cascade to already-discovered descendants")
	}
	if _, ok := f.Next(); ok {
		t.Fatalf("expected an empty frontier after the root completed")
	}
}

func TestFrontierLateCompleteSkipsFutureEnqueue(t *testing.T) {
	root := id.New(id.KindDirectory, []byte("root"))
	child := id.New(id.KindFile, []byte("child"))

	f := NewFrontier()
	f.Seed([]id.ID{root})
	f.Complete(root) // consumer already has this subtree before the producer walks it

	// The producer discovers root's children only after the Complete
	// event arrived; they must not be (re-)enqueued.
	f.Enqueue(root, []id.ID{child})

	if _, ok := f.Next(); ok {
		t.Fatalf("expected child to be dropped, not enqueued, for an already-complete parent")
	}
}

func openFixtureStore(t *testing.T, dir string) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(dir, "objects.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestExportImportRoundTrip(t *testing.T) {
	producer := openFixtureStore(t, t.TempDir())
	pack, err := blob.NewPackWriter(t.TempDir())
	if err != nil {
		t.Fatalf("open pack writer: %v", err)
	}
	t.Cleanup(func() { _ = pack.Close() })
	builder := blob.NewBuilder(producer, pack)

	contents, _, err := builder.Build([]byte("hello\n"))
	if err != nil {
		t.Fatalf("build blob: %v", err)
	}

	fileData, err := object.CanonicalBytes(id.KindFile, &object.File{Contents: contents})
	if err != nil {
		t.Fatalf("canonicalize file: %v", err)
	}
	fileID := id.New(id.KindFile, fileData)
	if _, err := producer.Put(fileID, fileData); err != nil {
		t.Fatalf("put file: %v", err)
	}

	dirData, err := object.CanonicalBytes(id.KindDirectory, &object.Directory{Entries: map[string]id.ID{"a.txt": fileID}})
	if err != nil {
		t.Fatalf("canonicalize directory: %v", err)
	}
	dirID := id.New(id.KindDirectory, dirData)
	if _, err := producer.Put(dirID, dirData); err != nil {
		t.Fatalf("put directory: %v", err)
	}

	consumer := openFixtureStore(t, t.TempDir())

	exporter := NewExporter(producer, nil)
	importer := NewImporter(consumer, nil)

	pr, pw := io.Pipe()
	incoming := make(chan Complete, 8)
	outgoing := make(chan Complete, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exportDone := make(chan error, 1)
	go func() {
		err := exporter.Export(ctx, pw, []id.ID{dirID}, incoming)
		pw.CloseWithError(err)
		exportDone <- err
	}()

	importDone := make(chan error, 1)
	go func() {
		importDone <- importer.Import(ctx, bufio.NewReader(pr), outgoing)
	}()

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for c := range outgoing {
			select {
			case incoming <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := <-exportDone; err != nil {
		t.Fatalf("export: %v", err)
	}
	if err := <-importDone; err != nil {
		t.Fatalf("import: %v", err)
	}
	close(outgoing)
	<-forwardDone

	data, _, ok, err := consumer.TryGet(dirID)
	if err != nil {
		t.Fatalf("read directory from consumer: %v", err)
	}
	if !ok {
		t.Fatalf("expected the directory to have been imported")
	}
	if !bytes.Equal(data, dirData) {
		t.Fatalf("imported directory bytes differ from the original")
	}

	if _, _, ok, err := consumer.TryGet(fileID); err != nil || !ok {
		t.Fatalf("expected the file to have been imported: ok=%v err=%v", ok, err)
	}
}
