package checkin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tangramd/tangram/internal/blob"
	"github.com/tangramd/tangram/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "objects.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	pack, err := blob.NewPackWriter(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("open pack writer: %v", err)
	}
	t.Cleanup(func() { _ = pack.Close() })

	builder := blob.NewBuilder(st, pack)
	return NewEngine(st, builder, NewTagIndex())
}

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, contents := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir for %q: %v", rel, err)
		}
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			t.Fatalf("write %q: %v", rel, err)
		}
	}
	return root
}

func drain(t *testing.T, events <-chan Progress) Progress {
	t.Helper()
	var last Progress
	deadline := time.After(2 * time.Second)
	for {
		select {
		case p, ok := <-events:
			if !ok {
				return last
			}
			last = p
		case <-deadline:
			t.Fatalf("check-in did not finish within deadline")
		}
	}
}

func TestCheckInSingleFile(t *testing.T) {
	engine := newTestEngine(t)
	root := writeProject(t, map[string]string{
		"tangram.ts": "export default 1;\n",
	})

	final := drain(t, engine.Run(context.Background(), Options{Path: root}))
	if final.Err != nil {
		t.Fatalf("check-in failed: %v", final.Err)
	}
	if final.ArtifactID == nil {
		t.Fatalf("expected final event to carry an artifact ID")
	}
}

func TestCheckInResolvesRelativeImport(t *testing.T) {
	engine := newTestEngine(t)
	root := writeProject(t, map[string]string{
		"tangram.ts": `import "./lib.ts";` + "\n",
		"lib.ts":     "export const x = 1;\n",
	})

	final := drain(t, engine.Run(context.Background(), Options{Path: root}))
	if final.Err != nil {
		t.Fatalf("check-in failed: %v", final.Err)
	}
	if final.ArtifactID == nil {
		t.Fatalf("expected an artifact ID")
	}
}

func TestCheckInIgnoresMatchedFiles(t *testing.T) {
	engine := newTestEngine(t)
	root := writeProject(t, map[string]string{
		"tangram.ts": "export default 1;\n",
		".tgignore":  "*.log\n",
		"debug.log":  "should not be walked\n",
	})

	arena, err := Walk(root, WalkOptions{Ignore: true})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	for _, n := range arena.Nodes {
		if n.Name == "debug.log" {
			t.Fatalf("expected debug.log to be ignored")
		}
	}

	final := drain(t, engine.Run(context.Background(), Options{Path: root, Ignore: true}))
	if final.Err != nil {
		t.Fatalf("check-in failed: %v", final.Err)
	}
}

func TestCheckInUnresolvedTagFails(t *testing.T) {
	engine := newTestEngine(t)
	root := writeProject(t, map[string]string{
		"tangram.ts": `import "some-package@1.0.0";` + "\n",
	})

	final := drain(t, engine.Run(context.Background(), Options{Path: root}))
	if final.Err == nil {
		t.Fatalf("expected failure for an unpublished tagged dependency")
	}
}

func TestCheckInResolvesSymlinkEscapingRoot(t *testing.T) {
	engine := newTestEngine(t)

	base := t.TempDir()
	external := writeProject(t, map[string]string{
		"root.tg":  "export default 2;\n",
		"data.txt": "external contents\n",
	})
	// writeProject roots external under its own t.TempDir(), so move
	// it under base to get a realistic "sibling directory" layout.
	externalUnderBase := filepath.Join(base, "external")
	if err := os.Rename(external, externalUnderBase); err != nil {
		t.Fatalf("move external project: %v", err)
	}

	root := filepath.Join(base, "project")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir project: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "tangram.ts"), []byte("export default 1;\n"), 0o644); err != nil {
		t.Fatalf("write tangram.ts: %v", err)
	}
	linkPath := filepath.Join(root, "link-out")
	if err := os.Symlink(filepath.Join(externalUnderBase, "data.txt"), linkPath); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	final := drain(t, engine.Run(context.Background(), Options{Path: root}))
	if final.Err != nil {
		t.Fatalf("check-in failed: %v", final.Err)
	}
	if final.ArtifactID == nil {
		t.Fatalf("expected an artifact ID")
	}

	arena, err := Walk(root, WalkOptions{})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	var link *Node
	for _, n := range arena.Nodes {
		if n.Name == "link-out" {
			link = n
		}
	}
	if link == nil {
		t.Fatalf("expected to find link-out in the arena")
	}
	if !link.EscapesRoot {
		t.Fatalf("expected link-out to be marked as escaping the root")
	}

	emitter := NewEmitter(engine.Store, engine.Builder, engine.Tags, false)
	resolved, err := emitter.resolveEscapingSymlink(link)
	if err != nil {
		t.Fatalf("resolveEscapingSymlink: %v", err)
	}
	if resolved.IsZero() {
		t.Fatalf("expected a resolved content ID for the escaping symlink")
	}
}

func TestCheckInResolvesTaggedDependencyFromIndex(t *testing.T) {
	engine := newTestEngine(t)
	_, _, err := engine.Tags.Resolve("some-package", "")
	if err == nil {
		t.Fatalf("expected the package to start out unpublished")
	}
	published, _, putErr := engine.Builder.Build([]byte("published content"))
	if putErr != nil {
		t.Fatalf("build published blob: %v", putErr)
	}
	engine.Tags.Put("some-package", "1.0.0", published)

	root := writeProject(t, map[string]string{
		"tangram.ts": `import "some-package@1.0.0";` + "\n",
	})

	final := drain(t, engine.Run(context.Background(), Options{Path: root}))
	if final.Err != nil {
		t.Fatalf("check-in failed: %v", final.Err)
	}
	if final.ArtifactID == nil {
		t.Fatalf("expected an artifact ID")
	}
}
