// Package checkout implements Tangram's check-out engine (spec §4.6):
// materializing an artifact (directory, file, or symlink) onto a
// filesystem path.
//
// Two modes are supported. External checkout writes to a user-chosen
// path and requires the artifact to already be self-contained — any
// symlink pointing at another artifact must have been resolved by
// Bundle first, or checkout refuses. Internal checkout writes into the
// shared content cache and freely renders artifact-valued symlinks as
// relative links into sibling cache entries.
package checkout

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tangramd/tangram/internal/blob"
	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/object"
	"github.com/tangramd/tangram/internal/store"
	"github.com/tangramd/tangram/internal/tgerror"
)

// markerFile records which artifact a checkout directory/file currently
// holds, so a later checkout of the same artifact is a cheap no-op
// (spec §4.6 idempotence) without rehashing the whole tree.
const markerFile = ".tangram-checkout"

// epoch is the modification time internal checkouts are stamped with,
// so repeated checkouts of the same artifact are byte-for-byte
// reproducible (spec §4.6).
var epoch = time.Unix(0, 0)

// Options configures one checkout.
type Options struct {
	// Artifact is the object to materialize.
	Artifact id.ID
	// Target is the destination path for an external checkout.
	// Ignored when Internal is set.
	Target string
	// Internal selects cache-directory checkout: Target is computed
	// from CacheDir and Artifact, and artifact-valued symlinks are
	// rendered as relative links into the cache instead of requiring
	// prior bundling.
	Internal bool
	// CacheDir is the shared checkout cache root, required when
	// Internal is set.
	CacheDir string
}

// Engine materializes artifacts onto the filesystem.
type Engine struct {
	Store *store.Store
	Blobs *blob.Reader

	group singleflight.Group
}

// NewEngine creates a checkout Engine reading objects from st and blob
// content through blobs.
func NewEngine(st *store.Store, blobs *blob.Reader) *Engine {
	return &Engine{Store: st, Blobs: blobs}
}

// Checkout materializes opts.Artifact and returns the path it was
// written to. Concurrent checkouts of the same artifact (same
// destination path) share one in-flight materialization (spec §4.6
// concurrency).
func (e *Engine) Checkout(ctx context.Context, opts Options) (string, error) {
	path, err := e.destination(opts)
	if err != nil {
		return "", err
	}

	result, err, _ := e.group.Do(path, func() (any, error) {
		if err := e.checkoutAt(ctx, path, opts); err != nil {
			return "", err
		}
		return path, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (e *Engine) destination(opts Options) (string, error) {
	if opts.Internal {
		if opts.CacheDir == "" {
			return "", tgerror.Invalidf("checkout: internal checkout requires CacheDir")
		}
		return filepath.Join(opts.CacheDir, opts.Artifact.String()), nil
	}
	if opts.Target == "" {
		return "", tgerror.Invalidf("checkout: external checkout requires Target")
	}
	return opts.Target, nil
}

func (e *Engine) checkoutAt(ctx context.Context, path string, opts Options) error {
	if current, ok := readMarker(path); ok && current == opts.Artifact {
		return nil // idempotent: already holds this artifact
	}
	if _, err := os.Lstat(path); err == nil {
		if err := os.RemoveAll(path); err != nil {
			return tgerror.IOErr(err, "remove existing checkout at %q", path)
		}
	} else if !os.IsNotExist(err) {
		return tgerror.IOErr(err, "stat %q", path)
	}

	if !opts.Internal {
		if err := requireSelfContained(e.Store, opts.Artifact); err != nil {
			return err
		}
	}

	m := &materializer{
		ctx:      ctx,
		store:    e.Store,
		blobs:    e.Blobs,
		internal: opts.Internal,
		cacheDir: opts.CacheDir,
		visiting: make(map[id.ID]bool),
	}
	if err := m.materialize(path, opts.Artifact, 0); err != nil {
		_ = os.RemoveAll(path)
		return err
	}
	return writeMarker(path, opts.Artifact)
}

func readMarker(path string) (id.ID, bool) {
	data, err := os.ReadFile(markerPath(path))
	if err != nil {
		return id.ID{}, false
	}
	parsed, err := id.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return id.ID{}, false
	}
	return parsed, true
}

func writeMarker(path string, artifactID id.ID) error {
	return os.WriteFile(markerPath(path), []byte(artifactID.String()), 0o644)
}

// markerPath returns where the idempotence marker for path lives: next
// to a file checkout, inside a directory checkout.
func markerPath(path string) string {
	info, err := os.Lstat(path)
	if err == nil && info.IsDir() {
		return filepath.Join(path, markerFile)
	}
	return path + markerFile
}

type materializer struct {
	ctx      context.Context
	store    *store.Store
	blobs    *blob.Reader
	internal bool
	cacheDir string
	visiting map[id.ID]bool
}

func (m *materializer) materialize(path string, target id.ID, depth int) error {
	select {
	case <-m.ctx.Done():
		return m.ctx.Err()
	default:
	}

	switch target.Kind {
	case id.KindDirectory:
		return m.materializeDirectory(path, target, depth)
	case id.KindFile:
		return m.materializeFile(path, target)
	case id.KindSymlink:
		return m.materializeSymlink(path, target, depth)
	default:
		return tgerror.Invalidf("checkout: %s is not an artifact", target)
	}
}

func (m *materializer) get(target id.ID) (any, error) {
	data, _, ok, err := m.store.TryGet(target)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, tgerror.NotFoundf("checkout: object %s not found", target)
	}
	return object.Decode(target.Kind, data)
}

func (m *materializer) materializeDirectory(path string, target id.ID, depth int) error {
	v, err := m.get(target)
	if err != nil {
		return err
	}
	dir := v.(*object.Directory)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return tgerror.IOErr(err, "mkdir %q", path)
	}

	if dir.GraphRef != nil {
		return m.withGraphCycleGuard(target, path, func() error {
			return m.materializeGraphDirectory(path, *dir.GraphRef, depth)
		})
	}

	names := make([]string, 0, len(dir.Entries))
	for name := range dir.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := m.materialize(filepath.Join(path, name), dir.Entries[name], depth+1); err != nil {
			return err
		}
	}
	if m.internal {
		return os.Chtimes(path, epoch, epoch)
	}
	return nil
}

func (m *materializer) materializeFile(path string, target id.ID) error {
	v, err := m.get(target)
	if err != nil {
		return err
	}
	f := v.(*object.File)
	if f.GraphRef != nil {
		node, _, err := m.loadGraphNode(*f.GraphRef)
		if err != nil {
			return err
		}
		return m.writeGraphFileNode(path, node)
	}
	return m.writeFile(path, f.Contents, f.Executable)
}

func (m *materializer) writeFile(path string, contents id.ID, executable bool) error {
	size, err := m.blobs.Length(contents)
	if err != nil {
		return err
	}
	data, err := m.blobs.Read(contents, 0, size)
	if err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return tgerror.IOErr(err, "write file %q", path)
	}
	if m.internal {
		return os.Chtimes(path, epoch, epoch)
	}
	return nil
}

func (m *materializer) materializeSymlink(path string, target id.ID, depth int) error {
	v, err := m.get(target)
	if err != nil {
		return err
	}
	s := v.(*object.Symlink)
	if s.GraphRef != nil {
		node, graphID, err := m.loadGraphNode(*s.GraphRef)
		if err != nil {
			return err
		}
		return m.writeGraphSymlinkNode(path, graphID, node, depth)
	}
	return m.writeSymlink(path, s.Artifact, s.Path, depth)
}

func (m *materializer) writeSymlink(path string, artifact *id.ID, rel *string, depth int) error {
	var linkTarget string
	switch {
	case artifact != nil && rel != nil:
		anchor, err := m.artifactCacheLink(*artifact, depth)
		if err != nil {
			return err
		}
		linkTarget = filepath.Join(anchor, *rel)
	case artifact != nil:
		anchor, err := m.artifactCacheLink(*artifact, depth)
		if err != nil {
			return err
		}
		linkTarget = anchor
	case rel != nil:
		linkTarget = *rel
	default:
		return tgerror.Invalidf("checkout: symlink has neither artifact nor path")
	}
	if err := os.Symlink(linkTarget, path); err != nil {
		return tgerror.IOErr(err, "symlink %q -> %q", path, linkTarget)
	}
	return nil
}

// artifactCacheLink returns the relative "../../artifact_id" path from
// a node at the given recursion depth into the shared cache directory
// (spec §4.6: "using `../` prefixes equal to the current recursion
// depth"), checking the referenced artifact out into the cache first
// if it isn't already there.
func (m *materializer) artifactCacheLink(artifact id.ID, depth int) (string, error) {
	if !m.internal {
		return "", tgerror.Invalidf("checkout: artifact-valued symlink to %s requires bundling for an external checkout", artifact)
	}
	cachePath := filepath.Join(m.cacheDir, artifact.String())
	if _, ok := readMarker(cachePath); !ok {
		child := &materializer{
			ctx:      m.ctx,
			store:    m.store,
			blobs:    m.blobs,
			internal: true,
			cacheDir: m.cacheDir,
			visiting: make(map[id.ID]bool),
		}
		if err := child.materialize(cachePath, artifact, 0); err != nil {
			return "", err
		}
		if err := writeMarker(cachePath, artifact); err != nil {
			return "", err
		}
	}
	return strings.Repeat("../", depth) + artifact.String(), nil
}

// withGraphCycleGuard detects a directory that recurs into itself
// through a cyclic Graph (spec §4.4): the first visit proceeds
// normally, a re-entrant visit during the same materialize call stops
// recursion. Internal checkouts leave the re-entrant directory in
// place, empty; external checkouts, which cannot contain an infinite
// tree, refuse.
func (m *materializer) withGraphCycleGuard(target id.ID, path string, fn func() error) error {
	if m.visiting[target] {
		if !m.internal {
			return tgerror.Invalidf("checkout: artifact %s is part of a reference cycle and cannot be bundled", target)
		}
		// Re-entrant visit of the same graph-member directory: leave
		// the already-created (empty) directory in place rather than
		// recursing forever. A fully faithful rendering would symlink
		// back to the ancestor's own materialized path; this is the
		// documented simplification (see DESIGN.md) since true
		// self-nesting directory cycles are not a case check-in
		// itself can produce (a directory cannot contain its own
		// entry), only a reachable-through-siblings cycle, which this
		// guard still terminates safely.
		return nil
	}
	m.visiting[target] = true
	defer delete(m.visiting, target)
	return fn()
}

func (m *materializer) loadGraph(graphID id.ID) (*object.Graph, error) {
	data, _, ok, err := m.store.TryGet(graphID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, tgerror.NotFoundf("checkout: graph %s not found", graphID)
	}
	v, err := object.Decode(id.KindGraph, data)
	if err != nil {
		return nil, err
	}
	return v.(*object.Graph), nil
}

func (m *materializer) loadGraphNode(ref object.GraphArtifactRef) (object.GraphNode, id.ID, error) {
	g, err := m.loadGraph(ref.Graph)
	if err != nil {
		return object.GraphNode{}, id.ID{}, err
	}
	if ref.Node < 0 || ref.Node >= len(g.Nodes) {
		return object.GraphNode{}, id.ID{}, tgerror.Internalf("checkout: graph %s has no node %d", ref.Graph, ref.Node)
	}
	return g.Nodes[ref.Node], ref.Graph, nil
}

// resolveRef turns a graph-internal Ref (an index into graphID's own
// node list, or a plain external ID) into the content ID the rest of
// materialize() can dispatch on.
func (m *materializer) resolveRef(graphID id.ID, r object.Ref) (id.ID, error) {
	if r.External != nil {
		return *r.External, nil
	}
	if r.Index != nil {
		g, err := m.loadGraph(graphID)
		if err != nil {
			return id.ID{}, err
		}
		if *r.Index < 0 || *r.Index >= len(g.Nodes) {
			return id.ID{}, tgerror.Internalf("checkout: graph %s has no node %d", graphID, *r.Index)
		}
		kind := nodeIDKind(g.Nodes[*r.Index].Kind)
		return graphMemberID(kind, graphID, *r.Index)
	}
	return id.ID{}, tgerror.Invalidf("checkout: graph reference has neither index nor external id")
}

func (m *materializer) materializeGraphDirectory(path string, ref object.GraphArtifactRef, depth int) error {
	node, graphID, err := m.loadGraphNode(ref)
	if err != nil {
		return err
	}
	if node.Kind != object.NodeDirectory {
		return tgerror.Internalf("checkout: graph node %d is not a directory", ref.Node)
	}
	names := make([]string, 0, len(node.Entries))
	for name := range node.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		childID, err := m.resolveRef(graphID, node.Entries[name])
		if err != nil {
			return err
		}
		if err := m.materialize(filepath.Join(path, name), childID, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (m *materializer) writeGraphFileNode(path string, node object.GraphNode) error {
	if node.Contents == nil {
		return tgerror.Internalf("checkout: graph file node has no contents")
	}
	return m.writeFile(path, *node.Contents, node.Executable)
}

func (m *materializer) writeGraphSymlinkNode(path string, graphID id.ID, node object.GraphNode, depth int) error {
	var artifact *id.ID
	if node.Artifact != nil {
		resolved, err := m.resolveRef(graphID, *node.Artifact)
		if err != nil {
			return err
		}
		artifact = &resolved
	}
	return m.writeSymlink(path, artifact, node.Path, depth)
}

// nodeIDKind maps a GraphNode's union tag to the id.Kind its
// materialized wrapper object would carry.
func nodeIDKind(k object.NodeKind) id.Kind {
	switch k {
	case object.NodeDirectory:
		return id.KindDirectory
	case object.NodeFile:
		return id.KindFile
	case object.NodeSymlink:
		return id.KindSymlink
	default:
		return 0
	}
}

// graphMemberID computes the content ID of the thin wrapper object a
// graph member (Directory/File/Symlink) is itself stored as: its
// canonical bytes are just {graphRef: {graph, node}}, so the ID of any
// node in a graph is derivable without re-deriving the graph itself.
func graphMemberID(kind id.Kind, graphID id.ID, node int) (id.ID, error) {
	ref := &object.GraphArtifactRef{Graph: graphID, Node: node}
	var data []byte
	var err error
	switch kind {
	case id.KindDirectory:
		data, err = object.CanonicalBytes(kind, &object.Directory{GraphRef: ref})
	case id.KindFile:
		data, err = object.CanonicalBytes(kind, &object.File{GraphRef: ref})
	case id.KindSymlink:
		data, err = object.CanonicalBytes(kind, &object.Symlink{GraphRef: ref})
	default:
		return id.ID{}, tgerror.Internalf("checkout: graph member kind %s is not an artifact kind", kind)
	}
	if err != nil {
		return id.ID{}, err
	}
	return id.New(kind, data), nil
}

// requireSelfContained walks target's subtree (directories and plain
// file/symlink leaves only, never descending into blob content) and
// refuses if any symlink references another artifact or any node is a
// graph member — both require a cache to resolve, so an external
// checkout without bundling first cannot materialize them (spec §4.6:
// "refusing if bundling would leave unresolvable references").
func requireSelfContained(st *store.Store, target id.ID) error {
	visited := make(map[id.ID]bool)
	var walk func(id.ID) error
	walk = func(t id.ID) error {
		if visited[t] {
			return nil
		}
		visited[t] = true

		data, _, ok, err := st.TryGet(t)
		if err != nil {
			return err
		}
		if !ok {
			return tgerror.NotFoundf("checkout: object %s not found", t)
		}

		switch t.Kind {
		case id.KindDirectory:
			v, err := object.Decode(id.KindDirectory, data)
			if err != nil {
				return err
			}
			d := v.(*object.Directory)
			if d.GraphRef != nil {
				return tgerror.Invalidf("checkout: %s is part of a reference graph; bundle it before an external checkout", t)
			}
			for _, child := range d.Entries {
				if err := walk(child); err != nil {
					return err
				}
			}
		case id.KindFile:
			v, err := object.Decode(id.KindFile, data)
			if err != nil {
				return err
			}
			if v.(*object.File).GraphRef != nil {
				return tgerror.Invalidf("checkout: %s is part of a reference graph; bundle it before an external checkout", t)
			}
		case id.KindSymlink:
			v, err := object.Decode(id.KindSymlink, data)
			if err != nil {
				return err
			}
			s := v.(*object.Symlink)
			if s.GraphRef != nil || s.Artifact != nil {
				return tgerror.Invalidf("checkout: %s references another artifact; bundle it before an external checkout", t)
			}
		}
		return nil
	}
	return walk(target)
}
