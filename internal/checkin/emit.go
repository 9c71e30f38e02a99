package checkin

import (
	"path/filepath"

	"github.com/tangramd/tangram/internal/blob"
	"github.com/tangramd/tangram/internal/graph"
	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/object"
	"github.com/tangramd/tangram/internal/store"
	"github.com/tangramd/tangram/internal/tgerror"
)

// Emitter turns a dependency-resolved Arena into graph.Node candidates
// and drives Phase 5 object emission (spec §4.5): "Bottom-up, for each
// input node: compute its object form... Store leaves/branches/blobs
// for file contents, then files/directories/symlinks."
type Emitter struct {
	Store   *store.Store
	Builder *blob.Builder

	// Tags and WalkIgnore are used only when a symlink escapes its
	// arena's root (spec §4.5 Phase 1): resolving it means walking and
	// emitting whichever sibling root actually contains the target, so
	// the Emitter needs enough of check-in's own configuration to do
	// that walk itself. Tags may be nil (the sibling root is then
	// walked with no tag resolution available).
	Tags       *TagIndex
	WalkIgnore bool

	externalRoots  map[string]*externalRoot
	resolvingRoots map[string]bool
}

// NewEmitter creates an Emitter writing through st and builder. tags
// and walkIgnore configure resolution of symlinks that escape their
// package root (spec §4.5 Phase 1); pass nil/false if that path will
// never be exercised (e.g. a caller emitting a pre-validated arena
// with no escaping symlinks).
func NewEmitter(st *store.Store, builder *blob.Builder, tags *TagIndex, walkIgnore bool) *Emitter {
	return &Emitter{Store: st, Builder: builder, Tags: tags, WalkIgnore: walkIgnore}
}

// ProgressFunc receives a running tally during Emit.
type ProgressFunc func(objectsScanned, bytesHashed int64)

// Emit runs Phase 5 for every node in arena, given externalRefs
// (Phase 4's resolved tag -> artifact ID, keyed by the reference's
// raw import string) and returns the root artifact ID (arena.Nodes[0]).
func (e *Emitter) Emit(arena *Arena, externalRefs map[string]id.ID, progress ProgressFunc) (id.ID, error) {
	results, err := e.emitAll(arena, externalRefs, progress)
	if err != nil {
		return id.ID{}, err
	}
	rootKey := arena.Key(0)
	root, ok := results[rootKey]
	if !ok {
		return id.ID{}, tgerror.Internalf("check-in: no emitted result for root %q", rootKey)
	}
	return root, nil
}

// emitAll runs Phase 5 for every node in arena and returns every
// node's emitted ID, keyed by its arena path — not just the root's,
// so a sibling root reached through an escaping symlink can look up
// the specific node a symlink resolved to.
func (e *Emitter) emitAll(arena *Arena, externalRefs map[string]id.ID, progress ProgressFunc) (map[string]id.ID, error) {
	nodes := make([]*graph.Node, len(arena.Nodes))
	var objectsScanned, bytesHashed int64

	for i, n := range arena.Nodes {
		gn := &graph.Node{Key: arena.Key(i)}
		switch {
		case n.IsDir:
			gn.Kind = object.NodeDirectory
			gn.Entries = make(map[string]graph.EdgeTarget, len(n.DirEntries))
			for name, childIdx := range n.DirEntries {
				gn.Entries[name] = graph.EdgeTarget{Internal: arena.Key(childIdx)}
			}

		case n.IsSymlink:
			gn.Kind = object.NodeSymlink
			switch {
			case n.EscapesRoot:
				resolved, err := e.resolveEscapingSymlink(n)
				if err != nil {
					return nil, err
				}
				target := graph.EdgeTarget{External: &resolved}
				gn.SymlinkArtifact = &target
			case symlinkTargetIndex(arena, n) >= 0:
				target := graph.EdgeTarget{Internal: arena.Key(symlinkTargetIndex(arena, n))}
				gn.SymlinkArtifact = &target
			default:
				target := n.SymlinkTarget
				gn.SymlinkPath = &target
			}

		default:
			gn.Kind = object.NodeFile
			gn.Executable = n.Executable
			blobID, size, err := e.Builder.Build(n.Contents)
			if err != nil {
				return nil, tgerror.IOErr(err, "build blob for %q", n.Path)
			}
			gn.Contents = blobID
			bytesHashed += size

			gn.Dependencies = make(map[string]graph.DependencyEdge, len(n.References))
			for _, ref := range n.References {
				switch ref.Kind {
				case ReferenceInternal:
					gn.Dependencies[ref.Raw] = graph.DependencyEdge{
						Target: graph.EdgeTarget{Internal: arena.Key(ref.TargetIndex)},
					}
				case ReferenceTag:
					resolved, ok := externalRefs[ref.Raw]
					if !ok {
						return nil, tgerror.NotFoundf("unresolved tagged dependency %q in %q", ref.Raw, n.Path)
					}
					tag := ref.Constraint
					gn.Dependencies[ref.Raw] = graph.DependencyEdge{
						Target: graph.EdgeTarget{External: &resolved},
						Tag:    &tag,
					}
				default:
					return nil, tgerror.Invalidf("unresolved reference %q in %q", ref.Raw, n.Path)
				}
			}
		}

		nodes[i] = gn
		objectsScanned++
		if progress != nil {
			progress(objectsScanned, bytesHashed)
		}
	}

	put := func(kind id.Kind, canonical []byte) (id.ID, error) {
		objID := id.New(kind, canonical)
		if _, err := e.Store.Put(objID, canonical); err != nil {
			return id.ID{}, err
		}
		return objID, nil
	}

	results, err := graph.Emit(nodes, put)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]id.ID, len(results))
	for key, res := range results {
		ids[key] = res.ID
	}
	return ids, nil
}

// symlinkTargetIndex returns the arena index a symlink's resolved
// target points at, or -1 if the symlink escapes the root or its
// target was not visited (e.g. it points outside any walked directory).
func symlinkTargetIndex(arena *Arena, n *Node) int {
	if n.EscapesRoot || n.ResolvedTarget == "" {
		return -1
	}
	if idx, ok := arena.byPath[n.ResolvedTarget]; ok {
		return idx
	}
	return -1
}

// externalRoot caches one sibling root's full walk+emit result, so
// every escaping symlink into the same external tree shares one walk.
type externalRoot struct {
	arena *Arena
	ids   map[string]id.ID
}

// resolveEscapingSymlink implements spec §4.5 Phase 1's "an escaping
// symlink resolves against whichever root actually contains it",
// matching original_source's `find_root`/`roots` bookkeeping: it finds
// the package root that owns n.ResolvedTarget, walks and emits that
// root if it hasn't been already (memoized in e.externalRoots, cycle
// detected via e.resolvingRoots), and returns the specific node's
// emitted ID — which may be the sibling root itself or any node within
// it, not just its top level.
func (e *Emitter) resolveEscapingSymlink(n *Node) (id.ID, error) {
	target := canonicalizeQuiet(n.ResolvedTarget)

	rootPath, err := FindPackageRoot(target)
	if err != nil {
		return id.ID{}, err
	}

	root, err := e.resolveExternalRoot(rootPath)
	if err != nil {
		return id.ID{}, err
	}

	resolved, ok := root.ids[target]
	if !ok {
		return id.ID{}, tgerror.NotFoundf("check-in: external root %q does not contain %q", rootPath, target)
	}
	return resolved, nil
}

// resolveExternalRoot walks and emits the sibling root at rootPath
// (Phases 1, 2, 4, and 5 — no lockfile, since an arbitrary external
// root reached through a symlink carries none of its own), caching
// the result. A rootPath already being resolved higher up the call
// stack means a symlink cycle crosses roots; that fails loudly rather
// than recursing forever.
func (e *Emitter) resolveExternalRoot(rootPath string) (*externalRoot, error) {
	if cached, ok := e.externalRoots[rootPath]; ok {
		return cached, nil
	}
	if e.resolvingRoots[rootPath] {
		return nil, tgerror.Invalidf("check-in: symlink cycle through external root %q", rootPath)
	}
	if e.resolvingRoots == nil {
		e.resolvingRoots = make(map[string]bool)
	}
	e.resolvingRoots[rootPath] = true
	defer delete(e.resolvingRoots, rootPath)

	arena, err := Walk(rootPath, WalkOptions{Ignore: e.WalkIgnore})
	if err != nil {
		return nil, err
	}
	if err := ExtractDependencies(arena); err != nil {
		return nil, err
	}
	externalRefs, _, err := resolveTags(e.Tags, arena, &Lockfile{}, Options{})
	if err != nil {
		return nil, err
	}
	ids, err := e.emitAll(arena, externalRefs, nil)
	if err != nil {
		return nil, err
	}

	result := &externalRoot{arena: arena, ids: ids}
	if e.externalRoots == nil {
		e.externalRoots = make(map[string]*externalRoot)
	}
	e.externalRoots[rootPath] = result
	return result, nil
}

// canonicalizeQuiet resolves any remaining symlinks in path, falling
// back to path unchanged if it can't be resolved (e.g. a dangling
// symlink target) rather than failing emission over it.
func canonicalizeQuiet(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}
