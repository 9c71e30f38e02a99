package checkin

import (
	"context"
	"path/filepath"

	"github.com/tangramd/tangram/internal/blob"
	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/store"
	"github.com/tangramd/tangram/internal/tgerror"
)

// Options configures one check-in (spec §4.5 Input).
type Options struct {
	Path          string
	Destructive   bool
	Deterministic bool
	Ignore        bool
	Locked        bool
	Lockfile      bool
}

// Progress is one event in check-in's progress stream (spec §4.5:
// "a stream of {phase, objects_scanned, bytes_hashed} progress
// events; the final event carries the artifact ID").
type Progress struct {
	Phase          string
	ObjectsScanned int64
	BytesHashed    int64
	ArtifactID     *id.ID
	Err            error
}

// Engine drives the full five-phase check-in pipeline over a single
// object store, blob builder, and tag index.
type Engine struct {
	Store   *store.Store
	Builder *blob.Builder
	Tags    *TagIndex
}

// NewEngine creates a check-in Engine.
func NewEngine(st *store.Store, builder *blob.Builder, tags *TagIndex) *Engine {
	return &Engine{Store: st, Builder: builder, Tags: tags}
}

// Run executes check-in and streams progress events on the returned
// channel, which is closed after the final event (either "complete"
// with ArtifactID set, or "failed" with Err set).
func (e *Engine) Run(ctx context.Context, opts Options) <-chan Progress {
	events := make(chan Progress, 16)
	go func() {
		defer close(events)
		artifactID, err := e.run(ctx, opts, events)
		if err != nil {
			events <- Progress{Phase: "failed", Err: err}
			return
		}
		events <- Progress{Phase: "complete", ArtifactID: &artifactID}
	}()
	return events
}

func (e *Engine) run(ctx context.Context, opts Options, events chan<- Progress) (id.ID, error) {
	root, err := FindPackageRoot(opts.Path)
	if err != nil {
		return id.ID{}, err
	}

	events <- Progress{Phase: "input_graph"}
	arena, err := Walk(root, WalkOptions{Ignore: opts.Ignore})
	if err != nil {
		return id.ID{}, err
	}
	events <- Progress{Phase: "input_graph", ObjectsScanned: int64(len(arena.Nodes))}

	select {
	case <-ctx.Done():
		return id.ID{}, ctx.Err()
	default:
	}

	events <- Progress{Phase: "dependencies"}
	if err := ExtractDependencies(arena); err != nil {
		return id.ID{}, err
	}

	events <- Progress{Phase: "lockfile"}
	lockPath, hasLock, err := FindLockfile(root, root)
	if err != nil {
		return id.ID{}, err
	}
	lockfile := &Lockfile{}
	if hasLock {
		lockfile, err = LoadLockfile(lockPath)
		if err != nil {
			return id.ID{}, err
		}
	}

	events <- Progress{Phase: "tag_resolution"}
	externalRefs, updatedLock, err := resolveTags(e.Tags, arena, lockfile, opts)
	if err != nil {
		return id.ID{}, err
	}
	if opts.Lockfile && !opts.Locked {
		target := lockPath
		if target == "" {
			target = filepath.Join(root, lockfileName)
		}
		if err := Save(target, updatedLock); err != nil {
			return id.ID{}, err
		}
	}

	events <- Progress{Phase: "emission"}
	artifactID, err := NewEmitter(e.Store, e.Builder, e.Tags, opts.Ignore).Emit(arena, externalRefs, func(scanned, hashed int64) {
		events <- Progress{Phase: "emission", ObjectsScanned: scanned, BytesHashed: hashed}
	})
	if err != nil {
		return id.ID{}, err
	}
	return artifactID, nil
}

// resolveTags runs Phase 4 over every ReferenceTag in arena, producing
// the raw-reference -> resolved-artifact map emit.go needs and an
// updated (but not yet written) lockfile. tags may be nil, in which
// case every ReferenceTag is left unresolved (emit.go then reports it
// as a specific failure instead of silently dropping it). A sibling
// root reached through an escaping symlink is resolved with the
// Emitter's Tags, so this applies there when the Emitter was created
// without a tag index.
func resolveTags(tags *TagIndex, arena *Arena, lockfile *Lockfile, opts Options) (map[string]id.ID, *Lockfile, error) {
	externalRefs := make(map[string]id.ID)
	updated := &Lockfile{Dependencies: append([]LockedDependency(nil), lockfile.Dependencies...)}
	if tags == nil {
		return externalRefs, updated, nil
	}

	for _, n := range arena.Nodes {
		for _, ref := range n.References {
			if ref.Kind != ReferenceTag {
				continue
			}

			constraint := ref.Constraint
			if opts.Locked {
				locked, ok := lockfile.Resolved(ref.Name)
				if !ok {
					return nil, nil, tgerror.Conflictf("locked check-in: %q has no lockfile entry", ref.Name)
				}
				constraint = locked
			}

			artifactID, version, err := tags.Resolve(ref.Name, constraint)
			if err != nil {
				return nil, nil, err
			}
			if opts.Locked && !lockfile.Matches(ref.Name, version) {
				return nil, nil, tgerror.Conflictf("locked check-in: %q resolved to %q, lockfile has a different version", ref.Name, version)
			}
			externalRefs[ref.Raw] = artifactID

			if !containsLockedDependency(updated.Dependencies, ref.Name, version) {
				updated.Dependencies = append(updated.Dependencies, LockedDependency{Name: ref.Name, Version: version})
			}
		}
	}
	return externalRefs, updated, nil
}

func containsLockedDependency(deps []LockedDependency, name, version string) bool {
	for _, d := range deps {
		if d.Name == name && d.Version == version {
			return true
		}
	}
	return false
}
