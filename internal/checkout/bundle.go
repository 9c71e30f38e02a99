package checkout

import (
	"fmt"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/object"
	"github.com/tangramd/tangram/internal/store"
	"github.com/tangramd/tangram/internal/tgerror"
)

// embeddedArtifactsDir is where Bundle re-homes a referenced artifact's
// content inside the bundle, so an artifact-valued symlink can be
// rewritten to a plain relative path instead of a cache reference
// (spec §4.6: "rewrite cross-references so they refer only to content
// under the target").
const embeddedArtifactsDir = ".tangram-artifacts"

// Bundler rewrites an artifact into a self-contained form suitable for
// an external checkout, returning the new (differently content-
// addressed) artifact ID.
type Bundler struct {
	Store *store.Store

	embedded   map[id.ID]id.ID // source artifact -> already-embedded directory id, to dedup shared references
	inProgress map[id.ID]bool  // artifacts currently being bundled, to refuse a true reference cycle rather than recurse forever
}

// NewBundler creates a Bundler over st.
func NewBundler(st *store.Store) *Bundler {
	return &Bundler{Store: st, embedded: make(map[id.ID]id.ID), inProgress: make(map[id.ID]bool)}
}

// Bundle rewrites artifact so every reachable artifact-valued symlink
// instead points at a relative path under embeddedArtifactsDir, whose
// content is a copy of the referenced artifact, embedded at the
// nearest ancestor directory of the symlink that references it.
// Graph-member objects (cyclic references) cannot be flattened into a
// finite standalone tree and cause Bundle to refuse, matching
// checkout's own external-checkout restriction.
func (b *Bundler) Bundle(artifact id.ID) (id.ID, error) {
	if b.inProgress[artifact] {
		return id.ID{}, tgerror.Invalidf("bundle: %s is part of a reference cycle and cannot be bundled", artifact)
	}
	b.inProgress[artifact] = true
	defer delete(b.inProgress, artifact)

	switch artifact.Kind {
	case id.KindDirectory:
		return b.bundleDirectory(artifact)
	case id.KindFile:
		return b.bundleFile(artifact)
	case id.KindSymlink:
		return b.bundleSymlinkAsRoot(artifact)
	default:
		return id.ID{}, tgerror.Invalidf("bundle: %s is not an artifact", artifact)
	}
}

func (b *Bundler) object(target id.ID) (any, error) {
	data, _, ok, err := b.Store.TryGet(target)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, tgerror.NotFoundf("bundle: object %s not found", target)
	}
	return object.Decode(target.Kind, data)
}

func (b *Bundler) put(kind id.Kind, v any) (id.ID, error) {
	data, err := object.CanonicalBytes(kind, v)
	if err != nil {
		return id.ID{}, err
	}
	objID := id.New(kind, data)
	if _, err := b.Store.Put(objID, data); err != nil {
		return id.ID{}, err
	}
	return objID, nil
}

func (b *Bundler) bundleDirectory(dirID id.ID) (id.ID, error) {
	v, err := b.object(dirID)
	if err != nil {
		return id.ID{}, err
	}
	dir := v.(*object.Directory)
	if dir.GraphRef != nil {
		return id.ID{}, tgerror.Invalidf("bundle: %s is part of a reference graph and cannot be bundled", dirID)
	}

	entries := make(map[string]id.ID, len(dir.Entries))
	embeds := make(map[string]id.ID) // name under embeddedArtifactsDir -> source artifact content
	for name, childID := range dir.Entries {
		bundledChild, embed, err := b.bundleEntry(childID)
		if err != nil {
			return id.ID{}, fmt.Errorf("bundle %q: %w", name, err)
		}
		entries[name] = bundledChild
		if embed != (id.ID{}) {
			embeds[embed.String()] = embed
		}
	}

	if len(embeds) > 0 {
		embedEntries := make(map[string]id.ID, len(embeds))
		for _, source := range embeds {
			embedded, err := b.embed(source)
			if err != nil {
				return id.ID{}, err
			}
			embedEntries[source.String()] = embedded
		}
		embedDirID, err := b.put(id.KindDirectory, &object.Directory{Entries: embedEntries})
		if err != nil {
			return id.ID{}, err
		}
		entries[embeddedArtifactsDir] = embedDirID
	}

	return b.put(id.KindDirectory, &object.Directory{Entries: entries})
}

// bundleEntry bundles one directory entry. For a symlink that targets
// another artifact, it reports that artifact as needing embedding
// (the caller collects these per directory so siblings that reference
// the same artifact share one embedded copy) and rewrites the symlink
// itself to point at where it will land.
func (b *Bundler) bundleEntry(childID id.ID) (bundled id.ID, needsEmbed id.ID, err error) {
	switch childID.Kind {
	case id.KindDirectory:
		bundled, err = b.bundleDirectory(childID)
		return bundled, id.ID{}, err
	case id.KindFile:
		bundled, err = b.bundleFile(childID)
		return bundled, id.ID{}, err
	case id.KindSymlink:
		return b.bundleSymlink(childID)
	default:
		return id.ID{}, id.ID{}, tgerror.Invalidf("bundle: %s is not an artifact", childID)
	}
}

func (b *Bundler) bundleFile(fileID id.ID) (id.ID, error) {
	v, err := b.object(fileID)
	if err != nil {
		return id.ID{}, err
	}
	f := v.(*object.File)
	if f.GraphRef != nil {
		return id.ID{}, tgerror.Invalidf("bundle: %s is part of a reference graph and cannot be bundled", fileID)
	}
	// File content and its dependency metadata carry no filesystem
	// cross-references (those live only in artifact-valued symlinks),
	// so a plain file is already self-contained.
	return fileID, nil
}

func (b *Bundler) bundleSymlinkAsRoot(symlinkID id.ID) (id.ID, error) {
	bundled, embed, err := b.bundleSymlink(symlinkID)
	if err != nil {
		return id.ID{}, err
	}
	if embed != (id.ID{}) {
		return id.ID{}, tgerror.Invalidf("bundle: a bare artifact-valued symlink has nowhere to embed its target; bundle its parent directory instead")
	}
	return bundled, nil
}

// bundleSymlink rewrites a symlink that targets another artifact into
// a path-only symlink pointing at embeddedArtifactsDir/<id>, and
// reports that artifact so the caller embeds a copy of it alongside.
// A symlink with no artifact target is already self-contained.
func (b *Bundler) bundleSymlink(symlinkID id.ID) (bundled id.ID, needsEmbed id.ID, err error) {
	v, err := b.object(symlinkID)
	if err != nil {
		return id.ID{}, id.ID{}, err
	}
	s := v.(*object.Symlink)
	if s.GraphRef != nil {
		return id.ID{}, id.ID{}, tgerror.Invalidf("bundle: %s is part of a reference graph and cannot be bundled", symlinkID)
	}
	if s.Artifact == nil {
		return symlinkID, id.ID{}, nil
	}

	target := *s.Artifact
	relTarget := embeddedArtifactsDir + "/" + target.String()
	if s.Path != nil {
		relTarget += "/" + *s.Path
	}
	rewritten := &object.Symlink{Path: &relTarget}
	newID, err := b.put(id.KindSymlink, rewritten)
	if err != nil {
		return id.ID{}, id.ID{}, err
	}
	return newID, target, nil
}

// embed bundles source (if not already embedded in this Bundler's
// lifetime) and returns the ID of the embedded copy.
func (b *Bundler) embed(source id.ID) (id.ID, error) {
	if existing, ok := b.embedded[source]; ok {
		return existing, nil
	}
	embedded, err := b.Bundle(source)
	if err != nil {
		return id.ID{}, fmt.Errorf("embed %s: %w", source, err)
	}
	b.embedded[source] = embedded
	return embedded, nil
}
