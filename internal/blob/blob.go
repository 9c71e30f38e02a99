package blob

import (
	"encoding/json"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/object"
	"github.com/tangramd/tangram/internal/store"
	"github.com/tangramd/tangram/internal/tgerror"
)

// inlineThreshold is the largest leaf size stored directly in the
// object row; larger leaves are written to the packed blob file
// instead and referenced by a LeafLocation (spec §4.3).
const inlineThreshold = 256

// Builder chunks bytes and assembles the resulting leaf/branch tree,
// storing every node through the object store.
type Builder struct {
	Store *store.Store
	Pack  *PackWriter
}

// NewBuilder creates a Builder that writes new leaves to pack.
func NewBuilder(s *store.Store, pack *PackWriter) *Builder {
	return &Builder{Store: s, Pack: pack}
}

// Build chunks content and returns the root blob ID (a Leaf ID for
// small/single-chunk input, a Branch ID otherwise) and its total
// size.
func (b *Builder) Build(content []byte) (id.ID, int64, error) {
	var children []object.Child
	chunker := NewChunker(content)
	for {
		chunk, ok := chunker.Next()
		if !ok {
			break
		}
		leafID, err := b.putLeaf(chunk)
		if err != nil {
			return id.ID{}, 0, err
		}
		children = append(children, object.Child{ID: leafID, Size: int64(len(chunk))})
	}

	if len(children) == 0 {
		leafID, err := b.putLeaf(nil)
		if err != nil {
			return id.ID{}, 0, err
		}
		return leafID, 0, nil
	}
	if len(children) == 1 {
		return children[0].ID, children[0].Size, nil
	}

	root, err := b.buildLevels(children)
	if err != nil {
		return id.ID{}, 0, err
	}
	return root.ID, root.Size, nil
}

// buildLevels repeatedly groups children into windows of at most
// MaxBranchChildren: full windows become a Branch, any trailing
// partial window is promoted as-is to the next level (spec §4.3),
// until a single root child remains.
func (b *Builder) buildLevels(children []object.Child) (object.Child, error) {
	level := children
	for len(level) > 1 {
		// A level that already fits in one window becomes the root
		// branch directly, terminating the loop.
		if len(level) <= MaxBranchChildren {
			branchID, size, err := b.putBranch(level)
			if err != nil {
				return object.Child{}, err
			}
			return object.Child{ID: branchID, Size: size}, nil
		}

		var next []object.Child
		for i := 0; i < len(level); i += MaxBranchChildren {
			end := i + MaxBranchChildren
			if end > len(level) {
				end = len(level)
			}
			window := level[i:end]
			if len(window) < MaxBranchChildren {
				// Partial window: promote unchanged to the next level.
				next = append(next, window...)
				continue
			}
			branchID, size, err := b.putBranch(window)
			if err != nil {
				return object.Child{}, err
			}
			next = append(next, object.Child{ID: branchID, Size: size})
		}
		level = next
	}
	return level[0], nil
}

func (b *Builder) putLeaf(chunk []byte) (id.ID, error) {
	leafID := id.New(id.KindLeaf, chunk)
	if len(chunk) <= inlineThreshold || b.Pack == nil {
		if _, err := b.Store.Put(leafID, chunk); err != nil {
			return id.ID{}, err
		}
		return leafID, nil
	}
	loc, err := b.Pack.Append(chunk)
	if err != nil {
		return id.ID{}, err
	}
	if err := b.Store.PutWithoutInlineBytes(leafID, int64(len(chunk)), loc); err != nil {
		return id.ID{}, err
	}
	return leafID, nil
}

func (b *Builder) putBranch(children []object.Child) (id.ID, int64, error) {
	branch := &object.Branch{Children: children}
	data, err := object.CanonicalBytes(id.KindBranch, branch)
	if err != nil {
		return id.ID{}, 0, err
	}
	branchID := id.New(id.KindBranch, data)
	if _, err := b.Store.Put(branchID, data); err != nil {
		return id.ID{}, 0, err
	}
	return branchID, branch.Size(), nil
}

// Reader performs random-access reads into a blob tree.
type Reader struct {
	Store *store.Store
	Pack  *PackReader
}

// NewReader creates a Reader.
func NewReader(s *store.Store, pack *PackReader) *Reader {
	return &Reader{Store: s, Pack: pack}
}

// Length returns the total byte size of a blob.
func (r *Reader) Length(blobID id.ID) (int64, error) {
	data, meta, ok, err := r.Store.TryGet(blobID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, tgerror.NotFoundf("blob %s not found", blobID)
	}
	if blobID.Kind == id.KindBranch {
		var branch object.Branch
		if err := json.Unmarshal(data, &branch); err != nil {
			return 0, tgerror.Internalf("corrupt branch %s: %v", blobID, err)
		}
		return branch.Size(), nil
	}
	return meta.Weight, nil
}

// Read returns exactly length bytes starting at offset within blobID's
// tree, descending branches by computing child-local offsets from
// cumulative child sizes.
func (r *Reader) Read(blobID id.ID, offset, length int64) ([]byte, error) {
	out := make([]byte, 0, length)
	if err := r.readInto(blobID, offset, length, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Reader) readInto(blobID id.ID, offset, length int64, out *[]byte) error {
	if length <= 0 {
		return nil
	}
	data, _, ok, err := r.Store.TryGet(blobID)
	if err != nil {
		return err
	}
	if !ok {
		return tgerror.NotFoundf("blob node %s not found", blobID)
	}

	switch blobID.Kind {
	case id.KindLeaf:
		bytesVal, err := r.leafBytes(blobID, data)
		if err != nil {
			return err
		}
		if offset < 0 || offset+length > int64(len(bytesVal)) {
			return tgerror.Invalidf("read range [%d,%d) out of bounds for leaf of size %d", offset, offset+length, len(bytesVal))
		}
		*out = append(*out, bytesVal[offset:offset+length]...)
		return nil
	case id.KindBranch:
		var branch object.Branch
		if err := json.Unmarshal(data, &branch); err != nil {
			return tgerror.Internalf("corrupt branch %s: %v", blobID, err)
		}
		return r.readBranch(&branch, offset, length, out)
	default:
		return tgerror.Invalidf("id %s is not a blob node (kind %s)", blobID, blobID.Kind)
	}
}

func (r *Reader) readBranch(branch *object.Branch, offset, length int64, out *[]byte) error {
	remaining := length
	pos := offset
	var cumulative int64
	for _, child := range branch.Children {
		childStart := cumulative
		childEnd := cumulative + child.Size
		cumulative = childEnd
		if remaining <= 0 {
			break
		}
		if pos >= childEnd {
			continue
		}
		localOffset := pos - childStart
		if localOffset < 0 {
			localOffset = 0
		}
		available := child.Size - localOffset
		want := remaining
		if want > available {
			want = available
		}
		if err := r.readInto(child.ID, localOffset, want, out); err != nil {
			return err
		}
		pos += want
		remaining -= want
	}
	if remaining > 0 {
		return tgerror.Invalidf("read range extends past end of blob")
	}
	return nil
}

func (r *Reader) leafBytes(leafID id.ID, inline []byte) ([]byte, error) {
	if len(inline) > 0 {
		return inline, nil
	}
	loc, ok, err := r.Store.LeafLocation(leafID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return inline, nil // genuinely empty leaf
	}
	return r.Pack.Read(loc)
}
