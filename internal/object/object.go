// Package object implements Tangram's content-addressed object model
// (spec §3): the tagged union of Leaf, Branch, Directory, File,
// Symlink, Graph, Command, and Process kinds, and their canonical,
// byte-identical JSON serialization.
//
// Canonical bytes are JSON with sorted map keys, UTF-8 encoded
// (spec §4.1). Values are first marshaled with encoding/json and then
// re-emitted by a small hand-written serializer (canonicalize) that
// writes every object's keys in sorted order; every object kind
// round-trips through the same Marshal/Unmarshal pair used to compute
// its ID.
package object

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tangramd/tangram/internal/id"
)

// Kind is an object's kind tag, the same type as id.Kind.
type Kind = id.Kind

// Child is one (id, size) pair inside a Branch.
type Child struct {
	ID   id.ID `json:"id"`
	Size int64 `json:"size"`
}

// Branch is an ordered sequence of leaf/branch children; Size is the
// sum of leaf sizes across the whole subtree.
type Branch struct {
	Children []Child `json:"children"`
}

// Size returns the sum of the branch's children's sizes.
func (b *Branch) Size() int64 {
	var total int64
	for _, c := range b.Children {
		total += c.Size
	}
	return total
}

// Directory maps entry names to artifact IDs. Names are non-empty and
// contain no path separator.
//
// GraphRef is set instead of Entries when this directory is a member
// of a Graph object (spec §4.4): its real content lives at a node
// inside that graph, and this record is just the thin, content-
// addressed pointer to it, so that other objects can still reference
// it by a plain artifact ID.
type Directory struct {
	GraphRef *GraphArtifactRef `json:"graphRef,omitempty"`
	Entries  map[string]id.ID  `json:"entries,omitempty"`
}

// Referent is an object reference annotated with an optional subpath
// and an optional tag (the pre-resolution form of a dependency).
type Referent struct {
	Item id.ID   `json:"item"`
	Path *string `json:"path,omitempty"`
	Tag  *string `json:"tag,omitempty"`
}

// File is file content plus its cross-reference dependency map. See
// Directory's GraphRef doc for the graph-member pointer form.
type File struct {
	GraphRef     *GraphArtifactRef   `json:"graphRef,omitempty"`
	Contents     id.ID               `json:"contents"`
	Executable   bool                `json:"executable"`
	Dependencies map[string]Referent `json:"dependencies,omitempty"`
}

// Symlink targets either a stored artifact or a relative path (or
// both); spec requires at least one to be present. See Directory's
// GraphRef doc for the graph-member pointer form.
type Symlink struct {
	GraphRef *GraphArtifactRef `json:"graphRef,omitempty"`
	Artifact *id.ID            `json:"artifact,omitempty"`
	Path     *string           `json:"path,omitempty"`
}

// Validate enforces the "at least one of artifact/path" invariant.
func (s *Symlink) Validate() error {
	if s.GraphRef != nil {
		return nil
	}
	if s.Artifact == nil && s.Path == nil {
		return fmt.Errorf("object: symlink must have an artifact, a path, or both")
	}
	return nil
}

// Ref is a graph-node reference: either an index into the same
// graph's node list (an internal edge) or a complete external ID.
type Ref struct {
	Index    *int   `json:"index,omitempty"`
	External *id.ID `json:"external,omitempty"`
}

// GraphNode is one participant of a Graph object: a directory, file,
// or symlink whose references may be internal (Ref.Index) instead of
// always-external IDs.
type GraphNode struct {
	Kind      NodeKind          `json:"kind"`
	Entries   map[string]Ref    `json:"entries,omitempty"`   // directory
	Contents  *id.ID            `json:"contents,omitempty"`  // file
	Executable bool             `json:"executable,omitempty"`// file
	Dependencies map[string]GraphReferent `json:"dependencies,omitempty"` // file
	Path      *string           `json:"path,omitempty"`      // symlink
	Artifact  *Ref              `json:"artifactRef,omitempty"` // symlink
}

// GraphReferent is Referent with an internal-or-external item ref.
type GraphReferent struct {
	Item Ref     `json:"item"`
	Path *string `json:"path,omitempty"`
	Tag  *string `json:"tag,omitempty"`
}

// NodeKind distinguishes the three artifact kinds a GraphNode encodes.
type NodeKind string

const (
	NodeDirectory NodeKind = "directory"
	NodeFile      NodeKind = "file"
	NodeSymlink   NodeKind = "symlink"
)

// Graph is an ordered list of mutually-referencing nodes, used to
// encode cycles (spec §4.4).
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
}

// GraphArtifactRef is how a file/directory/symlink that participates
// in a graph is itself stored: a pointer at a node inside a Graph
// object, rather than a Node-form object of its own.
type GraphArtifactRef struct {
	Graph id.ID `json:"graph"`
	Node  int   `json:"node"`
}

// Command is the declarative spec of an executable invocation used to
// create a Process.
type Command struct {
	Host              string            `json:"host"`
	Executable        *id.ID            `json:"executable,omitempty"`
	Args              []json.RawMessage `json:"args,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	Cwd               *string           `json:"cwd,omitempty"`
	ChecksumAlgorithm *string           `json:"checksumAlgorithm,omitempty"`
	Network           bool              `json:"network"`
}

// canonicalize re-marshals v through a map[string]any so that object
// keys are guaranteed lexicographically sorted even if a future field
// is added without an explicit struct tag ordering concern — belt and
// suspenders around Go's already-sorted map-key marshaling.
func canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			eb, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			buf.Write(eb)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(val)
	}
}

// CanonicalBytes returns the canonical serialization of a Branch,
// Directory, File, Symlink, Graph, or Command, used both to derive its
// ID and to persist it.
func CanonicalBytes(kind Kind, v any) ([]byte, error) {
	if kind == id.KindLeaf {
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("object: leaf canonical bytes require []byte, got %T", v)
		}
		return b, nil
	}
	return canonicalize(v)
}

// ID computes the content ID of an object value of the given kind.
func ID(kind Kind, v any) (id.ID, error) {
	bytesOut, err := CanonicalBytes(kind, v)
	if err != nil {
		return id.ID{}, err
	}
	return id.New(kind, bytesOut), nil
}

// Decode parses canonical bytes back into the Go value for kind.
func Decode(kind Kind, data []byte) (any, error) {
	switch kind {
	case id.KindLeaf:
		return append([]byte(nil), data...), nil
	case id.KindBranch:
		var b Branch
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("object: decode branch: %w", err)
		}
		return &b, nil
	case id.KindDirectory:
		var d Directory
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("object: decode directory: %w", err)
		}
		return &d, nil
	case id.KindFile:
		var f File
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("object: decode file: %w", err)
		}
		return &f, nil
	case id.KindSymlink:
		var s Symlink
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("object: decode symlink: %w", err)
		}
		return &s, nil
	case id.KindGraph:
		var g Graph
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("object: decode graph: %w", err)
		}
		return &g, nil
	case id.KindCommand:
		var c Command
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("object: decode command: %w", err)
		}
		return &c, nil
	default:
		return nil, fmt.Errorf("object: cannot decode kind %s as a plain object", kind)
	}
}

// Children returns the immediate child IDs of an object, used by the
// store to compute completeness/count/depth/weight and by export to
// walk the transfer frontier.
func Children(kind Kind, v any) []id.ID {
	switch kind {
	case id.KindBranch:
		b := v.(*Branch)
		out := make([]id.ID, len(b.Children))
		for i, c := range b.Children {
			out[i] = c.ID
		}
		return out
	case id.KindDirectory:
		d := v.(*Directory)
		if d.GraphRef != nil {
			return []id.ID{d.GraphRef.Graph}
		}
		names := make([]string, 0, len(d.Entries))
		for n := range d.Entries {
			names = append(names, n)
		}
		sort.Strings(names)
		out := make([]id.ID, 0, len(names))
		for _, n := range names {
			out = append(out, d.Entries[n])
		}
		return out
	case id.KindFile:
		f := v.(*File)
		if f.GraphRef != nil {
			return []id.ID{f.GraphRef.Graph}
		}
		out := []id.ID{f.Contents}
		for _, ref := range sortedReferents(f.Dependencies) {
			out = append(out, ref.Item)
		}
		return out
	case id.KindSymlink:
		s := v.(*Symlink)
		if s.GraphRef != nil {
			return []id.ID{s.GraphRef.Graph}
		}
		if s.Artifact != nil {
			return []id.ID{*s.Artifact}
		}
		return nil
	case id.KindGraph:
		g := v.(*Graph)
		var out []id.ID
		for _, n := range g.Nodes {
			out = append(out, graphNodeExternalChildren(n)...)
		}
		return out
	case id.KindCommand:
		c := v.(*Command)
		if c.Executable != nil {
			return []id.ID{*c.Executable}
		}
		return nil
	default:
		return nil
	}
}

func sortedReferents(deps map[string]Referent) []Referent {
	keys := make([]string, 0, len(deps))
	for k := range deps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Referent, 0, len(keys))
	for _, k := range keys {
		out = append(out, deps[k])
	}
	return out
}

func graphNodeExternalChildren(n GraphNode) []id.ID {
	var out []id.ID
	addRef := func(r Ref) {
		if r.External != nil {
			out = append(out, *r.External)
		}
	}
	switch n.Kind {
	case NodeDirectory:
		names := make([]string, 0, len(n.Entries))
		for name := range n.Entries {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			addRef(n.Entries[name])
		}
	case NodeFile:
		if n.Contents != nil {
			out = append(out, *n.Contents)
		}
		keys := make([]string, 0, len(n.Dependencies))
		for k := range n.Dependencies {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			addRef(n.Dependencies[k].Item)
		}
	case NodeSymlink:
		if n.Artifact != nil {
			addRef(*n.Artifact)
		}
	}
	return out
}
