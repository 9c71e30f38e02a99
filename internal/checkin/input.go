// Package checkin implements Tangram's check-in engine (spec §4.5):
// walking a filesystem subtree into an input graph, extracting
// dependency edges, resolving tagged references against a tag index,
// and emitting the resulting artifact through internal/graph and
// internal/blob.
//
// The input graph follows the arena-and-index design from spec §9:
// every visited path is allocated once in a slice (the arena) keyed by
// its position, and edges are indices into that slice rather than
// pointers, so cyclic symlink structures never need a weak/strong
// dual-reference scheme — matching the teacher's own preference
// (internal/hamtdir, internal/fsmerkle) for flat, index-addressed
// structures over pointer graphs.
package checkin

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tangramd/tangram/internal/tgerror"
)

// ReferenceKind distinguishes the two ways Phase 2 can target another
// artifact.
type ReferenceKind int

const (
	// ReferenceInternal targets another node in the same input arena,
	// resolved by path during Phase 1/2.
	ReferenceInternal ReferenceKind = iota
	// ReferenceTag targets an external package by name and optional
	// version constraint, resolved against the tag index in Phase 4.
	ReferenceTag
	// ReferenceUnresolved is a relative-path reference Phase 2 could
	// not resolve to a node in the arena; kept so Phase 5 emission can
	// report it as a specific failure rather than silently dropping it.
	ReferenceUnresolved
)

// Reference is one dependency edge discovered in Phase 2.
type Reference struct {
	Kind ReferenceKind

	// Internal
	TargetIndex int

	// Tag
	Name       string
	Constraint string // e.g. "^1.2.0", "/^1\\./", "1.2.3", or "" for latest

	// Raw is the original import string, used in error messages.
	Raw string
}

// Node is one path visited during Phase 1: a file, directory, or
// symlink, plus its outgoing dependency edges (filled in by Phase 2).
type Node struct {
	Index int
	Path  string // canonical absolute path
	Name  string // base name within its parent

	IsDir     bool
	IsSymlink bool

	// File
	Contents   []byte
	Executable bool

	// Symlink
	SymlinkTarget   string // raw target as read by os.Readlink
	ResolvedTarget  string // absolute, cleaned resolution of SymlinkTarget
	// EscapesRoot is set when a symlink's resolved target falls
	// outside Root; such a target becomes a sibling root (spec §4.5
	// Phase 1) rather than an edge into this arena.
	EscapesRoot bool

	// DirEntries maps child names to their arena index (directories only).
	DirEntries map[string]int

	// References are dependency edges discovered in Phase 2 (files only).
	References []Reference

	// Lockfile holds the absolute path of a tangram.lock for this node.
	// Walk and Engine.Run leave it empty: Phase 3 loads the package
	// root's lockfile once and applies it to the whole arena.
	Lockfile string
}

// Arena is the full set of nodes visited rooted at one package root,
// indexed by position (spec §9's "arena-and-index").
type Arena struct {
	Root  string // canonical absolute path of the package root
	Nodes []*Node

	byPath map[string]int
}

// recognizedRootFiles names files that mark a directory as a package
// root (spec §4.5 Phase 1: "the nearest ancestor containing a
// recognized root-module filename").
var recognizedRootFiles = []string{"tangram.ts", "tangram.js", "root.tg"}

// FindPackageRoot walks upward from path looking for a directory
// containing a recognized root-module file; if none is found, path
// itself is the root.
func FindPackageRoot(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", tgerror.IOErr(err, "resolve absolute path for %q", path)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return "", tgerror.IOErr(err, "resolve symlinks for %q", path)
	}

	dir := abs
	info, err := os.Stat(abs)
	if err != nil {
		return "", tgerror.IOErr(err, "stat %q", abs)
	}
	if !info.IsDir() {
		dir = filepath.Dir(abs)
	}

	for {
		for _, name := range recognizedRootFiles {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return abs, nil
}

// WalkOptions configures Phase 1.
type WalkOptions struct {
	Ignore bool
}

// Walk builds an Arena rooted at root, deduplicating nodes by
// canonical absolute path and applying the ignore policy (spec §4.5
// Phase 1) when opts.Ignore is set.
func Walk(root string, opts WalkOptions) (*Arena, error) {
	canonicalRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, tgerror.IOErr(err, "resolve root %q", root)
	}

	arena := &Arena{Root: canonicalRoot, byPath: make(map[string]int)}
	ignores, err := newIgnoreSet(canonicalRoot, opts.Ignore)
	if err != nil {
		return nil, err
	}

	var visit func(path string) (int, error)
	visit = func(path string) (int, error) {
		if idx, ok := arena.byPath[path]; ok {
			return idx, nil
		}

		info, err := os.Lstat(path)
		if err != nil {
			return 0, tgerror.IOErr(err, "stat %q", path)
		}

		node := &Node{
			Path: path,
			Name: filepath.Base(path),
		}
		idx := len(arena.Nodes)
		arena.Nodes = append(arena.Nodes, node)
		arena.byPath[path] = idx
		node.Index = idx

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			node.IsSymlink = true
			target, err := os.Readlink(path)
			if err != nil {
				return 0, tgerror.IOErr(err, "readlink %q", path)
			}
			node.SymlinkTarget = target
			resolved := target
			if !filepath.IsAbs(resolved) {
				resolved = filepath.Join(filepath.Dir(path), target)
			}
			resolved, err = filepath.Abs(resolved)
			if err != nil {
				return 0, tgerror.IOErr(err, "resolve symlink target for %q", path)
			}
			node.ResolvedTarget = resolved
			rel, err := filepath.Rel(arena.Root, resolved)
			if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
				node.EscapesRoot = true
			}
		case info.IsDir():
			node.IsDir = true
			entries, err := os.ReadDir(path)
			if err != nil {
				return 0, tgerror.IOErr(err, "read dir %q", path)
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
			node.DirEntries = make(map[string]int, len(entries))
			for _, entry := range entries {
				childPath := filepath.Join(path, entry.Name())
				if ignores.matches(childPath, entry.IsDir()) {
					continue
				}
				childIdx, err := visit(childPath)
				if err != nil {
					return 0, err
				}
				node.DirEntries[entry.Name()] = childIdx
			}
		default:
			contents, err := os.ReadFile(path)
			if err != nil {
				return 0, tgerror.IOErr(err, "read file %q", path)
			}
			node.Contents = contents
			node.Executable = info.Mode()&0o111 != 0
		}

		return idx, nil
	}

	if _, err := visit(canonicalRoot); err != nil {
		return nil, err
	}
	return arena, nil
}

// ByIndex returns the node at idx.
func (a *Arena) ByIndex(idx int) *Node { return a.Nodes[idx] }

// Key returns the graph-node key used to identify a.Nodes[idx] across
// Phase 4/5 (the canonical path, unique within the arena).
func (a *Arena) Key(idx int) string { return a.Nodes[idx].Path }
