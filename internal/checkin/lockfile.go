package checkin

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/tangramd/tangram/internal/tgerror"
)

// lockfileName is the recognized lockfile filename (spec §4.5 Phase 3).
const lockfileName = "tangram.lock"

// Lockfile is treated as opaque between emit and parse (spec §9 Open
// Questions: "exact lockfile format... is not fully specified";
// implementers should use golden-file tests). This is the minimal
// shape Phase 3/4 need to operate on: a list of resolved tagged
// dependencies, holding the loaded entries first and then newly
// resolved ones in the order check-in met them (no topological sort).
type Lockfile struct {
	Dependencies []LockedDependency `json:"dependencies"`
}

// LockedDependency is one previously resolved tag.
type LockedDependency struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Path    string `json:"path,omitempty"` // slash-separated path from the lockfile's root to the dependent
}

// FindLockfile locates the nearest tangram.lock in dir or an ancestor
// of dir, stopping at root. Every descendant input inherits the
// referrer's lockfile (spec §4.5 Phase 3).
func FindLockfile(dir, root string) (string, bool, error) {
	for {
		candidate := filepath.Join(dir, lockfileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !os.IsNotExist(err) {
			return "", false, tgerror.IOErr(err, "stat %q", candidate)
		}
		if dir == root {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// LoadLockfile parses a lockfile's contents.
func LoadLockfile(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, tgerror.IOErr(err, "read lockfile %q", path)
	}
	var lf Lockfile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, tgerror.Invalidf("parse lockfile %q: %v", path, err)
	}
	return &lf, nil
}

// Resolved looks up the locked version for a dependency name, if any.
func (lf *Lockfile) Resolved(name string) (string, bool) {
	for _, dep := range lf.Dependencies {
		if dep.Name == name {
			return dep.Version, true
		}
	}
	return "", false
}

// Matches reports whether resolved exactly matches the lockfile's
// existing entry for name, for the `locked` strict-match check (spec
// §4.5: "If locked is set, the existing lockfile must exactly match
// resolved tagged dependencies").
func (lf *Lockfile) Matches(name, resolvedVersion string) bool {
	locked, ok := lf.Resolved(name)
	return ok && locked == resolvedVersion
}

// Save writes the lockfile in the same opaque JSON shape it was
// loaded in, keeping the entries in the order the caller gave them.
func Save(path string, lf *Lockfile) error {
	data, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
