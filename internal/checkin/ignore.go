package checkin

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/tangramd/tangram/internal/tgerror"
)

// ignoreNames are the files checked at each directory level, in
// preference order: a .tgignore present in a directory is used
// instead of a .gitignore in that same directory (spec §4.5).
var ignoreNames = []string{".tgignore", ".gitignore"}

// layer is one directory's compiled ignore matcher.
type layer struct {
	dir     string
	matcher *ignore.GitIgnore
}

// ignoreSet resolves ignore decisions across directory boundaries
// using the Open Question's adopted rule: "nearest-ancestor file wins
// at its own scope" — a path is matched against the layer belonging
// to its closest ancestor directory that has an ignore file, not
// against every ancestor's file simultaneously.
type ignoreSet struct {
	root    string
	enabled bool
	layers  map[string]*layer // dir -> compiled layer, lazily populated
}

func newIgnoreSet(root string, enabled bool) (*ignoreSet, error) {
	return &ignoreSet{root: root, enabled: enabled, layers: make(map[string]*layer)}, nil
}

// layerFor returns the compiled ignore matcher governing dir — dir's
// own ignore file if it has one, otherwise the nearest ancestor's.
func (s *ignoreSet) layerFor(dir string) (*layer, error) {
	if l, ok := s.layers[dir]; ok {
		return l, nil
	}

	for _, name := range ignoreNames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, tgerror.IOErr(err, "read %q", path)
		}
		lines := strings.Split(string(data), "\n")
		matcher := ignore.CompileIgnoreLines(lines...)
		l := &layer{dir: dir, matcher: matcher}
		s.layers[dir] = l
		return l, nil
	}

	if dir == s.root {
		s.layers[dir] = nil
		return nil, nil
	}
	parent := filepath.Dir(dir)
	l, err := s.layerFor(parent)
	if err != nil {
		return nil, err
	}
	s.layers[dir] = l
	return l, nil
}

// matches reports whether childPath (a direct child of some visited
// directory) should be omitted from the input graph.
func (s *ignoreSet) matches(childPath string, isDir bool) bool {
	if !s.enabled {
		return false
	}
	parent := filepath.Dir(childPath)
	l, err := s.layerFor(parent)
	if err != nil || l == nil {
		return false
	}
	rel, err := filepath.Rel(l.dir, childPath)
	if err != nil {
		return false
	}
	return l.matcher.MatchesPath(rel)
}
