package checkin

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tangramd/tangram/internal/tgerror"
)

// moduleFilePattern recognizes module source files subject to import
// analysis (spec §4.5 Phase 2: "filenames matching a recognized
// module-file pattern"). The exact grammar of imports is an Open
// Question deferred to this analyzer (spec §9); the contract is only
// that it returns an ordered list of References per file.
var moduleFilePattern = regexp.MustCompile(`\.(tg|ts|js)$`)

// importPattern matches `import "target"` and `import ... from
// "target"` forms, the shape original_source's module analyzer
// documents as the supported surface.
var importPattern = regexp.MustCompile(`(?m)^\s*import\b[^"'\n]*["']([^"']+)["']`)

// xattrData is the decoded form of a user.tangram.data xattr payload:
// a pre-resolved dependency list, bypassing module analysis entirely.
type xattrData struct {
	Dependencies []xattrDependency `json:"dependencies"`
}

type xattrDependency struct {
	Reference string  `json:"reference"`
	Tag       *string `json:"tag,omitempty"`
}

// ExtractDependencies runs Phase 2 over every file node in the arena,
// populating node.References.
func ExtractDependencies(arena *Arena) error {
	for _, node := range arena.Nodes {
		if node.IsDir || node.IsSymlink {
			continue
		}

		if data, ok, err := readTangramDataXattr(node.Path); err != nil {
			return tgerror.IOErr(err, "read xattr on %q", node.Path)
		} else if ok {
			refs, err := decodeXattrReferences(arena, node, data)
			if err != nil {
				return err
			}
			node.References = refs
			continue
		}

		if moduleFilePattern.MatchString(node.Name) {
			refs, err := analyzeModule(arena, node)
			if err != nil {
				return err
			}
			node.References = refs
		}
	}
	return nil
}

func decodeXattrReferences(arena *Arena, node *Node, data []byte) ([]Reference, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var decoded xattrData
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, tgerror.Invalidf("decode user.tangram.data on %q: %v", node.Path, err)
	}
	refs := make([]Reference, 0, len(decoded.Dependencies))
	for _, dep := range decoded.Dependencies {
		refs = append(refs, classifyReference(arena, node, dep.Reference, dep.Tag))
	}
	return refs, nil
}

func analyzeModule(arena *Arena, node *Node) ([]Reference, error) {
	matches := importPattern.FindAllStringSubmatch(string(node.Contents), -1)
	refs := make([]Reference, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, classifyReference(arena, node, m[1], nil))
	}
	return refs, nil
}

// classifyReference decides whether a raw import string is a relative
// path resolvable within the arena, a tagged package reference, or
// unresolved.
func classifyReference(arena *Arena, node *Node, raw string, explicitTag *string) Reference {
	if strings.HasPrefix(raw, "./") || strings.HasPrefix(raw, "../") {
		target := filepath.Clean(filepath.Join(filepath.Dir(node.Path), raw))
		if idx, ok := arena.byPath[target]; ok {
			return Reference{Kind: ReferenceInternal, TargetIndex: idx, Raw: raw}
		}
		return Reference{Kind: ReferenceUnresolved, Raw: raw}
	}

	name, constraint := raw, ""
	if explicitTag != nil {
		constraint = *explicitTag
	} else if at := strings.LastIndex(raw, "@"); at > 0 {
		name, constraint = raw[:at], raw[at+1:]
	}
	return Reference{Kind: ReferenceTag, Name: name, Constraint: constraint, Raw: raw}
}
