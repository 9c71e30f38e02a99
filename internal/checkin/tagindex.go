package checkin

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/tgerror"
)

// TagIndex maps package names to their published versions and backs
// both Phase 4 tag resolution and the `GET /packages/{dep}/versions`
// and `GET /packages` routes (SPEC_FULL.md, supplemented features).
// It is an in-memory name -> version -> artifact-ID map.
type TagIndex struct {
	mu   sync.RWMutex
	tags map[string]map[string]id.ID // package name -> version string -> artifact ID
}

// NewTagIndex creates an empty index.
func NewTagIndex() *TagIndex {
	return &TagIndex{tags: make(map[string]map[string]id.ID)}
}

// Put records that name@version resolves to artifactID.
func (t *TagIndex) Put(name, version string, artifactID id.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	versions, ok := t.tags[name]
	if !ok {
		versions = make(map[string]id.ID)
		t.tags[name] = versions
	}
	versions[version] = artifactID
}

// Versions returns every published version string for name, sorted
// ascending by semver where possible.
func (t *TagIndex) Versions(name string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	versions, ok := t.tags[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		vi, ei := semver.NewVersion(out[i])
		vj, ej := semver.NewVersion(out[j])
		if ei == nil && ej == nil {
			return vi.LessThan(vj)
		}
		return out[i] < out[j]
	})
	return out
}

// Names returns every package name with at least one published
// version, sorted lexically (backs `GET /packages`).
func (t *TagIndex) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.tags))
	for n := range t.tags {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Resolve picks the best version of name matching constraint and
// returns its artifact ID. constraint forms, tried in order:
//
//   - "" (empty): the highest semver version, or the lexically
//     greatest tag if none parse as semver.
//   - "/regex/": a regular expression wrapped in slashes; the
//     highest-sorting matching tag wins.
//   - a semver constraint range (e.g. "^1.2.0", "~1.2", ">=1.0.0"):
//     the highest version satisfying it.
//   - otherwise: an exact tag match.
func (t *TagIndex) Resolve(name, constraint string) (id.ID, string, error) {
	t.mu.RLock()
	versions, ok := t.tags[name]
	t.mu.RUnlock()
	if !ok || len(versions) == 0 {
		return id.ID{}, "", tgerror.NotFoundf("no published versions of package %q", name)
	}

	switch {
	case constraint == "":
		best := bestSemver(versions)
		if best == "" {
			best = lexicallyGreatest(versions)
		}
		return versions[best], best, nil

	case strings.HasPrefix(constraint, "/") && strings.HasSuffix(constraint, "/") && len(constraint) >= 2:
		pattern := constraint[1 : len(constraint)-1]
		re, err := regexp.Compile(pattern)
		if err != nil {
			return id.ID{}, "", tgerror.Invalidf("package %q: invalid version regex %q: %v", name, pattern, err)
		}
		var candidates []string
		for v := range versions {
			if re.MatchString(v) {
				candidates = append(candidates, v)
			}
		}
		if len(candidates) == 0 {
			return id.ID{}, "", tgerror.NotFoundf("package %q: no version matches /%s/", name, pattern)
		}
		best := bestOf(candidates)
		return versions[best], best, nil

	default:
		if rng, err := semver.NewConstraint(constraint); err == nil {
			var candidates []string
			for v := range versions {
				parsed, perr := semver.NewVersion(v)
				if perr == nil && rng.Check(parsed) {
					candidates = append(candidates, v)
				}
			}
			if len(candidates) > 0 {
				best := bestOf(candidates)
				return versions[best], best, nil
			}
		}
		if exact, ok := versions[constraint]; ok {
			return exact, constraint, nil
		}
		return id.ID{}, "", tgerror.NotFoundf("package %q: no version satisfies %q", name, constraint)
	}
}

func bestSemver(versions map[string]id.ID) string {
	var best *semver.Version
	var bestStr string
	for v := range versions {
		parsed, err := semver.NewVersion(v)
		if err != nil {
			continue
		}
		if best == nil || parsed.GreaterThan(best) {
			best, bestStr = parsed, v
		}
	}
	return bestStr
}

func lexicallyGreatest(versions map[string]id.ID) string {
	var best string
	for v := range versions {
		if v > best {
			best = v
		}
	}
	return best
}

func bestOf(candidates []string) string {
	allSemver := true
	for _, c := range candidates {
		if _, err := semver.NewVersion(c); err != nil {
			allSemver = false
			break
		}
	}
	if allSemver {
		best := candidates[0]
		bestV, _ := semver.NewVersion(best)
		for _, c := range candidates[1:] {
			v, _ := semver.NewVersion(c)
			if v.GreaterThan(bestV) {
				best, bestV = c, v
			}
		}
		return best
	}
	sort.Strings(candidates)
	return candidates[len(candidates)-1]
}

// MarshalJSON encodes the index as a name-sorted list of
// {name, versions}. There is no matching decoder, and tangramd starts
// every run with an empty index.
func (t *TagIndex) MarshalJSON() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	type entry struct {
		Name     string           `json:"name"`
		Versions map[string]id.ID `json:"versions"`
	}
	entries := make([]entry, 0, len(t.tags))
	for name, versions := range t.tags {
		entries = append(entries, entry{Name: name, Versions: versions})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return json.Marshal(entries)
}
