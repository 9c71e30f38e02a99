package checkin

import (
	"testing"

	"github.com/tangramd/tangram/internal/id"
)

func TestTagIndexResolveSemverConstraint(t *testing.T) {
	idx := NewTagIndex()
	v1 := id.New(id.KindFile, []byte("v1"))
	v2 := id.New(id.KindFile, []byte("v2"))
	idx.Put("pkg", "1.0.0", v1)
	idx.Put("pkg", "2.0.0", v2)

	got, version, err := idx.Resolve("pkg", "^1.0.0")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != v1 || version != "1.0.0" {
		t.Fatalf("got %s@%s, want v1@1.0.0", got, version)
	}
}

func TestTagIndexResolveEmptyConstraintPicksHighest(t *testing.T) {
	idx := NewTagIndex()
	v1 := id.New(id.KindFile, []byte("v1"))
	v2 := id.New(id.KindFile, []byte("v2"))
	idx.Put("pkg", "1.0.0", v1)
	idx.Put("pkg", "2.0.0", v2)

	got, version, err := idx.Resolve("pkg", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != v2 || version != "2.0.0" {
		t.Fatalf("got %s@%s, want v2@2.0.0", got, version)
	}
}

func TestTagIndexResolveExactTag(t *testing.T) {
	idx := NewTagIndex()
	v := id.New(id.KindFile, []byte("v"))
	idx.Put("pkg", "nightly", v)

	got, version, err := idx.Resolve("pkg", "nightly")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != v || version != "nightly" {
		t.Fatalf("got %s@%s, want v@nightly", got, version)
	}
}

func TestTagIndexResolveRegexConstraint(t *testing.T) {
	idx := NewTagIndex()
	stable := id.New(id.KindFile, []byte("stable"))
	beta := id.New(id.KindFile, []byte("beta"))
	idx.Put("pkg", "1.0.0", stable)
	idx.Put("pkg", "1.0.0-beta", beta)

	got, version, err := idx.Resolve("pkg", `/^1\.0\.0$/`)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != stable || version != "1.0.0" {
		t.Fatalf("got %s@%s, want stable@1.0.0", got, version)
	}
}

func TestTagIndexResolveUnknownPackage(t *testing.T) {
	idx := NewTagIndex()
	if _, _, err := idx.Resolve("missing", ""); err == nil {
		t.Fatalf("expected not-found error for unpublished package")
	}
}

func TestTagIndexNamesAndVersionsSorted(t *testing.T) {
	idx := NewTagIndex()
	idx.Put("b", "1.0.0", id.New(id.KindFile, []byte("b1")))
	idx.Put("a", "2.0.0", id.New(id.KindFile, []byte("a2")))
	idx.Put("a", "1.0.0", id.New(id.KindFile, []byte("a1")))

	names := idx.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("names = %v, want [a b]", names)
	}
	versions := idx.Versions("a")
	if len(versions) != 2 || versions[0] != "1.0.0" || versions[1] != "2.0.0" {
		t.Fatalf("versions = %v, want [1.0.0 2.0.0]", versions)
	}
}
