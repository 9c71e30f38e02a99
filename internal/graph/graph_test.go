package graph

import (
	"testing"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/object"
	"github.com/tangramd/tangram/internal/store"
)

func newPutFunc(t *testing.T) func(id.Kind, []byte) (id.ID, error) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(dir + "/objects.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return func(kind id.Kind, data []byte) (id.ID, error) {
		objID := id.New(kind, data)
		if _, err := s.Put(objID, data); err != nil {
			return id.ID{}, err
		}
		return objID, nil
	}
}

func TestEmitTwoFileCycleProducesSingleGraph(t *testing.T) {
	put := newPutFunc(t)

	contentsA := id.New(id.KindLeaf, []byte("a"))
	contentsB := id.New(id.KindLeaf, []byte("b"))

	a := &Node{
		Key:      "a.txt",
		Kind:     object.NodeFile,
		Contents: contentsA,
		Dependencies: map[string]DependencyEdge{
			"./b.txt": {Target: EdgeTarget{Internal: "b.txt"}},
		},
	}
	b := &Node{
		Key:      "b.txt",
		Kind:     object.NodeFile,
		Contents: contentsB,
		Dependencies: map[string]DependencyEdge{
			"./a.txt": {Target: EdgeTarget{Internal: "a.txt"}},
		},
	}

	results, err := Emit([]*Node{a, b}, put)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	ra, ok := results["a.txt"]
	if !ok || !ra.InGraph {
		t.Fatalf("expected a.txt to be emitted as a graph member, got %+v", ra)
	}
	rb, ok := results["b.txt"]
	if !ok || !rb.InGraph {
		t.Fatalf("expected b.txt to be emitted as a graph member, got %+v", rb)
	}
	if ra.GraphID != rb.GraphID {
		t.Fatalf("expected both cycle members to share one graph object")
	}
}

func TestEmitAcyclicFileIsNodeForm(t *testing.T) {
	put := newPutFunc(t)

	external := id.New(id.KindLeaf, []byte("external-dep"))
	contents := id.New(id.KindLeaf, []byte("solo"))
	n := &Node{
		Key:      "solo.txt",
		Kind:     object.NodeFile,
		Contents: contents,
		Dependencies: map[string]DependencyEdge{
			"pkg": {Target: EdgeTarget{External: &external}},
		},
	}

	results, err := Emit([]*Node{n}, put)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	r := results["solo.txt"]
	if r.InGraph {
		t.Fatalf("expected an acyclic node to be stored in Node form, not a graph")
	}
}

func TestEmitSelfLoopIsGraph(t *testing.T) {
	put := newPutFunc(t)

	contents := id.New(id.KindLeaf, []byte("self"))
	n := &Node{
		Key:      "self.txt",
		Kind:     object.NodeFile,
		Contents: contents,
		Dependencies: map[string]DependencyEdge{
			"./self.txt": {Target: EdgeTarget{Internal: "self.txt"}},
		},
	}

	results, err := Emit([]*Node{n}, put)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if !results["self.txt"].InGraph {
		t.Fatalf("expected a self-referencing node to be emitted as a graph")
	}
}
