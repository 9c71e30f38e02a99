package graph

// tarjanSCCs returns the strongly connected components of the
// internal-edge graph over nodes, in the order Tarjan's algorithm
// discovers them (reverse topological order of the condensation).
// A node with no internal edges at all is still a component of size
// one.
func tarjanSCCs(nodes []*Node, byKey map[string]*Node) [][]string {
	t := &tarjan{
		byKey:   byKey,
		index:   make(map[string]int),
		lowlink: make(map[string]int),
		onStack: make(map[string]bool),
	}
	for _, n := range nodes {
		if _, visited := t.index[n.Key]; !visited {
			t.strongConnect(n.Key)
		}
	}
	return t.components
}

type tarjan struct {
	byKey      map[string]*Node
	index      map[string]int
	lowlink    map[string]int
	onStack    map[string]bool
	stack      []string
	counter    int
	components [][]string
}

func (t *tarjan) strongConnect(v string) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.byKey[v].internalEdges() {
		if _, ok := t.byKey[w]; !ok {
			continue // dangling/unresolved-at-this-stage edge, not part of the candidate set
		}
		if _, visited := t.index[w]; !visited {
			t.strongConnect(w)
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] {
			if t.index[w] < t.lowlink[v] {
				t.lowlink[v] = t.index[w]
			}
		}
	}

	if t.lowlink[v] == t.index[v] {
		var comp []string
		for {
			n := len(t.stack) - 1
			w := t.stack[n]
			t.stack = t.stack[:n]
			t.onStack[w] = false
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		t.components = append(t.components, comp)
	}
}
