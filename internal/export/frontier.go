package export

import (
	"sync"

	"github.com/tangramd/tangram/internal/id"
)

// Frontier is the producer side of export (spec §4.9): a queue of IDs
// still to emit, plus bookkeeping so that a Complete event arriving
// for an ID still in the frontier drops it and every descendant
// already known to the frontier, without re-walking them.
//
// Safe for concurrent use: mu guards every field, since Complete is
// driven by the consumer's back-channel on one goroutine while
// Next/Enqueue run on the producer's emit loop.
type Frontier struct {
	mu        sync.Mutex
	queue     []id.ID
	queuedSet map[id.ID]bool
	complete  map[id.ID]bool
	children  map[id.ID][]id.ID
}

// NewFrontier creates an empty Frontier.
func NewFrontier() *Frontier {
	return &Frontier{
		queuedSet: make(map[id.ID]bool),
		complete:  make(map[id.ID]bool),
		children:  make(map[id.ID][]id.ID),
	}
}

// Seed enqueues the export's roots.
func (f *Frontier) Seed(roots []id.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range roots {
		f.enqueueLocked(r)
	}
}

// IsComplete reports whether id has already been marked complete,
// directly or as a descendant of a completed ancestor.
func (f *Frontier) IsComplete(target id.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.complete[target]
}

// Enqueue records target's children, discovered while emitting target,
// and adds any not already complete to the frontier. If target was
// concurrently marked complete (a Complete event raced the emit of
// target itself), its children are dropped rather than enqueued.
func (f *Frontier) Enqueue(target id.ID, children []id.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.complete[target] {
		return
	}
	f.children[target] = children
	for _, c := range children {
		f.enqueueLocked(c)
	}
}

func (f *Frontier) enqueueLocked(target id.ID) {
	if f.complete[target] || f.queuedSet[target] {
		return
	}
	f.queuedSet[target] = true
	f.queue = append(f.queue, target)
}

// Next pops the next ID to emit, skipping anything dropped by a
// Complete event since it was queued. Returns false once the frontier
// is empty.
func (f *Frontier) Next() (id.ID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.queue) > 0 {
		next := f.queue[0]
		f.queue = f.queue[1:]
		delete(f.queuedSet, next)
		if f.complete[next] {
			continue
		}
		return next, true
	}
	return id.ID{}, false
}

// Complete marks target, and every descendant already discovered via
// Enqueue, as complete: dequeued IDs are skipped by Next, and any
// children discovered later for an already-complete target are
// dropped instead of being enqueued.
func (f *Frontier) Complete(target id.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeLocked(target)
}

func (f *Frontier) completeLocked(target id.ID) {
	if f.complete[target] {
		return
	}
	f.complete[target] = true
	for _, c := range f.children[target] {
		f.completeLocked(c)
	}
}
