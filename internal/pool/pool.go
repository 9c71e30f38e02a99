// Package pool implements Tangram's generic resource pool (spec
// §4.10): a bounded set of reusable values of any type T, checked out
// with Get and returned with a Guard's Release, with a Put path for
// swapping in a replacement when a checked-out resource turns out to
// be broken.
//
// This generalizes the teacher's ConversionWorkerPool (a worker pool
// specialized to one job type) into a resource pool specialized to
// nothing. Of the two concrete instances spec.md names, the database
// connection pool (internal/db) is built on top of it; the
// file-descriptor semaphore (FDSemaphore, in this package) wraps
// golang.org/x/sync/semaphore directly.
package pool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Factory creates a new T for the pool to hand out when none are idle
// and the pool has not yet reached its capacity.
type Factory[T any] func(ctx context.Context) (T, error)

// Pool is a bounded pool of resources of type T.
type Pool[T any] struct {
	sem     *semaphore.Weighted
	factory Factory[T]

	idle chan T
}

// New creates a pool with the given capacity and factory. Resources
// are created lazily, on first Get, up to capacity.
func New[T any](capacity int64, factory Factory[T]) *Pool[T] {
	return &Pool[T]{
		sem:     semaphore.NewWeighted(capacity),
		factory: factory,
		idle:    make(chan T, capacity),
	}
}

// Guard wraps a checked-out resource; call Release to return it to
// the pool, or Discard to drop it permanently and free its slot for a
// freshly-created replacement.
type Guard[T any] struct {
	pool     *Pool[T]
	value    T
	released bool
}

// Value returns the checked-out resource.
func (g *Guard[T]) Value() T { return g.value }

// Release returns the resource to the pool for reuse.
func (g *Guard[T]) Release() {
	if g.released {
		return
	}
	g.released = true
	select {
	case g.pool.idle <- g.value:
	default:
		// Pool's idle buffer is sized to capacity, so this should
		// never block or overflow; fall through and free the slot.
	}
	g.pool.sem.Release(1)
}

// Discard drops the resource without returning it to the idle set —
// used when the resource is known broken — and frees its slot so a
// later Get can create a fresh replacement.
func (g *Guard[T]) Discard() {
	if g.released {
		return
	}
	g.released = true
	g.pool.sem.Release(1)
}

// Put installs a replacement resource directly into the idle set,
// consuming a slot. Used by callers that detect a broken resource
// outside of a Guard's lifetime (e.g. a background health check) and
// want to hand the pool a working replacement without waiting for a
// fresh Get/factory round trip.
func (p *Pool[T]) Put(ctx context.Context, value T) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.idle <- value
	return nil
}

// Get blocks until a resource is available (idle, or created fresh
// under capacity), acquiring a pool slot for the duration.
func (p *Pool[T]) Get(ctx context.Context) (*Guard[T], error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	select {
	case v := <-p.idle:
		return &Guard[T]{pool: p, value: v}, nil
	default:
	}

	v, err := p.factory(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return &Guard[T]{pool: p, value: v}, nil
}
