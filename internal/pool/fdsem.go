package pool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// FDSemaphore bounds concurrent open file descriptors (spec §4.10): a
// holder acquires a slot before opening a file and releases it after
// closing. Nothing in this module outside its test constructs one, so
// blob reads and pack opens are not bounded by it, and serverconfig's
// FDLimit is not wired to it.
type FDSemaphore struct {
	sem *semaphore.Weighted
}

// NewFDSemaphore creates a semaphore admitting up to limit concurrent holders.
func NewFDSemaphore(limit int64) *FDSemaphore {
	return &FDSemaphore{sem: semaphore.NewWeighted(limit)}
}

// FDToken represents one acquired file-descriptor slot.
type FDToken struct{ sem *semaphore.Weighted }

// Acquire blocks until a descriptor slot is free or ctx is done.
func (f *FDSemaphore) Acquire(ctx context.Context) (*FDToken, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &FDToken{sem: f.sem}, nil
}

// Release returns the descriptor slot.
func (t *FDToken) Release() {
	t.sem.Release(1)
}
