package pool

import (
	"context"
	"testing"
	"time"
)

func TestPoolGetBlocksAtCapacity(t *testing.T) {
	created := 0
	p := New(1, func(ctx context.Context) (int, error) {
		created++
		return created, nil
	})

	g1, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("get 1: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Get(ctx); err == nil {
		t.Fatalf("expected second Get to block while capacity is exhausted")
	}

	g1.Release()

	g2, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("get after release: %v", err)
	}
	if g2.Value() != g1.Value() {
		t.Fatalf("expected the released resource to be reused, got a fresh one")
	}
}

func TestPoolDiscardFreesSlotForFreshResource(t *testing.T) {
	created := 0
	p := New(1, func(ctx context.Context) (int, error) {
		created++
		return created, nil
	})

	g1, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	g1.Discard()

	g2, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("get after discard: %v", err)
	}
	if g2.Value() == g1.Value() {
		t.Fatalf("expected a fresh resource after Discard, got the same one")
	}
}

func TestFDSemaphoreBounds(t *testing.T) {
	sem := NewFDSemaphore(1)
	tok, err := sem.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := sem.Acquire(ctx); err == nil {
		t.Fatalf("expected second Acquire to block while at limit")
	}

	tok.Release()
	if _, err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}
