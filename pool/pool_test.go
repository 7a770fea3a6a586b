// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package pool_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/membus/membus/pool"
)

func TestNew(t *testing.T) {
	tests := []struct {
		size uint64
		err  error
	}{
		{0, pool.ErrInvalidSize},
		{100, pool.ErrInvalidSize},
		{pool.PageSize + 1, pool.ErrInvalidSize},
		{pool.PageSize, nil},
		{4 * pool.PageSize, nil},
	}
	for _, test := range tests {
		p, err := pool.New(test.size)
		if !errors.Is(err, test.err) {
			t.Errorf("New(%d) err = %v, want %v", test.size, err, test.err)
		}
		if err == nil && p.Size() != test.size {
			t.Errorf("New(%d).Size = %d", test.size, p.Size())
		}
	}
}

func TestAllocReleaseCycle(t *testing.T) {
	p, err := pool.New(pool.PageSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s, err := p.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if s.Size() < 100 {
		t.Errorf("slice size = %d, want at least 100", s.Size())
	}

	data := []byte("some message payload")
	if err := p.WriteAt(s, 0, data); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	off, size := p.Publish(s)
	if size != s.Size() {
		t.Errorf("published size = %d, want %d", size, s.Size())
	}

	got := make([]byte, len(data))
	if err := p.CopyOut(off, got); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("CopyOut = %q, want %q", got, data)
	}

	// The slice survives the engine release while published.
	p.Release(s)
	if err := p.CopyOut(off, got); err != nil {
		t.Errorf("CopyOut after engine release: %v", err)
	}

	// The user release returns it to the arena.
	if err := p.ReleaseUser(off); err != nil {
		t.Fatalf("ReleaseUser: %v", err)
	}
	if err := p.ReleaseUser(off); !errors.Is(err, pool.ErrNoSlice) {
		t.Errorf("double ReleaseUser: %v, want %v", err, pool.ErrNoSlice)
	}
	if p.InUse() != 0 {
		t.Errorf("InUse = %d after full release, want 0", p.InUse())
	}
}

func TestAllocFirstFit(t *testing.T) {
	p, err := pool.New(pool.PageSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a, _ := p.Alloc(1024)
	b, _ := p.Alloc(1024)
	c, _ := p.Alloc(1024)
	if a == nil || b == nil || c == nil {
		t.Fatal("Alloc failed")
	}

	// Free the middle slice; the next fitting allocation reuses its gap.
	p.Release(b)
	d, err := p.Alloc(512)
	if err != nil {
		t.Fatalf("Alloc after release: %v", err)
	}
	if d.Offset() != b.Offset() {
		t.Errorf("Alloc offset = %d, want reused gap at %d", d.Offset(), b.Offset())
	}
}

func TestAllocExhaustion(t *testing.T) {
	p, err := pool.New(pool.PageSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Alloc(pool.PageSize + 8); !errors.Is(err, pool.ErrNoSpace) {
		t.Errorf("oversized Alloc: %v, want %v", err, pool.ErrNoSpace)
	}

	s, err := p.Alloc(pool.PageSize)
	if err != nil {
		t.Fatalf("full-arena Alloc: %v", err)
	}
	if _, err := p.Alloc(8); !errors.Is(err, pool.ErrNoSpace) {
		t.Errorf("Alloc on full arena: %v, want %v", err, pool.ErrNoSpace)
	}
	p.Release(s)
	if _, err := p.Alloc(8); err != nil {
		t.Errorf("Alloc after release: %v", err)
	}
}

func TestFlush(t *testing.T) {
	p, err := pool.New(pool.PageSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, _ := p.Alloc(64)
	off, _ := p.Publish(s)

	p.Flush()
	if p.InUse() != 0 {
		t.Errorf("InUse = %d after flush, want 0", p.InUse())
	}
	if err := p.CopyOut(off, make([]byte, 8)); !errors.Is(err, pool.ErrNoSlice) {
		t.Errorf("CopyOut after flush: %v, want %v", err, pool.ErrNoSlice)
	}
	// The size is fixed for the pool's lifetime.
	if p.Size() != pool.PageSize {
		t.Errorf("Size = %d after flush, want %d", p.Size(), pool.PageSize)
	}
}
