// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package pool implements a fixed-size byte arena owned by a single peer.
//
// A pool hands out sized slices of its arena. Each slice carries two
// references: an engine reference held while the slice backs an in-flight
// message, and a user reference taken when the slice is published to the
// caller. A slice is returned to the arena once both references are gone.
package pool

import (
	"cmp"
	"errors"
	"fmt"

	"github.com/creachadair/mds/stree"
)

// PageSize is the required alignment of a pool arena.
const PageSize = 4096

// OffsetInvalid is the sentinel published offset of an unpublished slice.
const OffsetInvalid = ^uint64(0)

var (
	// ErrInvalidSize reports a pool size of zero or one not aligned to
	// PageSize.
	ErrInvalidSize = errors.New("pool size must be a positive multiple of the page size")

	// ErrNoSpace reports that the arena cannot satisfy an allocation.
	ErrNoSpace = errors.New("no space in pool")

	// ErrNoSlice reports a release or write for an offset that does not
	// name a live slice.
	ErrNoSlice = errors.New("no slice at offset")
)

// sliceAlign is the alignment of slice offsets within the arena.
const sliceAlign = 8

// A Slice is an allocated region of a pool arena. Slices are created by
// Alloc and remain valid until both their references are released.
type Slice struct {
	offset    uint64
	size      uint64
	published bool // user reference
	engine    bool // engine reference
}

// Offset reports the position of the slice within the arena.
func (s *Slice) Offset() uint64 { return s.offset }

// Size reports the allocated size of the slice in bytes.
func (s *Slice) Size() uint64 { return s.size }

func (s *Slice) String() string {
	return fmt.Sprintf("Slice(off=%d, size=%d, pub=%v)", s.offset, s.size, s.published)
}

// A Pool is a byte arena of fixed size. The size is set at creation and
// never changes. A Pool is not safe for concurrent use; the owning peer
// serializes access under its own lock.
type Pool struct {
	size   uint64
	inUse  uint64
	arena  []byte
	slices *stree.Tree[*Slice] // live slices ordered by offset
}

// New constructs a pool whose arena is size bytes. The size must be a
// positive multiple of PageSize.
func New(size uint64) (*Pool, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, ErrInvalidSize
	}
	return &Pool{
		size:  size,
		arena: make([]byte, size),
		slices: stree.New(300, func(a, b *Slice) int {
			return cmp.Compare(a.offset, b.offset)
		}),
	}, nil
}

// Size reports the arena size fixed at creation.
func (p *Pool) Size() uint64 { return p.size }

// InUse reports the total bytes currently allocated.
func (p *Pool) InUse() uint64 { return p.inUse }

// Alloc allocates a slice of n bytes from the arena with an engine
// reference held. It reports ErrNoSpace if no gap can hold the request.
func (p *Pool) Alloc(n uint64) (*Slice, error) {
	if n == 0 {
		n = sliceAlign // zero-length payloads still occupy an addressable slot
	}
	need := (n + sliceAlign - 1) &^ uint64(sliceAlign-1)

	// First fit: walk live slices in offset order and take the first gap
	// wide enough, including the tail gap after the last slice.
	var next uint64
	offset := OffsetInvalid
	for s := range p.slices.Inorder {
		if s.offset-next >= need {
			offset = next
			break
		}
		next = s.offset + s.size
	}
	if offset == OffsetInvalid {
		if p.size-next < need {
			return nil, ErrNoSpace
		}
		offset = next
	}

	s := &Slice{offset: offset, size: need, engine: true}
	p.slices.Add(s)
	p.inUse += need
	return s, nil
}

// Publish exposes s to the caller, taking the user reference, and returns
// the offset and size the caller observes. Publishing an already-published
// slice refreshes nothing and is harmless.
func (p *Pool) Publish(s *Slice) (offset, size uint64) {
	s.published = true
	return s.offset, s.size
}

// Release drops the engine reference on s, returning it to the arena if no
// user reference remains.
func (p *Pool) Release(s *Slice) {
	if !s.engine {
		return
	}
	s.engine = false
	p.reap(s)
}

// ReleaseUser drops the user reference on the published slice at offset.
// It reports ErrNoSlice if offset does not name a published slice.
func (p *Pool) ReleaseUser(offset uint64) error {
	s, ok := p.slices.Get(&Slice{offset: offset})
	if !ok || !s.published {
		return ErrNoSlice
	}
	s.published = false
	p.reap(s)
	return nil
}

func (p *Pool) reap(s *Slice) {
	if s.engine || s.published {
		return
	}
	p.slices.Remove(s)
	p.inUse -= s.size
}

// WriteAt copies data into s at the given intra-slice offset. The write
// must fit inside the slice.
func (p *Pool) WriteAt(s *Slice, off uint64, data []byte) error {
	if off+uint64(len(data)) > s.size {
		return fmt.Errorf("write of %d bytes at %d exceeds %v", len(data), off, s)
	}
	copy(p.arena[s.offset+off:], data)
	return nil
}

// ReadAt copies len(data) bytes out of s at the given intra-slice offset.
func (p *Pool) ReadAt(s *Slice, off uint64, data []byte) error {
	if off+uint64(len(data)) > s.size {
		return fmt.Errorf("read of %d bytes at %d exceeds %v", len(data), off, s)
	}
	copy(data, p.arena[s.offset+off:])
	return nil
}

// CopyOut copies len(data) bytes from the start of the published slice at
// offset. It is the stand-in for the caller's mapped view of the arena.
func (p *Pool) CopyOut(offset uint64, data []byte) error {
	s, ok := p.slices.Get(&Slice{offset: offset})
	if !ok || !s.published {
		return ErrNoSlice
	}
	return p.ReadAt(s, 0, data)
}

// Flush releases every slice in the arena regardless of reference state.
// Published offsets become invalid.
func (p *Pool) Flush() {
	p.slices.Clear()
	p.inUse = 0
}

// Close flushes the pool and detaches its arena.
func (p *Pool) Close() {
	p.Flush()
	p.arena = nil
}
