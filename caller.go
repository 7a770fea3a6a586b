// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package membus

import (
	"fmt"

	"github.com/membus/membus/fdtab"
)

// A Caller is the ambient identity and address space of a dispatch. The Mem
// slice stands in for the caller's memory: every Ptr field in a parameter
// block is an offset into Mem, and copy-in/copy-out failures surface as
// ErrFault exactly as a faulting user access would.
type Caller struct {
	UID uint32      // ambient user identity
	FDs fdtab.Table // the caller's file-descriptor table
	Mem []byte      // the caller's address space
}

// fitsPtr reports whether v survives a round trip through the platform
// pointer width.
func fitsPtr(v uint64) bool { return v == uint64(uintptr(v)) }

// readAt returns n bytes of caller memory at ptr without copying.
func (c *Caller) readAt(ptr, n uint64) ([]byte, error) {
	if !fitsPtr(ptr) || ptr+n < ptr || ptr+n > uint64(len(c.Mem)) {
		return nil, fmt.Errorf("read %d bytes at %d: %w", n, ptr, ErrFault)
	}
	return c.Mem[ptr : ptr+n], nil
}

// writeAt copies data into caller memory at ptr.
func (c *Caller) writeAt(ptr uint64, data []byte) error {
	n := uint64(len(data))
	if !fitsPtr(ptr) || ptr+n < ptr || ptr+n > uint64(len(c.Mem)) {
		return fmt.Errorf("write %d bytes at %d: %w", n, ptr, ErrFault)
	}
	copy(c.Mem[ptr:], data)
	return nil
}

// readU64 reads one 64-bit word of caller memory at ptr.
func (c *Caller) readU64(ptr uint64) (uint64, error) {
	b, err := c.readAt(ptr, 8)
	if err != nil {
		return 0, err
	}
	return wire.Uint64(b), nil
}

// importFixed copies in a fixed-length parameter block at arg.
func (c *Caller) importFixed(arg, size uint64) ([]byte, error) {
	return c.readAt(arg, size)
}

// importDynamic copies in a variable-length parameter block at arg. The
// leading size word declares the total block length, which must be at
// least minSize.
func (c *Caller) importDynamic(arg, minSize uint64) ([]byte, error) {
	hdr, err := c.readAt(arg, 4)
	if err != nil {
		return nil, err
	}
	size := uint64(wire.Uint32(hdr))
	if size < minSize {
		return nil, fmt.Errorf("declared size %d below minimum %d: %w", size, minSize, ErrInvalidArgument)
	}
	return c.readAt(arg, size)
}
