// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package membus

import (
	"bytes"
	"fmt"
)

// Dispatch executes one command on the peer within domain d. The caller
// supplies its ambient identity and address space; arg is the
// caller-space address of the command's parameter block.
//
// Multiple dispatches may run in parallel on the same peer. Connect and
// resolve hold off domain shutdown; slice release, send, and receive hold
// the peer lock shared with an active reference, so they run concurrently
// with each other but serialize against connect, disconnect, and teardown.
func (p *Peer) Dispatch(d *Domain, caller *Caller, cmd Command, arg uint64) error {
	switch cmd {
	case CmdConnect, CmdResolve:
		// Lock against domain shutdown.
		if !d.Acquire() {
			return ErrShutdown
		}
		defer d.Release()

		if cmd == CmdConnect {
			return p.dispatchConnect(d, caller, arg)
		}
		return p.dispatchResolve(d, caller, arg)

	case CmdDisconnect:
		// No argument allowed; disconnect behaves like the last close.
		if arg != 0 {
			return ErrInvalidArgument
		}
		return p.Teardown(d)

	case CmdSliceRelease, CmdSend, CmdRecv:
		p.rwlock.RLock()
		defer p.rwlock.RUnlock()
		if !p.Acquire() {
			return ErrShutdown
		}
		defer p.Release()

		switch cmd {
		case CmdSliceRelease:
			return p.dispatchSliceRelease(caller, arg)
		case CmdSend:
			return p.dispatchSend(d, caller, arg)
		default:
			return p.dispatchRecv(d, caller, arg)
		}
	}
	return fmt.Errorf("command %v: %w", cmd, ErrNoSuchCommand)
}

// dispatchSliceRelease returns a published slice to the peer's pool. The
// parameter block is a single 64-bit pool offset.
func (p *Peer) dispatchSliceRelease(caller *Caller, arg uint64) error {
	info := p.Dereference()

	blk, err := caller.importFixed(arg, 8)
	if err != nil {
		return err
	}
	offset := wire.Uint64(blk)

	info.mu.Lock()
	defer info.mu.Unlock()
	if err := info.pool.ReleaseUser(offset); err != nil {
		return fmt.Errorf("%v: %w", err, ErrNoSuchEntry)
	}
	return nil
}

// dispatchResolve looks up a registered name and writes the owning peer's
// logical ID back into the parameter block. The caller holds an active
// domain reference.
func (p *Peer) dispatchResolve(d *Domain, caller *Caller, arg uint64) error {
	blk, err := caller.importDynamic(arg, resolveHeader)
	if err != nil {
		return err
	}
	var param ResolveRequest
	if err := param.UnmarshalBinary(blk); err != nil {
		return err
	}

	// No flags are known at this time.
	if param.Flags != 0 {
		return fmt.Errorf("unknown resolve flags %#x: %w", param.Flags, ErrInvalidArgument)
	}
	// The result field must be cleared by the caller.
	if param.ID != 0 {
		return fmt.Errorf("resolve ID not cleared: %w", ErrInvalidArgument)
	}
	// Reject overlong and short names early.
	if len(param.Name) < 2 || len(param.Name) > NameMaxSize {
		return ErrNoSuchEntry
	}
	// The name must be zero-terminated.
	if param.Name[len(param.Name)-1] != 0 {
		return fmt.Errorf("unterminated resolve name: %w", ErrInvalidArgument)
	}
	name := param.Name[:len(param.Name)-1]
	if bytes.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("embedded zero in resolve name: %w", ErrInvalidArgument)
	}

	id, err := d.Resolve(string(name))
	if err != nil {
		return err
	}

	// Write the ID back; the block layout puts it after size and flags.
	var b [8]byte
	wire.PutUint64(b[:], id)
	return caller.writeAt(arg+8, b[:])
}
