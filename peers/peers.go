// Package peers provides support code for managing and testing peers.
package peers

import (
	"encoding/binary"
	"os"

	"github.com/membus/membus"
	"github.com/membus/membus/fdtab"
	"go.uber.org/multierr"
)

// memSize is the size of each client's simulated address space.
const memSize = 1 << 20

// argOffset is where parameter blocks are placed in client memory; the
// region below it is the bump arena for arrays and payloads.
const argOffset = memSize / 2

// Local is an in-memory domain with helpers for wiring clients to it,
// suitable for testing.
type Local struct {
	Domain  *membus.Domain
	clients []*Client
}

// NewLocal creates a fresh active domain.
func NewLocal(opts ...membus.DomainOption) *Local {
	return &Local{Domain: membus.NewDomain(opts...)}
}

// Stop disconnects every client and shuts the domain down, reporting the
// combined errors. Clients that were already torn down are skipped.
func (l *Local) Stop() error {
	var errs error
	for _, c := range l.clients {
		if err := c.Disconnect(); err != nil && err != membus.ErrShutdown {
			errs = multierr.Append(errs, err)
		}
	}
	if err := l.Domain.Shutdown(); err != nil && err != membus.ErrShutdown {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// A Client is one peer together with the caller identity and address
// space it dispatches under. The helpers encode parameter blocks into the
// caller memory and dispatch them, so users of this package exercise the
// same wire path as a real caller.
type Client struct {
	Peer   *membus.Peer
	Caller *membus.Caller

	local *Local
	bump  uint64 // arena cursor, reset at each dispatch
}

// NewClient creates a client with a fresh peer and an in-memory
// descriptor table, dispatching as uid.
func (l *Local) NewClient(uid uint32) *Client {
	c := &Client{
		Peer: membus.NewPeer(),
		Caller: &membus.Caller{
			UID: uid,
			FDs: fdtab.NewLocal(),
			Mem: make([]byte, memSize),
		},
		local: l,
	}
	l.clients = append(l.clients, c)
	return c
}

// place copies data into the client's bump arena and returns its address.
func (c *Client) place(data []byte) uint64 {
	ptr := c.bump
	copy(c.Caller.Mem[ptr:], data)
	c.bump += uint64(len(data))
	return ptr
}

// dispatch places the parameter block at the argument offset and runs the
// command.
func (c *Client) dispatch(cmd membus.Command, block []byte) error {
	copy(c.Caller.Mem[argOffset:], block)
	err := c.Peer.Dispatch(c.local.Domain, c.Caller, cmd, argOffset)
	c.bump = 0
	return err
}

// argU64 reads the 64-bit word at byte offset off of the parameter block.
func (c *Client) argU64(off uint64) uint64 {
	return binary.LittleEndian.Uint64(c.Caller.Mem[argOffset+off:])
}

// nulstr concatenates names into a zero-terminated name buffer.
func nulstr(names ...string) []byte {
	var buf []byte
	for _, n := range names {
		buf = append(buf, n...)
		buf = append(buf, 0)
	}
	return buf
}

// Connect connects the client's peer with the given pool size and names.
func (c *Client) Connect(poolSize uint64, names ...string) error {
	return c.dispatch(membus.CmdConnect, membus.ConnectRequest{
		Flags:    membus.ConnectPeer,
		PoolSize: poolSize,
		Names:    nulstr(names...),
	}.Encode())
}

// ConnectMonitor connects the client's peer as a monitor.
func (c *Client) ConnectMonitor(poolSize uint64) error {
	return c.dispatch(membus.CmdConnect, membus.ConnectRequest{
		Flags:    membus.ConnectMonitor,
		PoolSize: poolSize,
	}.Encode())
}

// Query reports the peer's pool size.
func (c *Client) Query() (uint64, error) {
	err := c.dispatch(membus.CmdConnect, membus.ConnectRequest{
		Flags: membus.ConnectQuery,
	}.Encode())
	if err != nil {
		return 0, err
	}
	return c.argU64(8), nil
}

// Reset flushes the peer's queue and pool, reporting the pool size.
func (c *Client) Reset() (uint64, error) {
	err := c.dispatch(membus.CmdConnect, membus.ConnectRequest{
		Flags: membus.ConnectReset | membus.ConnectQuery,
	}.Encode())
	if err != nil {
		return 0, err
	}
	return c.argU64(8), nil
}

// Resolve looks up a registered name and returns its peer ID.
func (c *Client) Resolve(name string) (uint64, error) {
	err := c.dispatch(membus.CmdResolve, membus.ResolveRequest{
		Name: append([]byte(name), 0),
	}.Encode())
	if err != nil {
		return 0, err
	}
	return c.argU64(8), nil
}

// Disconnect tears the peer down.
func (c *Client) Disconnect() error {
	return c.Peer.Dispatch(c.local.Domain, c.Caller, membus.CmdDisconnect, 0)
}

// SendOptions customize a Send beyond its payload.
type SendOptions struct {
	Flags   uint64
	Handles []uint64
	Files   []*os.File
}

// Send delivers payload to every destination ID, or to none.
func (c *Client) Send(dests []uint64, payload []byte, opts *SendOptions) error {
	if opts == nil {
		opts = &SendOptions{}
	}

	var destBuf []byte
	for _, d := range dests {
		destBuf = binary.LittleEndian.AppendUint64(destBuf, d)
	}
	ptrDests := c.place(destBuf)

	ptrPayload := c.place(payload)
	var vecBuf []byte
	vecBuf = binary.LittleEndian.AppendUint64(vecBuf, ptrPayload)
	vecBuf = binary.LittleEndian.AppendUint64(vecBuf, uint64(len(payload)))
	ptrVecs := c.place(vecBuf)

	var handleBuf []byte
	for _, h := range opts.Handles {
		handleBuf = binary.LittleEndian.AppendUint64(handleBuf, h)
	}
	ptrHandles := c.place(handleBuf)

	var fdBuf []byte
	for _, f := range opts.Files {
		local := c.Caller.FDs.(*fdtab.Local)
		fdBuf = binary.LittleEndian.AppendUint64(fdBuf, uint64(local.Add(f)))
	}
	ptrFDs := c.place(fdBuf)

	nVecs := uint64(1)
	if len(payload) == 0 {
		nVecs = 0
	}
	return c.dispatch(membus.CmdSend, membus.SendRequest{
		Flags:           opts.Flags,
		PtrDestinations: ptrDests,
		NDestinations:   uint64(len(dests)),
		PtrVecs:         ptrVecs,
		NVecs:           nVecs,
		PtrHandles:      ptrHandles,
		NHandles:        uint64(len(opts.Handles)),
		PtrFDs:          ptrFDs,
		NFDs:            uint64(len(opts.Files)),
	}.Encode())
}

// A Delivery is the caller-visible result of a receive or peek.
type Delivery struct {
	Offset  uint64
	Size    uint64
	Handles uint64
	FDs     uint64
	Payload []byte // the full published slice contents
}

// Recv dequeues the next committed message.
func (c *Client) Recv() (*Delivery, error) { return c.recv(0) }

// Peek reports the head message without dequeuing it.
func (c *Client) Peek() (*Delivery, error) { return c.recv(membus.RecvPeek) }

func (c *Client) recv(flags uint64) (*Delivery, error) {
	err := c.dispatch(membus.CmdRecv, membus.RecvRequest{
		Flags:     flags,
		MsgOffset: membus.OffsetInvalid,
	}.Encode())
	if err != nil {
		return nil, err
	}
	d := &Delivery{
		Offset:  c.argU64(8),
		Size:    c.argU64(16),
		Handles: c.argU64(24),
		FDs:     c.argU64(32),
	}
	d.Payload = make([]byte, d.Size)
	if err := c.Peer.CopySlice(d.Offset, d.Payload); err != nil {
		return nil, err
	}
	return d, nil
}

// ReleaseSlice returns a published slice to the peer's pool.
func (c *Client) ReleaseSlice(offset uint64) error {
	blk := binary.LittleEndian.AppendUint64(nil, offset)
	return c.dispatch(membus.CmdSliceRelease, blk)
}
