// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package membus

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Command is the dispatch code of a bus operation.
type Command uint32

const (
	CmdConnect      Command = 1 // connect, reset, or query a peer
	CmdResolve      Command = 2 // resolve a well-known name to a peer ID
	CmdDisconnect   Command = 3 // tear down a peer
	CmdSliceRelease Command = 4 // release a published pool slice
	CmdSend         Command = 5 // send a message to one or more peers
	CmdRecv         Command = 6 // receive or peek the next queued message
)

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "CONNECT"
	case CmdResolve:
		return "RESOLVE"
	case CmdDisconnect:
		return "DISCONNECT"
	case CmdSliceRelease:
		return "SLICE_RELEASE"
	case CmdSend:
		return "SEND"
	case CmdRecv:
		return "RECV"
	default:
		return fmt.Sprintf("CMD:%d", uint32(c))
	}
}

// Connect flags.
const (
	ConnectPeer    = 1 << 0 // connect a new client peer
	ConnectMonitor = 1 << 1 // connect a new monitor peer
	ConnectQuery   = 1 << 2 // write back the pool size
	ConnectReset   = 1 << 3 // flush queue and pool, keep identity

	connectFlagMask = ConnectPeer | ConnectMonitor | ConnectQuery | ConnectReset
)

// Send flags.
const (
	SendIgnoreUnknown = 1 << 0 // skip unknown destination IDs
	SendConveyErrors  = 1 << 1 // convey delivery errors to destinations

	sendFlagMask = SendIgnoreUnknown | SendConveyErrors
)

// Recv flags.
const (
	RecvPeek = 1 << 0 // report the head message without dequeuing

	recvFlagMask = RecvPeek
)

// Wire limits.
const (
	// NameMaxSize bounds the length of a registered name, including its
	// terminating zero byte. The minimum is 2 (one byte plus terminator).
	NameMaxSize = 256

	// VecMax bounds the number of data vectors in a single send.
	VecMax = 512

	// FDMax bounds the number of files attached to a single message.
	FDMax = 256

	// OffsetInvalid is the published offset reported for no message.
	OffsetInvalid = ^uint64(0)
)

// All parameter blocks are POD records in little-endian byte order.
// Variable-length blocks lead with a declared total size; fixed blocks are
// exactly their encoded length.
var wire = binary.LittleEndian

// connectHeader is the fixed prefix of a ConnectRequest: size, flags, pool
// size.
const connectHeader = 4 + 4 + 8

// A ConnectRequest is the parameter block of CmdConnect. Names is a
// concatenation of zero-terminated strings with no empty substring,
// carried inside the declared size after the fixed header.
type ConnectRequest struct {
	Flags    uint32
	PoolSize uint64
	Names    []byte
}

// Encode encodes the request in binary format.
func (c ConnectRequest) Encode() []byte {
	buf := make([]byte, connectHeader+len(c.Names))
	wire.PutUint32(buf[0:], uint32(len(buf)))
	wire.PutUint32(buf[4:], c.Flags)
	wire.PutUint64(buf[8:], c.PoolSize)
	copy(buf[connectHeader:], c.Names)
	return buf
}

// UnmarshalBinary decodes data into a connect parameter block. It
// implements encoding.BinaryUnmarshaler.
func (c *ConnectRequest) UnmarshalBinary(data []byte) error {
	if len(data) < connectHeader {
		return fmt.Errorf("short connect block (%d bytes): %w", len(data), ErrInvalidArgument)
	}
	if n := wire.Uint32(data[0:]); int(n) != len(data) {
		return fmt.Errorf("connect block size %d != %d: %w", n, len(data), ErrInvalidArgument)
	}
	c.Flags = wire.Uint32(data[4:])
	c.PoolSize = wire.Uint64(data[8:])
	if rest := data[connectHeader:]; len(rest) > 0 {
		c.Names = bytes.Clone(rest)
	} else {
		c.Names = nil
	}
	return nil
}

// String returns a human-friendly rendering of the request.
func (c ConnectRequest) String() string {
	return fmt.Sprintf("Connect(Flags=%04x, Pool=%d, Names=%q)", c.Flags, c.PoolSize, c.Names)
}

// resolveHeader is the fixed prefix of a ResolveRequest: size, flags, id.
const resolveHeader = 4 + 4 + 8

// A ResolveRequest is the parameter block of CmdResolve. Name is a single
// zero-terminated string carried inside the declared size. The ID field
// must be zero on entry; on success the resolved peer ID is written back.
type ResolveRequest struct {
	Flags uint32
	ID    uint64
	Name  []byte
}

// Encode encodes the request in binary format.
func (r ResolveRequest) Encode() []byte {
	buf := make([]byte, resolveHeader+len(r.Name))
	wire.PutUint32(buf[0:], uint32(len(buf)))
	wire.PutUint32(buf[4:], r.Flags)
	wire.PutUint64(buf[8:], r.ID)
	copy(buf[resolveHeader:], r.Name)
	return buf
}

// UnmarshalBinary decodes data into a resolve parameter block. It
// implements encoding.BinaryUnmarshaler.
func (r *ResolveRequest) UnmarshalBinary(data []byte) error {
	if len(data) < resolveHeader {
		return fmt.Errorf("short resolve block (%d bytes): %w", len(data), ErrInvalidArgument)
	}
	if n := wire.Uint32(data[0:]); int(n) != len(data) {
		return fmt.Errorf("resolve block size %d != %d: %w", n, len(data), ErrInvalidArgument)
	}
	r.Flags = wire.Uint32(data[4:])
	r.ID = wire.Uint64(data[8:])
	if rest := data[resolveHeader:]; len(rest) > 0 {
		r.Name = bytes.Clone(rest)
	} else {
		r.Name = nil
	}
	return nil
}

// String returns a human-friendly rendering of the request.
func (r ResolveRequest) String() string {
	return fmt.Sprintf("Resolve(ID=%d, Name=%q)", r.ID, r.Name)
}

// sendSize is the encoded length of a SendRequest.
const sendSize = 9 * 8

// A SendRequest is the fixed parameter block of CmdSend. The Ptr fields are
// caller-space addresses; the destination array holds NDestinations peer
// IDs, the vector array NVecs Vec records, the handle array NHandles
// handle IDs, and the file array NFDs descriptor numbers.
type SendRequest struct {
	Flags           uint64
	PtrDestinations uint64
	NDestinations   uint64
	PtrVecs         uint64
	NVecs           uint64
	PtrHandles      uint64
	NHandles        uint64
	PtrFDs          uint64
	NFDs            uint64
}

// Encode encodes the request in binary format.
func (s SendRequest) Encode() []byte {
	buf := make([]byte, sendSize)
	for i, v := range []uint64{
		s.Flags, s.PtrDestinations, s.NDestinations, s.PtrVecs, s.NVecs,
		s.PtrHandles, s.NHandles, s.PtrFDs, s.NFDs,
	} {
		wire.PutUint64(buf[8*i:], v)
	}
	return buf
}

// UnmarshalBinary decodes data into a send parameter block. It implements
// encoding.BinaryUnmarshaler.
func (s *SendRequest) UnmarshalBinary(data []byte) error {
	if len(data) != sendSize {
		return fmt.Errorf("invalid send block (%d bytes): %w", len(data), ErrInvalidArgument)
	}
	s.Flags = wire.Uint64(data[0:])
	s.PtrDestinations = wire.Uint64(data[8:])
	s.NDestinations = wire.Uint64(data[16:])
	s.PtrVecs = wire.Uint64(data[24:])
	s.NVecs = wire.Uint64(data[32:])
	s.PtrHandles = wire.Uint64(data[40:])
	s.NHandles = wire.Uint64(data[48:])
	s.PtrFDs = wire.Uint64(data[56:])
	s.NFDs = wire.Uint64(data[64:])
	return nil
}

// String returns a human-friendly rendering of the request.
func (s SendRequest) String() string {
	return fmt.Sprintf("Send(Flags=%04x, Dests=%d, Vecs=%d, Handles=%d, FDs=%d)",
		s.Flags, s.NDestinations, s.NVecs, s.NHandles, s.NFDs)
}

// recvSize is the encoded length of a RecvRequest.
const recvSize = 5 * 8

// A RecvRequest is the fixed parameter block of CmdRecv. On entry every
// output field must be zeroed (MsgOffset to OffsetInvalid); on success the
// published slice location and the message's handle and file counts are
// written back.
type RecvRequest struct {
	Flags      uint64
	MsgOffset  uint64
	MsgSize    uint64
	MsgHandles uint64
	MsgFDs     uint64
}

// Encode encodes the request in binary format.
func (r RecvRequest) Encode() []byte {
	buf := make([]byte, recvSize)
	wire.PutUint64(buf[0:], r.Flags)
	wire.PutUint64(buf[8:], r.MsgOffset)
	wire.PutUint64(buf[16:], r.MsgSize)
	wire.PutUint64(buf[24:], r.MsgHandles)
	wire.PutUint64(buf[32:], r.MsgFDs)
	return buf
}

// UnmarshalBinary decodes data into a recv parameter block. It implements
// encoding.BinaryUnmarshaler.
func (r *RecvRequest) UnmarshalBinary(data []byte) error {
	if len(data) != recvSize {
		return fmt.Errorf("invalid recv block (%d bytes): %w", len(data), ErrInvalidArgument)
	}
	r.Flags = wire.Uint64(data[0:])
	r.MsgOffset = wire.Uint64(data[8:])
	r.MsgSize = wire.Uint64(data[16:])
	r.MsgHandles = wire.Uint64(data[24:])
	r.MsgFDs = wire.Uint64(data[32:])
	return nil
}

// String returns a human-friendly rendering of the request.
func (r RecvRequest) String() string {
	return fmt.Sprintf("Recv(Flags=%04x, Offset=%d, Size=%d, Handles=%d, FDs=%d)",
		r.Flags, r.MsgOffset, r.MsgSize, r.MsgHandles, r.MsgFDs)
}

// A Vec names a region of caller memory contributing payload to a send.
type Vec struct {
	Ptr uint64
	Len uint64
}

// vecSize is the encoded length of a Vec.
const vecSize = 16

// String returns a human-friendly rendering of the vector.
func (v Vec) String() string { return fmt.Sprintf("Vec(Ptr=%d, Len=%d)", v.Ptr, v.Len) }
