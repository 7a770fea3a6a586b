// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package membus

import (
	"fmt"
	"os"
)

// A Transaction stages one send for delivery to one or more destinations
// and commits it atomically: every destination observes the message, or
// none does.
//
// The flattened payload lives either in a caller-provided scratch buffer
// or, when it does not fit, in a heap buffer; free knows which variant it
// owns. Stale destinations are handled at commit: a destination that was
// reset after instantiation observes its staged node unlinked and the
// delivery is silently discarded.
type Transaction struct {
	info   *PeerInfo // sender state
	domain *Domain

	payload []byte
	heap    bool // payload did not fit the scratch buffer

	handles []uint64
	pin     *filePin // files pinned from the sender's table, or nil

	staged []stagedDest
}

type stagedDest struct {
	peer *Peer // active reference held until commit or abort
	info *PeerInfo
	msg  *Message
	tag  uint64 // logical ID the destination was addressed by
}

// newTransaction builds a transaction from the send parameter block,
// flattening the caller's vectors and pinning the attached files. The
// scratch buffer is used for the payload when it is large enough.
func newTransaction(info *PeerInfo, d *Domain, caller *Caller, param *SendRequest, scratch []byte) (*Transaction, error) {
	t := &Transaction{info: info, domain: d}

	// Flatten the data vectors.
	var total uint64
	vecs := make([]Vec, param.NVecs)
	for i := range vecs {
		b, err := caller.readAt(param.PtrVecs+uint64(i)*vecSize, vecSize)
		if err != nil {
			return nil, err
		}
		vecs[i] = Vec{Ptr: wire.Uint64(b), Len: wire.Uint64(b[8:])}
		total += vecs[i].Len
	}
	if total <= uint64(len(scratch)) {
		t.payload = scratch[:total]
	} else {
		t.payload = make([]byte, total)
		t.heap = true
	}
	var off uint64
	for _, v := range vecs {
		b, err := caller.readAt(v.Ptr, v.Len)
		if err != nil {
			return nil, err
		}
		copy(t.payload[off:], b)
		off += v.Len
	}

	// Handle IDs travel inside the slice after the payload.
	if param.NHandles > 0 {
		t.handles = make([]uint64, param.NHandles)
		for i := range t.handles {
			v, err := caller.readU64(param.PtrHandles + uint64(i)*8)
			if err != nil {
				return nil, err
			}
			t.handles[i] = v
		}
	}

	// Pin the attached files out of the caller's descriptor table. A
	// failure part way returns the already-pinned files immediately.
	if param.NFDs > 0 {
		files := make([]*os.File, 0, param.NFDs)
		unpin := func() {
			for _, f := range files {
				caller.FDs.Release(f)
			}
		}
		for i := uint64(0); i < param.NFDs; i++ {
			fd, err := caller.readU64(param.PtrFDs + 8*i)
			if err != nil {
				unpin()
				return nil, err
			}
			f, err := caller.FDs.File(int(fd))
			if err != nil {
				unpin()
				return nil, fmt.Errorf("send file %d: %w", fd, ErrInvalidArgument)
			}
			files = append(files, f)
		}
		t.pin = newFilePin(caller.FDs, files)
	}
	return t, nil
}

// nFiles reports the number of files pinned to the transaction.
func (t *Transaction) nFiles() int {
	if t.pin == nil {
		return 0
	}
	return len(t.pin.files)
}

// sliceSize reports the destination slice size: payload, handle IDs, and
// room for the installed descriptor numbers at the tail.
func (t *Transaction) sliceSize() uint64 {
	return uint64(len(t.payload)) + uint64(len(t.handles))*8 + uint64(t.nFiles())*8
}

// instantiate stages the message on the destination addressed by destID.
// Unknown or stale IDs fail with ErrNoSuchEntry unless SendIgnoreUnknown
// is set; allocation failures are conveyed to the destination instead of
// failing when SendConveyErrors is set.
func (t *Transaction) instantiate(sender *User, destID uint64, flags uint64) error {
	dest := t.domain.lookupPeer(destID)
	if dest == nil {
		if flags&SendIgnoreUnknown != 0 {
			return nil
		}
		return fmt.Errorf("destination %d: %w", destID, ErrNoSuchEntry)
	}
	dinfo := dest.Dereference()

	dinfo.mu.Lock()
	err := t.stageLocked(sender, dest, dinfo, destID, flags)
	dinfo.mu.Unlock()

	if err != nil {
		if flags&SendConveyErrors != 0 {
			// The destination learns of the failed delivery; the send
			// itself proceeds.
			dinfo.mu.Lock()
			dinfo.conveyed = err
			dinfo.mu.Unlock()
			dest.Release()
			dest.Wake()
			return nil
		}
		dest.Release()
		return err
	}
	return nil
}

// stageLocked allocates the destination slice, charges its allocated size
// to the sender's quota, fills it, and pushes the staged queue node. The
// caller holds the destination info lock.
func (t *Transaction) stageLocked(sender *User, dest *Peer, dinfo *PeerInfo, destID uint64, flags uint64) error {
	size := t.sliceSize()
	s, err := dinfo.pool.Alloc(size)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrNoMemory)
	}
	// Charge the allocated (aligned) size, which is what deallocation
	// refunds.
	if err := dinfo.quota.charge(sender, dinfo.pool.Size(), s.Size()); err != nil {
		dinfo.pool.Release(s)
		return err
	}

	if err := dinfo.pool.WriteAt(s, 0, t.payload); err != nil {
		dinfo.pool.Release(s)
		dinfo.quota.refund(sender.uid, s.Size())
		return fmt.Errorf("%v: %w", err, ErrNoMemory)
	}
	off := uint64(len(t.payload))
	for _, h := range t.handles {
		var b [8]byte
		wire.PutUint64(b[:], h)
		if err := dinfo.pool.WriteAt(s, off, b[:]); err != nil {
			dinfo.pool.Release(s)
			dinfo.quota.refund(sender.uid, s.Size())
			return fmt.Errorf("%v: %w", err, ErrNoMemory)
		}
		off += 8
	}

	msg := newMessage(s, sender.uid, destID, flags&SendConveyErrors != 0)
	msg.pin = t.pin.retain()
	msg.nHandles = uint64(len(t.handles))
	dinfo.queue.Push(&msg.node)

	t.staged = append(t.staged, stagedDest{peer: dest, info: dinfo, msg: msg, tag: destID})
	return nil
}

// commit publishes every staged delivery under one domain-wide commit
// sequence. Destinations reset since instantiation observe their node
// unlinked and the delivery is discarded without error.
func (t *Transaction) commit() {
	seq := t.domain.nextCommitSeq()
	for _, st := range t.staged {
		st.info.mu.Lock()
		ok := st.info.id.Load() == st.tag && st.info.queue.Commit(&st.msg.node, seq)
		if !ok {
			// The destination was reset; the unlink is the cancellation
			// signal, discard silently.
			st.msg.deallocateLocked(st.info)
			st.msg.free()
		}
		st.info.mu.Unlock()
		if ok {
			st.peer.Wake()
		}
		st.peer.Release()
	}
	t.staged = nil
}

// commitForID is the unicast fastpath: stage on a single destination and
// commit immediately.
func (t *Transaction) commitForID(sender *User, destID uint64, flags uint64) error {
	if err := t.instantiate(sender, destID, flags); err != nil {
		return err
	}
	t.commit()
	return nil
}

// abort unwinds every staged delivery.
func (t *Transaction) abort() {
	for _, st := range t.staged {
		st.info.mu.Lock()
		st.info.queue.Remove(&st.msg.node)
		st.msg.deallocateLocked(st.info)
		st.msg.free()
		st.info.mu.Unlock()
		st.peer.Release()
	}
	t.staged = nil
}

// free destroys the transaction. Staged but uncommitted deliveries are
// aborted, and the transaction's hold on the pinned files is dropped; any
// committed message keeps its own hold until it is received or discarded.
// A heap payload is released to the collector; a scratch payload belongs
// to the caller.
func (t *Transaction) free() {
	t.abort()
	t.pin.release()
	t.pin = nil
	if t.heap {
		t.payload = nil
	}
}
