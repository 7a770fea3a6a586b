// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package membus

import (
	"fmt"

	"go.uber.org/zap"
)

// dispatchRecv dequeues or peeks the next committed message. The caller
// holds the peer lock shared with an active reference acquired.
//
// The receive path pre-reserves file descriptors before dequeuing, so that
// descriptor exhaustion can never drop a message that has already left the
// queue. The reservation is reconciled against the head message in a retry
// loop: the head may change while the lock is dropped to reserve more.
func (p *Peer) dispatchRecv(d *Domain, caller *Caller, arg uint64) (err error) {
	defer func() {
		if err != nil {
			d.metrics.recvErrs.Add(1)
		}
	}()

	info := p.Dereference()

	blk, err := caller.importFixed(arg, recvSize)
	if err != nil {
		return err
	}
	var param RecvRequest
	if err := param.UnmarshalBinary(blk); err != nil {
		return err
	}

	if param.Flags&^uint64(recvFlagMask) != 0 {
		return fmt.Errorf("unknown recv flags %#x: %w", param.Flags, ErrInvalidArgument)
	}
	// Output fields must be cleared by the caller.
	if param.MsgOffset != OffsetInvalid || param.MsgSize != 0 ||
		param.MsgHandles != 0 || param.MsgFDs != 0 {
		return fmt.Errorf("recv output fields not cleared: %w", ErrInvalidArgument)
	}

	// A conveyed delivery error is reported before any queued message.
	info.mu.Lock()
	if err := info.conveyed; err != nil {
		info.conveyed = nil
		info.mu.Unlock()
		return err
	}

	// Estimate the descriptor demand from the head message. If nothing is
	// queued we can bail out early; anyone might race us for retrieval, so
	// the count is rechecked under the lock below.
	var wantedFDs int
	node := info.queue.Peek()
	if node != nil {
		wantedFDs = messageFromNode(node).nFiles()
	}
	info.mu.Unlock()
	if node == nil {
		return ErrAgain
	}

	// PEEK: publish the head slice and report its counts, but keep the
	// node queued and install nothing.
	if param.Flags&RecvPeek != 0 {
		info.mu.Lock()
		node = info.queue.Peek()
		if node != nil {
			m := messageFromNode(node)
			param.MsgOffset, param.MsgSize = info.pool.Publish(m.slice)
			param.MsgHandles = m.nHandles
			param.MsgFDs = uint64(m.nFiles())
		}
		info.mu.Unlock()

		if node == nil {
			return ErrAgain
		}
		d.metrics.recvs.Add(1)
		return p.recvCopyOut(caller, arg, &param)
	}

	// Reconcile reserved descriptors with the head message, then dequeue.
	var fds []int
	defer func() {
		for _, fd := range fds {
			caller.FDs.Put(fd)
		}
	}()

	var msg *Message
	for {
		for len(fds) < wantedFDs {
			fd, err := caller.FDs.Reserve()
			if err != nil {
				return fmt.Errorf("%v: %w", err, ErrNoMemory)
			}
			fds = append(fds, fd)
		}

		info.mu.Lock()
		node = info.queue.Peek()
		if node == nil {
			info.mu.Unlock()
			return ErrAgain
		}
		msg = messageFromNode(node)
		if msg.nFiles() > len(fds) {
			// Reserve more and retry.
			wantedFDs = msg.nFiles()
			info.mu.Unlock()
			continue
		}

		info.queue.Remove(node)
		param.MsgOffset, param.MsgSize = info.pool.Publish(msg.slice)
		param.MsgHandles = msg.nHandles
		param.MsgFDs = uint64(msg.nFiles())
		if msg.nFiles() == 0 {
			// Fastpath: no files, release the engine reference here and
			// skip the second lock below.
			msg.deallocateLocked(info)
		}
		info.mu.Unlock()
		break
	}

	if n := msg.nFiles(); n > 0 {
		// Return surplus reservations.
		for len(fds) > n {
			caller.FDs.Put(fds[len(fds)-1])
			fds = fds[:len(fds)-1]
		}

		// Write the descriptor numbers into the tail of the published
		// slice. The only failure here is resource exhaustion; the message
		// cannot go back on the queue without breaking ordering, so it is
		// dropped, and the drop is conveyed when the sender asked for
		// that.
		tail := make([]byte, 8*n)
		for i, fd := range fds {
			wire.PutUint64(tail[8*i:], uint64(fd))
		}

		info.mu.Lock()
		werr := info.pool.WriteAt(msg.slice, msg.slice.Size()-uint64(len(tail)), tail)
		msg.deallocateLocked(info)
		if werr != nil && msg.convey {
			info.conveyed = fmt.Errorf("%v: %w", werr, ErrNoMemory)
		}
		info.mu.Unlock()

		if werr != nil {
			d.metrics.dropped.Add(1)
			d.log.Warn("message dropped on descriptor publish", zap.Error(werr))
			msg.free()
			return fmt.Errorf("%v: %w", werr, ErrNoMemory)
		}

		// Install the descriptors, bottom-up.
		for i := n; i > 0; i-- {
			caller.FDs.Install(fds[i-1], msg.pin.files[i-1])
		}
		fds = fds[:0]
	}

	msg.free()
	d.metrics.recvs.Add(1)
	return p.recvCopyOut(caller, arg, &param)
}

// recvCopyOut writes the output fields back to caller memory. A fault does
// not revert the side effects already applied.
func (p *Peer) recvCopyOut(caller *Caller, arg uint64, param *RecvRequest) error {
	return caller.writeAt(arg, param.Encode())
}
