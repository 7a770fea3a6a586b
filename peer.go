// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package membus

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/creachadair/mds/mlink"
	"go.uber.org/zap"
)

// A Peer is an addressable bus endpoint owned by a user identity. A peer
// begins detached from any domain; a successful connect installs its
// private state and links it into the domain. The caller may destroy the
// peer only after teardown has completed.
//
// Connect and disconnect serialize through the peer's lock exclusively;
// send, receive, and slice release hold it shared together with an active
// reference, so they run concurrently with each other but block teardown.
type Peer struct {
	rwlock sync.RWMutex
	waitq  waitq
	active gate

	// info is the peer's private state, installed at activation and
	// cleared by the teardown callback. It is read by lock-free readers;
	// mutation requires the domain lock.
	info atomic.Pointer[PeerInfo]

	// names holds the peer's owned name bindings, in reverse wire order.
	// Guarded by rwlock; mutation also requires the domain lock.
	names mlink.List[*PeerName]

	linked bool // membership in the domain peer list, guarded by domain lock
}

// NewPeer allocates a peer in its initial state: never activated, no
// private state, no names, no domain link.
func NewPeer() *Peer { return new(Peer) }

// loadInfo returns the current private state pointer, which may be nil.
func (p *Peer) loadInfo() *PeerInfo { return p.info.Load() }

// Acquire takes an active reference on the peer, holding off teardown. It
// reports false if the peer was never activated or is shutting down.
func (p *Peer) Acquire() bool { return p.active.acquire() }

// Release drops a reference taken by Acquire.
func (p *Peer) Release() { p.active.release(&p.waitq) }

// Dereference returns the peer's private state. The caller must hold an
// active reference, which keeps the returned pointer stable and non-nil
// until the matching Release.
func (p *Peer) Dereference() *PeerInfo { return p.info.Load() }

// Wake notifies poll-style readers blocked on the peer.
func (p *Peer) Wake() { p.waitq.wake() }

// Ready returns a channel that is closed at the peer's next wakeup. It is
// the poll hook for readers that want to block until a message may be
// available.
func (p *Peer) Ready() <-chan struct{} { return p.waitq.ready() }

// CopySlice copies buf's worth of bytes from the published slice at
// offset in the peer's pool. It is the stand-in for the caller's mapped
// view of the pool.
func (p *Peer) CopySlice(offset uint64, buf []byte) error {
	if !p.Acquire() {
		return ErrShutdown
	}
	defer p.Release()
	info := p.Dereference()
	info.mu.Lock()
	defer info.mu.Unlock()
	if err := info.pool.CopyOut(offset, buf); err != nil {
		return ErrNoSuchEntry
	}
	return nil
}

// nameCheck checks one name against the peer's bindings. It returns the
// total number of bindings when name matches the tail of the iteration
// order, zero when it matches a non-tail binding, and ErrNamesDiffer when
// it matches nothing. The caller holds rwlock.
func (p *Peer) nameCheck(name []byte) (int, error) {
	var n int
	total := p.names.Len()
	for binding := range p.names.Each {
		n++
		if string(name) == binding.name {
			if n < total {
				return 0, nil
			}
			return n, nil
		}
	}
	return 0, ErrNamesDiffer
}

// namesCheck checks whether buf, a concatenation of zero-terminated
// strings, names exactly the peer's bindings including the tail identity.
// It reports ErrInvalidArgument for a malformed buffer and ErrNamesDiffer
// for a mismatch. The caller holds rwlock.
func (p *Peer) namesCheck(buf []byte) error {
	if len(buf) == 0 && p.names.Len() > 0 {
		return ErrNamesDiffer
	}

	var nNames, nNamesOld int
	for len(buf) > 0 {
		i := bytes.IndexByte(buf, 0)
		if i <= 0 {
			// An empty substring, or a final string with no terminator.
			return ErrInvalidArgument
		}

		r, err := p.nameCheck(buf[:i])
		if err != nil {
			return err
		}
		if r > 0 {
			nNamesOld = r
		}

		buf = buf[i+1:]
		nNames++
	}

	if nNames != nNamesOld {
		return ErrNamesDiffer
	}
	return nil
}

// cleanup is the once-only teardown callback. It pulls the private state
// out of the peer, unregisters every name, releases the user pin, and
// unlinks the peer from the domain. The caller holds the domain lock with
// the write sequence raised; the drained gate guarantees no other pointer
// to the peer remains in use.
func (p *Peer) cleanup(d *Domain) *PeerInfo {
	info := p.info.Load()
	if info == nil {
		return nil
	}

	for binding := range p.names.Each {
		d.nameRemove(binding)
	}
	p.names.Clear()

	// Users reference the domain, so release with the domain locked.
	d.releaseUser(info.user)
	info.user = nil

	d.dropID(info.id.Load())
	if p.linked {
		delete(d.peers, p)
		d.nPeers--
		p.linked = false
	}

	p.info.Store(nil)
	return info
}

// Teardown deactivates the peer, drains in-flight operations, and releases
// everything the peer holds in the domain. It reports ErrShutdown if a
// concurrent teardown won the race.
func (p *Peer) Teardown(d *Domain) error {
	// Lock against parallel connect/disconnect.
	p.rwlock.Lock()
	defer p.rwlock.Unlock()

	p.active.deactivate()
	p.active.drain(&p.waitq)

	var info *PeerInfo
	d.mu.Lock()
	d.writeSeqBegin()
	// Peer releases never wait on the domain lock, so the drain above is
	// complete; pass no wait queue into cleanup.
	won := p.active.cleanup(nil, func() { info = p.cleanup(d) })
	d.writeSeqEnd()
	d.mu.Unlock()

	if !won {
		return ErrShutdown
	}
	uid := uint32(0)
	if info != nil {
		uid = info.ownerUID
	}
	info.free()
	d.metrics.tornDown.Add(1)
	d.log.Debug("peer torn down", zap.Uint32("uid", uid))
	return nil
}

// teardownForDomain is the teardown variant used during domain shutdown.
// The caller has already deactivated and drained the peer, and holds the
// domain lock with the write sequence raised. The peer is not removed from
// the domain peer list; the domain resets the list in one step after
// iterating. Calling it more than once is harmless.
func (p *Peer) teardownForDomain(d *Domain) {
	p.linked = false // the domain resets its list wholesale
	p.active.cleanup(nil, func() {
		info := p.cleanup(d)
		info.free()
	})
}
