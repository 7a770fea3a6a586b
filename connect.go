// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package membus

import (
	"bytes"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// parseNames splits a connect names buffer into owned bindings for peer,
// in the reverse of the wire order. That order is observable through the
// names-check tail contract and is stable.
func parseNames(p *Peer, buf []byte) ([]*PeerName, error) {
	var names []*PeerName
	for len(buf) > 0 {
		i := bytes.IndexByte(buf, 0)
		if i <= 0 {
			return nil, fmt.Errorf("malformed name buffer: %w", ErrInvalidArgument)
		}
		// Length bounds include the terminating zero byte.
		if i+1 < 2 || i+1 > NameMaxSize {
			return nil, fmt.Errorf("name length %d: %w", i+1, ErrNameTooLong)
		}
		names = append(names, &PeerName{name: string(buf[:i]), peer: p})
		buf = buf[i+1:]
	}
	slices.Reverse(names)
	return names, nil
}

// connectNew connects a peer in state NEW, installing its private state
// and registering its names under the domain-wide ordering. On an already
// active peer it instead verifies the parameters: ErrAlreadyConnected when
// pool size and name set match, ErrNamesDiffer otherwise.
func (p *Peer) connectNew(d *Domain, uid uint32, param *ConnectRequest) error {
	if !p.active.isNew() {
		info := p.loadInfo()
		if info == nil {
			return ErrShutdown
		}
		if param.PoolSize != info.pool.Size() {
			return ErrNamesDiffer
		}
		if err := p.namesCheck(param.Names); err != nil {
			return err
		}
		param.PoolSize = info.pool.Size()
		return ErrAlreadyConnected
	}

	// Monitor peers observe; they do not claim names.
	if param.Flags&ConnectMonitor != 0 && len(param.Names) > 0 {
		return fmt.Errorf("monitor with names: %w", ErrInvalidArgument)
	}

	info, err := newPeerInfo(param.PoolSize)
	if err != nil {
		return err
	}
	info.ownerUID = uid

	names, err := parseNames(p, param.Names)
	if err != nil {
		return err
	}

	d.mu.Lock()
	info.user = d.acquireUser(uid)
	d.writeSeqBegin()

	for i, binding := range names {
		if err := d.nameAdd(binding); err != nil {
			// Unwind the inserted prefix and bail out.
			for _, undo := range names[:i] {
				d.nameRemove(undo)
			}
			d.writeSeqEnd()
			d.releaseUser(info.user)
			info.user = nil
			d.mu.Unlock()
			info.free()
			return err
		}
	}

	p.names.End().Add(names...)
	p.linked = true
	d.peers[p] = struct{}{}
	d.nPeers++
	info.id.Store(d.allocID(p))
	p.info.Store(info)
	p.active.activate()

	d.writeSeqEnd()
	d.mu.Unlock()

	d.metrics.connected.Add(1)
	d.log.Debug("peer connected",
		zap.Uint32("uid", uid),
		zap.Uint64("id", info.id.Load()),
		zap.Uint64("pool_size", info.pool.Size()))
	return nil
}

// connectReset atomically rebinds an active peer under a fresh logical ID
// and flushes its queue and pool. In-flight deliveries tagged with the old
// ID observe the stale tag on dereference and discard themselves.
func (p *Peer) connectReset(d *Domain, param *ConnectRequest) error {
	if p.active.isNew() {
		return ErrNotConnected
	}
	// The reset request must not carry a pool size or names.
	if param.PoolSize != 0 || len(param.Names) > 0 {
		return ErrInvalidArgument
	}

	info := p.loadInfo()
	if info == nil {
		return ErrShutdown
	}
	param.PoolSize = info.pool.Size()

	d.mu.Lock()
	d.dropID(info.id.Load())
	info.id.Store(d.allocID(p))
	d.mu.Unlock()

	// Safe to flush outside the domain lock; the peer lock is still held.
	info.reset()

	d.metrics.resets.Add(1)
	d.log.Debug("peer reset", zap.Uint64("id", info.id.Load()))
	return nil
}

// connectQuery reports the current pool size without mutation.
func (p *Peer) connectQuery(d *Domain, param *ConnectRequest) error {
	if p.active.isNew() {
		return ErrNotConnected
	}
	info := p.loadInfo()
	if info == nil {
		return ErrShutdown
	}
	param.PoolSize = info.pool.Size()
	return nil
}

// dispatchConnect validates and routes a connect parameter block. The
// caller holds an active domain reference.
func (p *Peer) dispatchConnect(d *Domain, caller *Caller, arg uint64) error {
	blk, err := caller.importDynamic(arg, connectHeader)
	if err != nil {
		return err
	}
	var param ConnectRequest
	if err := param.UnmarshalBinary(blk); err != nil {
		return err
	}

	if param.Flags&^uint32(connectFlagMask) != 0 {
		return fmt.Errorf("unknown connect flags %#x: %w", param.Flags, ErrInvalidArgument)
	}
	// The modes are mutually exclusive; QUERY combines with any of them.
	nModes := 0
	for _, f := range []uint32{ConnectPeer, ConnectMonitor, ConnectReset} {
		if param.Flags&f != 0 {
			nModes++
		}
	}
	if nModes > 1 {
		return fmt.Errorf("conflicting connect modes: %w", ErrInvalidArgument)
	}
	// Only a domain administrator can claim names.
	if len(param.Names) > 0 && !d.isAdmin(caller.UID) {
		return ErrPermissionDenied
	}

	// Lock against parallel connect/disconnect.
	p.rwlock.Lock()
	switch {
	case p.active.isDeactivated():
		err = ErrShutdown
	case param.Flags&(ConnectPeer|ConnectMonitor) != 0:
		err = p.connectNew(d, caller.UID, &param)
	case param.Flags&ConnectReset != 0:
		err = p.connectReset(d, &param)
	case param.Flags&ConnectQuery != 0:
		err = p.connectQuery(d, &param)
	default:
		err = fmt.Errorf("no connect mode: %w", ErrInvalidArgument)
	}
	p.rwlock.Unlock()

	// QUERY combines with any mode: write the observed pool size back to
	// the caller. A copy-out fault does not revert what was done.
	if err == nil && param.Flags&ConnectQuery != 0 {
		var b [8]byte
		wire.PutUint64(b[:], param.PoolSize)
		if ferr := caller.writeAt(arg+8, b[:]); ferr != nil {
			err = ferr
		}
	}
	return err
}
