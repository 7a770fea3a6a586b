// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package membus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/membus/membus/pool"
	"github.com/membus/membus/queue"
)

// A PeerInfo is the private mutable state of a connected peer: its receive
// queue, its payload pool, quota accounts, and the handle maps. A PeerInfo
// is created by the first successful connect and destroyed after teardown
// has drained the peer.
type PeerInfo struct {
	mu    sync.Mutex // guards queue, pool, quota, handle maps
	user  *User      // pinned at connect, released under the domain lock
	quota quota
	pool  *pool.Pool
	queue *queue.Queue

	// Outgoing handle indexes. The engine only owns the roots; readers
	// outside the lock are sequenced by seq.
	handlesByID   map[uint64]uint64
	handlesByNode map[uint64]uint64
	seq           atomic.Uint64
	handleIDs     uint64

	// id is the peer's logical ID. Operations in flight are tagged with
	// the ID they observed; a reset installs a fresh ID so stale tags are
	// discarded on dereference.
	id atomic.Uint64

	// conveyed is a pending delivery error to be reported to the next
	// receive, set when a message with CONVEY_ERRORS is dropped.
	conveyed error

	ownerUID uint32 // identity the peer connected under
}

// newPeerInfo allocates peer state with an empty queue and a pool of the
// requested size. The pool size must be a positive multiple of the page
// size.
func newPeerInfo(poolSize uint64) (*PeerInfo, error) {
	p, err := pool.New(poolSize)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidArgument)
	}
	return &PeerInfo{
		quota:         newQuota(),
		pool:          p,
		queue:         queue.New(),
		handlesByID:   make(map[uint64]uint64),
		handlesByNode: make(map[uint64]uint64),
	}, nil
}

// reset discards all queued messages and releases every pool slice. Nodes
// still staged by an in-flight transaction are only unlinked; the unlink is
// the cancellation signal the committing transaction observes.
func (pi *PeerInfo) reset() {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	pi.queue.Walk(func(n *queue.Node) {
		m := messageFromNode(n)
		if n.Committed() {
			pi.queue.Remove(n)
			m.deallocateLocked(pi)
			m.free()
		} else {
			pi.queue.Remove(n)
		}
	})
	pi.queue.PostFlush()
	pi.pool.Flush()
	pi.quota.reset()

	pi.seq.Add(1)
	clear(pi.handlesByID)
	clear(pi.handlesByNode)
	pi.seq.Add(1)

	pi.conveyed = nil
}

// free destroys the peer state. The user reference must already have been
// released; freeing is safe while stale lock-free readers still hold the
// pointer, since the embedded members remain valid until collected.
func (pi *PeerInfo) free() {
	if pi == nil {
		return
	}
	pi.reset()
	pi.queue.Close()
	pi.pool.Close()
}
