// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package membus

import (
	"expvar"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/creachadair/mds/stree"
	"go.uber.org/zap"
)

// A PeerName is one name binding in the domain's name index. Each binding
// belongs to exactly one peer; the index is the global uniqueness
// authority for live names.
type PeerName struct {
	name string
	peer *Peer
}

// Name reports the registered name, without its terminating zero byte.
func (n *PeerName) Name() string { return n.name }

// A Domain is the enclosing registry of peers, names, and users. It owns
// the name index, the peer list, the user table, and the domain-wide
// commit sequence that totally orders message delivery.
//
// A Domain begins active. Shutdown deactivates it, drains in-flight
// operations, and tears down every remaining peer.
type Domain struct {
	mu  sync.Mutex // the domain lock: names, peers, users, counters
	seq atomic.Uint64

	// nameMu is the reader-writer fallback for lock-free name lookups;
	// readers combine it with a seq retry loop so a lookup never observes
	// a torn tree.
	nameMu sync.RWMutex
	names  *stree.Tree[*PeerName]
	nNames int

	peers  map[*Peer]struct{}
	nPeers int
	users  map[uint32]*User

	idMu sync.RWMutex
	ids  map[uint64]*Peer // logical peer ID → peer

	nextID    uint64 // logical ID allocator, guarded by mu
	commitSeq uint64 // even commit sequence source, guarded by mu

	active gate
	waitq  waitq

	log     *zap.Logger
	isAdmin func(uid uint32) bool
	metrics *busMetrics
}

// A DomainOption customizes a Domain at construction.
type DomainOption func(*Domain)

// WithLogger sets the logger for domain lifecycle events. The default
// discards all output.
func WithLogger(log *zap.Logger) DomainOption {
	return func(d *Domain) { d.log = log }
}

// WithAdminCheck sets the capability predicate consulted before a caller
// may claim names. The default admits only UID 0.
func WithAdminCheck(isAdmin func(uid uint32) bool) DomainOption {
	return func(d *Domain) { d.isAdmin = isAdmin }
}

// NewDomain constructs an active, empty domain.
func NewDomain(opts ...DomainOption) *Domain {
	d := &Domain{
		names: stree.New(300, func(a, b *PeerName) int {
			return strings.Compare(a.name, b.name)
		}),
		peers:   make(map[*Peer]struct{}),
		users:   make(map[uint32]*User),
		ids:     make(map[uint64]*Peer),
		log:     zap.NewNop(),
		isAdmin: func(uid uint32) bool { return uid == 0 },
		metrics: newBusMetrics(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.active.activate()
	return d
}

// Metrics returns the metrics map for the domain. It is safe for the
// caller to add additional metrics to the map while the domain is active.
func (d *Domain) Metrics() *expvar.Map { return d.metrics.emap }

// Acquire takes an active reference on the domain, holding off shutdown.
// It reports false once shutdown has begun.
func (d *Domain) Acquire() bool { return d.active.acquire() }

// Release drops a reference taken by Acquire.
func (d *Domain) Release() { d.active.release(&d.waitq) }

// writeSeqBegin opens a structural change to the name tree. The caller
// holds the domain lock.
func (d *Domain) writeSeqBegin() {
	d.seq.Add(1) // odd: writer in progress
	d.nameMu.Lock()
}

// writeSeqEnd closes a structural change opened by writeSeqBegin.
func (d *Domain) writeSeqEnd() {
	d.nameMu.Unlock()
	d.seq.Add(1) // even: tree stable
}

// nameAdd inserts binding into the name index. The caller holds the domain
// lock with the write sequence raised. A duplicate live name reports
// ErrNameExists.
func (d *Domain) nameAdd(binding *PeerName) error {
	if !d.names.Add(binding) {
		return ErrNameExists
	}
	d.nNames++
	return nil
}

// nameRemove removes binding from the name index if present. The caller
// holds the domain lock with the write sequence raised.
func (d *Domain) nameRemove(binding *PeerName) {
	if d.names.Remove(binding) {
		d.nNames--
	}
}

// Resolve looks up a registered name and returns the logical ID of the
// active peer owning it. The lookup is lock-free with respect to the
// domain lock: readers retry across structural changes signalled by the
// write sequence, and never observe a torn tree.
func (d *Domain) Resolve(name string) (uint64, error) {
	d.metrics.resolves.Add(1)
	for {
		s := d.seq.Load()
		if s%2 == 1 {
			// A writer is mid-change; wait for it on the reader lock.
			d.nameMu.RLock()
			d.nameMu.RUnlock()
			continue
		}

		d.nameMu.RLock()
		binding, ok := d.names.Get(&PeerName{name: name})
		var id uint64
		if ok && binding.peer.active.isActive() {
			if info := binding.peer.loadInfo(); info != nil {
				id = info.id.Load()
			} else {
				ok = false
			}
		} else {
			ok = false
		}
		d.nameMu.RUnlock()

		if d.seq.Load() != s {
			continue // raced a writer; retry
		}
		if !ok {
			d.metrics.resolveMisses.Add(1)
			return 0, ErrNoSuchEntry
		}
		return id, nil
	}
}

// acquireUser pins the accounting object for uid, creating it on first
// use. The caller holds the domain lock.
func (d *Domain) acquireUser(uid uint32) *User {
	u := d.users[uid]
	if u == nil {
		u = &User{uid: uid}
		d.users[uid] = u
	}
	u.refs++
	return u
}

// releaseUser drops a pin taken by acquireUser. The caller holds the
// domain lock.
func (d *Domain) releaseUser(u *User) {
	if u == nil {
		return
	}
	u.refs--
	if u.refs == 0 {
		delete(d.users, u.uid)
	}
}

// allocID assigns a fresh logical ID to peer. The caller holds the domain
// lock.
func (d *Domain) allocID(peer *Peer) uint64 {
	d.nextID++
	id := d.nextID
	d.idMu.Lock()
	d.ids[id] = peer
	d.idMu.Unlock()
	return id
}

// dropID retires a logical ID. The caller holds the domain lock.
func (d *Domain) dropID(id uint64) {
	d.idMu.Lock()
	delete(d.ids, id)
	d.idMu.Unlock()
}

// lookupPeer returns the peer registered under the logical ID with an
// active reference acquired, or nil if the ID is stale or unknown.
func (d *Domain) lookupPeer(id uint64) *Peer {
	d.idMu.RLock()
	p := d.ids[id]
	d.idMu.RUnlock()
	if p == nil || !p.active.acquire() {
		return nil
	}
	return p
}

// nextCommitSeq draws the next even domain-wide commit sequence.
func (d *Domain) nextCommitSeq() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commitSeq += 2
	return d.commitSeq
}

// Shutdown deactivates the domain, drains in-flight operations, and tears
// down every remaining peer. The peer map is reset in one step after the
// walk. Shutdown reports ErrShutdown if another caller already completed
// it.
func (d *Domain) Shutdown() error {
	d.active.deactivate()
	d.active.drain(&d.waitq)

	// Deactivate and drain every peer before taking the domain lock, so
	// peer releases need not wake through it.
	d.mu.Lock()
	peers := make([]*Peer, 0, len(d.peers))
	for p := range d.peers {
		peers = append(peers, p)
	}
	d.mu.Unlock()

	for _, p := range peers {
		p.active.deactivate()
		p.active.drain(&p.waitq)
	}

	d.mu.Lock()
	d.writeSeqBegin()
	won := d.active.cleanup(nil, nil)
	if won {
		for _, p := range peers {
			p.teardownForDomain(d)
		}
		clear(d.peers)
		d.nPeers = 0
		d.idMu.Lock()
		clear(d.ids)
		d.idMu.Unlock()
	}
	d.writeSeqEnd()
	d.mu.Unlock()

	if !won {
		return ErrShutdown
	}
	d.log.Debug("domain shut down", zap.Int("peers", len(peers)))
	return nil
}
