// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package membus implements a capability-based local IPC bus: a peer
// lifecycle and dispatch engine mediating message exchange through
// per-peer shared-memory pools.
//
// # Peers and Domains
//
// The core types defined by this package are the [Peer] and the [Domain].
// A peer is an addressable endpoint owned by a user identity, hosting a
// private receive queue, a pool for message payloads, and an optional set
// of well-known names registered in the enclosing domain. The domain is
// the registry of peers, names, and users, and the authority for name
// uniqueness and shutdown.
//
// To create a domain and connect a peer:
//
//	d := membus.NewDomain()
//	p := membus.NewPeer()
//	caller := &membus.Caller{UID: 0, FDs: fdtab.NewLocal(), Mem: mem}
//
//	req := membus.ConnectRequest{
//	   Flags:    membus.ConnectPeer,
//	   PoolSize: 1 << 16,
//	   Names:    []byte("svc\x00"),
//	}
//	// place req.Encode() in caller memory at arg, then:
//	err := p.Dispatch(d, caller, membus.CmdConnect, arg)
//
// A peer advances NEW → ACTIVE → DEACTIVATED. The first successful
// connect activates it; [Peer.Teardown] (or dispatching [CmdDisconnect])
// deactivates it, drains in-flight operations, and releases everything
// the peer holds in the domain. Connecting with [ConnectReset] flushes
// the queue and pool while keeping the peer's identity; connecting with
// [ConnectQuery] reports the pool size.
//
// # Sending and Receiving
//
// [CmdSend] builds a transaction from the caller's data vectors, attached
// handles, and files, and commits it to every named destination or to
// none. Destinations are addressed by the logical IDs returned from
// [CmdResolve]. [CmdRecv] dequeues the next committed message, publishing
// its payload slice in the peer's pool and installing any attached files
// into the caller's descriptor table; with [RecvPeek] the head message is
// reported without being dequeued. The published slice is returned to the
// pool with [CmdSliceRelease].
//
// All dispatch is caller-driven; the engine runs no background work. Use
// [Peer.Ready] to block until a peer is woken by a delivery.
//
// # Metrics
//
// Domains maintain a collection of metrics while running. Use the
// [Domain.Metrics] method to obtain an [expvar.Map] containing the
// metrics exported by the domain:
//
//   - peers_connected: counter of successful connects
//   - peers_reset: counter of peer resets
//   - peers_torn_down: counter of completed teardowns
//   - sends: counter of committed sends
//   - sends_failed: counter of sends reporting an error
//   - recvs: counter of receives and peeks served
//   - recvs_failed: counter of receives reporting an error
//   - messages_dropped: counter of messages dropped after dequeue
//   - resolves: counter of name lookups
//   - resolve_misses: counter of lookups finding nothing
//
// Additional metrics may be added in the future. It is safe for the
// caller to modify the metrics map to add, update, and remove entries.
package membus
