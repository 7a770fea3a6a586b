// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package queue implements the per-peer receive queue: an ordered multiset
// of message nodes keyed by commit sequence number.
//
// A node is pushed in the staged (uncommitted) state under an odd staging
// sequence, and becomes visible to Peek only once it is committed under an
// even sequence drawn from the domain-wide commit counter. Queue order is
// total and monotonic in commit sequence.
//
// The queue performs no locking of its own; the owning peer serializes all
// mutation under its info lock. Flush invalidation is tracked by an epoch:
// a flush bumps the epoch, and a commit arriving with a node staged in an
// earlier epoch is silently discarded.
package queue

import (
	"cmp"

	"github.com/creachadair/mds/stree"
)

// A Node is one entry in a queue. The Payload field carries the engine's
// message object; the queue itself treats it as opaque.
type Node struct {
	Payload any

	seq       uint64
	sub       uint64 // arrival tiebreak for equal commit sequences
	epoch     uint64
	committed bool
	linked    bool
}

// Committed reports whether n has been committed.
func (n *Node) Committed() bool { return n.committed }

// Linked reports whether n is currently a member of a queue. An unlinked
// staged node has been cancelled by a flush; the committing transaction
// observes this and discards the commit.
func (n *Node) Linked() bool { return n.linked }

// Seq reports the sequence number the node is currently ordered by.
func (n *Node) Seq() uint64 { return n.seq }

// A Queue is an ordered multiset of nodes. The zero value is not usable;
// construct queues with New.
type Queue struct {
	nodes *stree.Tree[*Node]
	next  uint64 // staging sequence source, always odd
	subs  uint64 // arrival counter for commit tiebreaks
	epoch uint64
}

// New constructs an empty queue.
func New() *Queue {
	return &Queue{
		nodes: stree.New(300, func(a, b *Node) int {
			if v := cmp.Compare(a.seq, b.seq); v != 0 {
				return v
			}
			return cmp.Compare(a.sub, b.sub)
		}),
		next: 1,
	}
}

// Len reports the number of linked nodes, committed or staged.
func (q *Queue) Len() int { return q.nodes.Len() }

// Push links n into the queue in the staged state under a fresh odd
// staging sequence. Staged nodes are never visible to Peek, wherever they
// sort relative to committed nodes.
func (q *Queue) Push(n *Node) {
	q.next += 2
	n.seq = q.next
	n.sub = 0
	n.epoch = q.epoch
	n.committed = false
	n.linked = true
	q.nodes.Add(n)
}

// Commit re-keys a staged node under the even commit sequence seq, making
// it visible to Peek. It reports false, leaving the queue unchanged, if the
// node was unlinked by a flush or staged in an earlier epoch.
func (q *Queue) Commit(n *Node, seq uint64) bool {
	if !n.linked || n.epoch != q.epoch {
		n.linked = false
		return false
	}
	q.nodes.Remove(n)
	q.subs++
	n.seq = seq
	n.sub = q.subs
	n.committed = true
	q.nodes.Add(n)
	return true
}

// Peek returns the first committed node without removing it, or nil if no
// committed node is queued.
func (q *Queue) Peek() *Node {
	for n := range q.nodes.Inorder {
		if n.committed {
			return n
		}
		// Staging and commit sequences come from different counters, so a
		// staged node may sort ahead of committed ones; skip it and keep
		// looking.
	}
	return nil
}

// Remove unlinks n from the queue.
func (q *Queue) Remove(n *Node) {
	if !n.linked {
		return
	}
	q.nodes.Remove(n)
	n.linked = false
}

// Walk visits every linked node. The order is ascending by sequence. The
// visited set is snapshotted first, so fn may remove nodes.
func (q *Queue) Walk(fn func(*Node)) {
	all := make([]*Node, 0, q.nodes.Len())
	for n := range q.nodes.Inorder {
		all = append(all, n)
	}
	for _, n := range all {
		fn(n)
	}
}

// PostFlush completes a queue flush: every remaining node is unlinked and
// the epoch is bumped so that in-flight commits staged before the flush are
// discarded on arrival.
func (q *Queue) PostFlush() {
	for n := range q.nodes.Inorder {
		n.linked = false
	}
	q.nodes.Clear()
	q.epoch++
}

// Close discards all nodes.
func (q *Queue) Close() { q.PostFlush() }
