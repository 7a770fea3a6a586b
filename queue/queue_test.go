// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package queue_test

import (
	"testing"

	"github.com/membus/membus/queue"
)

func TestPushCommitOrder(t *testing.T) {
	q := queue.New()

	if q.Peek() != nil {
		t.Error("Peek on empty queue returned a node")
	}

	// Stage three nodes, commit them out of push order: the commit
	// sequence alone defines the visible order.
	var ns [3]*queue.Node
	for i := range ns {
		ns[i] = &queue.Node{Payload: i}
		q.Push(ns[i])
	}
	if q.Peek() != nil {
		t.Error("Peek returned an uncommitted node")
	}

	if !q.Commit(ns[2], 10) {
		t.Error("Commit ns[2] failed")
	}
	if !q.Commit(ns[0], 20) {
		t.Error("Commit ns[0] failed")
	}
	if !q.Commit(ns[1], 30) {
		t.Error("Commit ns[1] failed")
	}

	want := []int{2, 0, 1}
	for _, w := range want {
		n := q.Peek()
		if n == nil {
			t.Fatalf("Peek = nil, want payload %d", w)
		}
		if got := n.Payload.(int); got != w {
			t.Errorf("Peek payload = %d, want %d", got, w)
		}
		q.Remove(n)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d after drain, want 0", q.Len())
	}
}

func TestPostFlushInvalidatesStaged(t *testing.T) {
	q := queue.New()

	staged := &queue.Node{Payload: "staged"}
	q.Push(staged)

	committed := &queue.Node{Payload: "committed"}
	q.Push(committed)
	q.Commit(committed, 2)

	q.PostFlush()
	if q.Len() != 0 {
		t.Errorf("Len = %d after flush, want 0", q.Len())
	}
	if staged.Linked() {
		t.Error("staged node still linked after flush")
	}

	// The in-flight commit arrives after the flush and is discarded; the
	// unlink is its cancellation signal.
	if q.Commit(staged, 4) {
		t.Error("Commit of flushed node unexpectedly succeeded")
	}
	if q.Peek() != nil {
		t.Error("flushed queue has a visible node")
	}

	// Nodes staged after the flush commit normally.
	fresh := &queue.Node{Payload: "fresh"}
	q.Push(fresh)
	if !q.Commit(fresh, 6) {
		t.Error("Commit after flush failed")
	}
	if n := q.Peek(); n == nil || n.Payload.(string) != "fresh" {
		t.Errorf("Peek after flush = %v, want fresh", n)
	}
}

func TestWalkSnapshot(t *testing.T) {
	q := queue.New()
	for i := range 4 {
		n := &queue.Node{Payload: i}
		q.Push(n)
		q.Commit(n, uint64(2*i+2))
	}

	// Walk may remove the nodes it visits.
	var seen int
	q.Walk(func(n *queue.Node) {
		seen++
		q.Remove(n)
	})
	if seen != 4 {
		t.Errorf("Walk visited %d nodes, want 4", seen)
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d after removing walk, want 0", q.Len())
	}
}
