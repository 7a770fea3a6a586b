// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package membus

import (
	"os"
	"sync/atomic"

	"github.com/membus/membus/fdtab"
	"github.com/membus/membus/pool"
	"github.com/membus/membus/queue"
)

// A filePin holds the files pinned out of a sender's descriptor table for
// one send. The transaction and every message it instantiates share the
// pin; the last holder to release it hands the files back to the table, so
// pinned descriptors are closed deterministically rather than waiting for
// the collector.
type filePin struct {
	files []*os.File
	tab   fdtab.Table
	refs  atomic.Int32
}

// newFilePin pins files from tab with one reference held.
func newFilePin(tab fdtab.Table, files []*os.File) *filePin {
	p := &filePin{files: files, tab: tab}
	p.refs.Store(1)
	return p
}

// retain adds a holder. A nil pin stands for no files.
func (p *filePin) retain() *filePin {
	if p != nil {
		p.refs.Add(1)
	}
	return p
}

// release drops a holder; the last one returns every file to the table.
func (p *filePin) release() {
	if p != nil && p.refs.Add(-1) == 0 {
		for _, f := range p.files {
			p.tab.Release(f)
		}
		p.files = nil
	}
}

// A Message is one instantiated delivery of a send: a payload slice in the
// destination pool, the pinned files, and the queue node linking it into
// the destination queue.
//
// The slice layout is payload bytes, then NHandles 64-bit handle IDs, then
// room for NFDs 64-bit descriptor numbers at the tail. The descriptor
// numbers are written by the receive path once descriptors have been
// installed.
type Message struct {
	node  queue.Node
	slice *pool.Slice
	pin   *filePin

	senderUID uint32
	dst       uint64 // destination logical ID at instantiation
	convey    bool   // CONVEY_ERRORS was set on the send

	nHandles uint64
}

// messageFromNode recovers the message linked by a queue node.
func messageFromNode(n *queue.Node) *Message { return n.Payload.(*Message) }

// newMessage constructs a message around an allocated destination slice.
func newMessage(s *pool.Slice, senderUID uint32, dst uint64, convey bool) *Message {
	m := &Message{slice: s, senderUID: senderUID, dst: dst, convey: convey}
	m.node.Payload = m
	return m
}

// nFiles reports the number of files pinned to the message.
func (m *Message) nFiles() int {
	if m.pin == nil {
		return 0
	}
	return len(m.pin.files)
}

// deallocateLocked releases the payload slice back to the destination pool
// and refunds the sender's quota. The caller holds the destination info
// lock.
func (m *Message) deallocateLocked(pi *PeerInfo) {
	if m.slice != nil {
		pi.pool.Release(m.slice)
		pi.quota.refund(m.senderUID, m.slice.Size())
		m.slice = nil
	}
}

// free drops the message's hold on the pinned files. The payload slice
// must already have been deallocated.
func (m *Message) free() {
	m.pin.release()
	m.pin = nil
	m.node.Payload = nil
}
