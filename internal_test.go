// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package membus

import (
	"errors"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/membus/membus/fdtab"
)

func TestGateLifecycle(t *testing.T) {
	var g gate
	var wq waitq

	if !g.isNew() || g.isActive() || g.isDeactivated() {
		t.Errorf("fresh gate: new=%v active=%v deactivated=%v", g.isNew(), g.isActive(), g.isDeactivated())
	}
	if g.acquire() {
		t.Error("acquire on NEW gate unexpectedly succeeded")
	}
	if !g.activate() {
		t.Error("activate on NEW gate failed")
	}
	if g.activate() {
		t.Error("second activate unexpectedly succeeded")
	}
	if !g.acquire() {
		t.Error("acquire on ACTIVE gate failed")
	}

	g.deactivate()
	if g.acquire() {
		t.Error("acquire on DEACTIVATED gate unexpectedly succeeded")
	}
	g.deactivate() // idempotent

	// Drain must block until the outstanding reference is released.
	done := make(chan struct{})
	go func() { g.drain(&wq); close(done) }()
	select {
	case <-done:
		t.Error("drain completed with a reference outstanding")
	case <-time.After(10 * time.Millisecond):
	}
	g.release(&wq)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain did not complete after release")
	}
}

func TestGateCleanupOnce(t *testing.T) {
	var g gate
	var wq waitq
	g.activate()

	var calls int
	winners := 0

	const n = 8
	got := make(chan bool, n)
	grp := taskgroup.New(nil)
	for range n {
		grp.Go(func() error {
			got <- g.cleanup(&wq, func() { calls++ })
			return nil
		})
	}
	grp.Wait()
	close(got)
	for win := range got {
		if win {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("cleanup winners = %d, want 1", winners)
	}
	if calls != 1 {
		t.Errorf("cleanup callback ran %d times, want 1", calls)
	}
}

// setNames installs bindings on p as a connect with the given wire order
// would: the list iterates them in reverse.
func setNames(p *Peer, names ...string) {
	for i := len(names) - 1; i >= 0; i-- {
		p.names.End().Add(&PeerName{name: names[i], peer: p})
	}
}

func TestNameCheck(t *testing.T) {
	p := NewPeer()
	// Wire order a, b: the list iterates b then a, and "a" is the tail.
	setNames(p, "a", "b")

	tests := []struct {
		name string
		n    int
		err  error
	}{
		{"a", 2, nil},   // tail: total count
		{"b", 0, nil},   // non-tail: zero
		{"c", 0, ErrNamesDiffer},
	}
	for _, test := range tests {
		n, err := p.nameCheck([]byte(test.name))
		if n != test.n || !errors.Is(err, test.err) {
			t.Errorf("nameCheck(%q) = %d, %v; want %d, %v", test.name, n, err, test.n, test.err)
		}
	}
}

func TestNamesCheck(t *testing.T) {
	p := NewPeer()
	setNames(p, "a", "b")

	tests := []struct {
		desc string
		buf  string
		err  error
	}{
		{"wire order", "a\x00b\x00", nil},
		{"reordered, tail present", "b\x00a\x00", nil},
		{"tail replaced by duplicate", "b\x00b\x00", ErrNamesDiffer},
		{"unknown name", "a\x00c\x00", ErrNamesDiffer},
		{"subset without count match", "a\x00", ErrNamesDiffer},
		{"tail missing", "b\x00", ErrNamesDiffer},
		{"empty buffer", "", ErrNamesDiffer},
		{"empty substring", "a\x00\x00", ErrInvalidArgument},
		{"unterminated tail", "a\x00b", ErrInvalidArgument},
	}
	for _, test := range tests {
		if err := p.namesCheck([]byte(test.buf)); !errors.Is(err, test.err) {
			t.Errorf("%s: namesCheck(%q) = %v, want %v", test.desc, test.buf, err, test.err)
		}
	}

	empty := NewPeer()
	if err := empty.namesCheck(nil); err != nil {
		t.Errorf("namesCheck(nil) on nameless peer = %v, want nil", err)
	}
}

func TestParseNamesReversesWireOrder(t *testing.T) {
	p := NewPeer()
	names, err := parseNames(p, []byte("a\x00b\x00c\x00"))
	if err != nil {
		t.Fatalf("parseNames: %v", err)
	}
	var got []string
	for _, n := range names {
		got = append(got, n.name)
	}
	want := []string{"c", "b", "a"}
	if len(got) != len(want) {
		t.Fatalf("parseNames yielded %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("name %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTeardownInvariants(t *testing.T) {
	d := NewDomain()
	p := NewPeer()
	caller := &Caller{UID: 0, FDs: fdtab.NewLocal(), Mem: make([]byte, 1<<12)}

	blk := ConnectRequest{
		Flags:    ConnectPeer,
		PoolSize: 4096,
		Names:    []byte("x\x00y\x00"),
	}.Encode()
	copy(caller.Mem, blk)
	if err := p.Dispatch(d, caller, CmdConnect, 0); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// While an active reference is held, the private state is stable.
	if !p.Acquire() {
		t.Fatal("Acquire failed on active peer")
	}
	if p.Dereference() == nil {
		t.Error("Dereference = nil with active reference held")
	}
	p.Release()

	if err := p.Teardown(d); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if !p.active.isDeactivated() {
		t.Error("gate not deactivated after teardown")
	}
	if p.info.Load() != nil {
		t.Error("info not cleared after teardown")
	}
	if p.names.Len() != 0 {
		t.Error("names not cleared after teardown")
	}
	if p.linked {
		t.Error("peer still linked after teardown")
	}
	d.mu.Lock()
	if n := len(d.peers); n != 0 {
		t.Errorf("domain still lists %d peers", n)
	}
	if n := d.names.Len(); n != 0 {
		t.Errorf("name tree still holds %d entries", n)
	}
	if n := len(d.users); n != 0 {
		t.Errorf("user table still holds %d entries", n)
	}
	d.mu.Unlock()

	if err := d.Shutdown(); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestParseNamesBounds(t *testing.T) {
	p := NewPeer()
	long := make([]byte, NameMaxSize) // NameMaxSize bytes + terminator exceeds the bound
	for i := range long {
		long[i] = 'x'
	}
	if _, err := parseNames(p, append(long, 0)); !errors.Is(err, ErrNameTooLong) {
		t.Errorf("overlong name: %v, want %v", err, ErrNameTooLong)
	}
	if _, err := parseNames(p, []byte("\x00")); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty name: %v, want %v", err, ErrInvalidArgument)
	}
	if _, err := parseNames(p, []byte("abc")); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unterminated name: %v, want %v", err, ErrInvalidArgument)
	}
}
