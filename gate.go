// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package membus

import "sync"

// A waitq is a broadcast wakeup point. Waiters obtain a channel from ready
// and block on it; wake closes the current channel and installs a fresh one,
// releasing every waiter at once. A zero waitq is ready for use.
type waitq struct {
	mu sync.Mutex
	ch chan struct{}
}

// ready returns a channel that is closed at the next wake.
func (w *waitq) ready() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch == nil {
		w.ch = make(chan struct{})
	}
	return w.ch
}

// wake releases all current waiters.
func (w *waitq) wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch != nil {
		close(w.ch)
		w.ch = nil
	}
}

// gateState enumerates the observable lifecycle states of a gate.
type gateState int

const (
	gateNew         gateState = iota // never activated
	gateActive                       // activated, accepting references
	gateDeactivated                  // draining or drained
)

// A gate is a reference-counted lifecycle primitive. It begins NEW, is
// activated exactly once, and is deactivated at teardown. While ACTIVE,
// callers may acquire references that hold off teardown; deactivation stops
// new acquisitions and drain blocks until in-flight references are released.
//
// cleanup runs a teardown callback exactly once across all concurrent
// callers. The caller is responsible for providing whatever outer locking
// the callback requires; the gate only guarantees the once-and-drained
// property.
type gate struct {
	mu      sync.Mutex
	state   gateState
	refs    int
	cleaned bool
}

func (g *gate) isNew() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == gateNew
}

func (g *gate) isActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == gateActive
}

func (g *gate) isDeactivated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == gateDeactivated
}

// activate transitions NEW to ACTIVE. It reports whether the transition was
// performed; activating a gate that has left NEW is a no-op.
func (g *gate) activate() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != gateNew {
		return false
	}
	g.state = gateActive
	return true
}

// deactivate transitions ACTIVE to DEACTIVATED. It is idempotent, and also
// applies to a gate still in NEW, which then can never be activated.
func (g *gate) deactivate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = gateDeactivated
}

// acquire takes a reference if the gate is ACTIVE and reports success.
func (g *gate) acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != gateActive {
		return false
	}
	g.refs++
	return true
}

// release drops a reference taken by acquire. If this was the last
// reference on a deactivated gate, waiters on wq are woken.
func (g *gate) release(wq *waitq) {
	g.mu.Lock()
	g.refs--
	last := g.refs == 0 && g.state == gateDeactivated
	g.mu.Unlock()
	if last && wq != nil {
		wq.wake()
	}
}

// drain blocks until the reference count reaches zero. The gate must
// already be deactivated; releases signal wq.
func (g *gate) drain(wq *waitq) {
	for {
		ready := wq.ready()
		g.mu.Lock()
		done := g.refs == 0
		g.mu.Unlock()
		if done {
			return
		}
		<-ready
	}
}

// cleanup invokes fn exactly once after the gate is deactivated and
// drained. The winner of the race runs fn in its own context and receives
// true; every other caller receives false. If wq is nil the gate must
// already be drained by the caller.
func (g *gate) cleanup(wq *waitq, fn func()) bool {
	g.mu.Lock()
	g.state = gateDeactivated
	g.mu.Unlock()

	if wq != nil {
		g.drain(wq)
	}

	g.mu.Lock()
	if g.cleaned {
		g.mu.Unlock()
		return false
	}
	g.cleaned = true
	g.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}
