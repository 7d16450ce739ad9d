// Package shutdown provides the shutdown token and drain signal shared by every
// unit of work in a muxd server.
//
// A Token is a clonable handle. Each live clone represents one outstanding unit
// of work (the accept loop, a connection loop, a stream handler); the base token
// returned by New is the coordinator's own permanent reference. Once Signal has
// been called and every clone except the base one has been released, the
// drain signal resolves. It resolves exactly once and never resets.
//
// Usage:
//
//	tok := shutdown.New()
//	work := tok.Clone()
//	go func() {
//		defer work.Release()
//		// ...
//	}()
//	tok.Signal()
//	drained, _ := tok.WaitDrained()
//	_ = drained.Wait(ctx)
package shutdown

import (
	"errors"
	"sync"
	"sync/atomic"
)

// baseline is the holder count that means "no outstanding work": only the
// coordinator's own reference remains.
const baseline = 1

// ErrNotRequested is returned by WaitDrained when Signal has not been called.
var ErrNotRequested = errors.New("shutdown: not requested")

// state is shared by all clones of one token.
type state struct {
	requested atomic.Bool
	holders   atomic.Int64

	signaled   chan struct{}
	signalOnce sync.Once
	drained    chan struct{}
	drainOnce  sync.Once
}

// Token is one holder's handle on a shared shutdown state.
//
// A Token must not be copied by value; clone it instead.
type Token struct {
	st       *state
	base     bool
	released atomic.Bool
}

// New returns the coordinator's base token. The base token is never released.
func New() *Token {
	st := &state{
		signaled: make(chan struct{}),
		drained:  make(chan struct{}),
	}
	st.holders.Store(baseline)
	return &Token{st: st, base: true}
}

// Clone registers a new holder and returns its handle. The returned token must
// be released exactly once when the work it represents has finished.
//
// Cloning a released token panics.
func (t *Token) Clone() *Token {
	if t.released.Load() {
		panic("shutdown: clone of released token")
	}
	t.st.holders.Add(1)
	return &Token{st: t.st}
}

// Release drops this holder. Only the first call on a given handle has an
// effect, so the holder count can never fall below the number of live clones.
// Releasing the base token returned by New is a no-op.
func (t *Token) Release() {
	if t.base || !t.released.CompareAndSwap(false, true) {
		return
	}
	if t.st.holders.Add(-1) == baseline {
		t.st.checkDrained()
	}
}

// Signal requests shutdown. Calls after the first are no-ops.
func (t *Token) Signal() {
	t.st.signalOnce.Do(func() {
		t.st.requested.Store(true)
		close(t.st.signaled)
	})
	t.st.checkDrained()
}

// Requested reports whether Signal has been called.
func (t *Token) Requested() bool {
	return t.st.requested.Load()
}

// Signaled returns a channel that is closed when Signal is first called.
func (t *Token) Signaled() <-chan struct{} {
	return t.st.signaled
}

// Holders returns the current number of live handles, including the base one.
func (t *Token) Holders() int64 {
	return t.st.holders.Load()
}

// Outstanding returns the number of live holders other than the coordinator.
func (t *Token) Outstanding() int64 {
	return t.st.holders.Load() - baseline
}

// WaitDrained returns the drain signal for this token. It is only obtainable
// after Signal; before that it returns ErrNotRequested.
func (t *Token) WaitDrained() (*DrainSignal, error) {
	if !t.Requested() {
		return nil, ErrNotRequested
	}
	return t.DrainSignal(), nil
}

// DrainSignal returns the drain signal for this token without requiring Signal
// first. The signal still cannot resolve until Signal has been called.
func (t *Token) DrainSignal() *DrainSignal {
	return &DrainSignal{st: t.st}
}

// checkDrained closes the drained channel if the drain condition holds. Both
// Signal and the Release that reaches baseline call it, so whichever happens
// last observes the condition.
func (s *state) checkDrained() {
	if s.requested.Load() && s.holders.Load() == baseline {
		s.drainOnce.Do(func() { close(s.drained) })
	}
}
