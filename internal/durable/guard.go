package durable

import (
	"sync/atomic"

	"github.com/rendis/replaykit/pkg/schema"
)

// Guard enforces the single-episode execution model. An episode (or entity
// batch) opens the window with Begin and closes it with End; every API call
// enters the guard, and a call outside the window or overlapping another call
// fails with a determinism violation.
//
// Goroutines have no identity, so the guard detects overlap only: a call
// made from another goroutine while no other call is in flight is admitted.
type Guard struct {
	active atomic.Bool
	busy   atomic.Bool
}

// Begin opens the episode window.
func (g *Guard) Begin() error {
	if !g.active.CompareAndSwap(false, true) {
		return schema.NewError(schema.ErrCodeDeterminism, "an episode is already running on this context")
	}
	return nil
}

// End closes the episode window.
func (g *Guard) End() {
	g.active.Store(false)
}

// Active reports whether the window is open.
func (g *Guard) Active() bool {
	return g.active.Load()
}

// Enter admits one API call. The returned func must be called when the call
// returns.
func (g *Guard) Enter(op string) (exit func(), err error) {
	if !g.active.Load() {
		return nil, schema.NewErrorf(schema.ErrCodeDeterminism,
			"%s called outside of the episode that owns the context", op)
	}
	if !g.busy.CompareAndSwap(false, true) {
		return nil, schema.NewErrorf(schema.ErrCodeDeterminism,
			"%s called while another context call is in flight", op)
	}
	return func() { g.busy.Store(false) }, nil
}
