package shutdown

import "context"

// DrainSignal resolves once shutdown has been requested and every holder other
// than the coordinator has released its token.
//
// A DrainSignal carries no state of its own. Abandoning a Wait, or polling any
// number of times, never changes the token it was obtained from.
type DrainSignal struct {
	st *state
}

// Poll samples the drain condition without blocking.
func (d *DrainSignal) Poll() bool {
	select {
	case <-d.st.drained:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the drain completes.
func (d *DrainSignal) Done() <-chan struct{} {
	return d.st.drained
}

// Wait blocks until the drain completes or ctx is done. It returns ctx.Err()
// in the latter case; a later Wait on the same or a fresh signal still works.
func (d *DrainSignal) Wait(ctx context.Context) error {
	select {
	case <-d.st.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
