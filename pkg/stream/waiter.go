package stream

// waiter is a single-resolution completion signal for one suspended caller.
// It is always accessed with the owner's mutex held.
type waiter struct {
	done     chan error // buffered, receives exactly one value
	resolved bool
}

func newWaiter() *waiter {
	return &waiter{done: make(chan error, 1)}
}

// resolve wakes the caller with err. Calls after the first one are ignored.
func (w *waiter) resolve(err error) {
	if w.resolved {
		return
	}
	w.resolved = true
	w.done <- err
}

// request is a pending read call. A nil delim means a byte count request.
type request struct {
	*waiter
	n     int
	delim []byte
}
