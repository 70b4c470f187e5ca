// Package timer implements Timers (C4): a single-threaded cooperative
// timer wheel. Callbacks never run concurrently with the caller — they are
// delivered as ordinary values over a channel that the owning reactor
// drains on its own goroutine, so that a fired timer can never pre-empt a
// message handler, matching §5's "must not re-enter itself across a
// suspension" rule.
package timer

import "time"

// Handle identifies one registered timer for Cancel.
type Handle uint64

// Fired is delivered on Wheel.C when a registered timer expires and has
// not been cancelled in the meantime.
type Fired struct {
	Handle Handle
	Data   interface{}
}

// Wheel is a minimal registry of one-shot timers. It does not run its own
// goroutine loop; each registration starts a standard time.Timer and
// forwards the fire event onto the shared channel C, which the owning
// reactor (ProtocolEngine's dispatch loop) selects on alongside incoming
// network messages. This is the same "everything funnels through one
// channel so state is only ever touched from one goroutine" pattern
// network.router uses for connection dispatch.
type Wheel struct {
	C        chan Fired
	next     Handle
	active   map[Handle]*time.Timer
	cancelled map[Handle]bool
}

// New creates an empty timer wheel delivering fired timers on a channel of
// the given buffer size.
func New(bufSize int) *Wheel {
	return &Wheel{
		C:         make(chan Fired, bufSize),
		active:    make(map[Handle]*time.Timer),
		cancelled: make(map[Handle]bool),
	}
}

// Register arms a one-shot timer that will deliver Fired{handle, data} on
// Wheel.C after d, unless cancelled first.
func (w *Wheel) Register(d time.Duration, data interface{}) Handle {
	w.next++
	h := w.next
	t := time.AfterFunc(d, func() {
		w.C <- Fired{Handle: h, Data: data}
	})
	w.active[h] = t
	return h
}

// Cancel stops the timer identified by h, if it is still pending. It is
// safe to call Cancel after the timer has already fired; any in-flight
// Fired value already queued on C should be discarded by the consumer
// checking it against what it still expects (handles are not reused).
func (w *Wheel) Cancel(h Handle) {
	if t, ok := w.active[h]; ok {
		t.Stop()
		delete(w.active, h)
	}
}

// Reset is a convenience for the common "cancel, then register a fresh
// timer for the same purpose" sequence used throughout the round timeout
// and query timeout logic.
func (w *Wheel) Reset(h *Handle, d time.Duration, data interface{}) {
	if h != nil && *h != 0 {
		w.Cancel(*h)
	}
	nh := w.Register(d, data)
	if h != nil {
		*h = nh
	}
}
