// Package wakeup implements the "shared notification primitive" spec §4.5
// and §4.6 describe between the poller and the processor: a single-slot,
// coalescing wakeup channel. Multiple Notify calls between two receives from
// C collapse into one wakeup, which is exactly what the processor needs — it re-reads
// get_next_due on wake rather than consuming a queued item.
package wakeup

// Signal is a non-blocking, coalescing wakeup channel. The zero value is
// not usable; construct with New.
type Signal struct {
	ch chan struct{}
}

// New returns a ready-to-use Signal.
func New() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify makes one wakeup available on C. If one is already pending it is a
// no-op.
func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C returns the channel to select on alongside a cancellation context.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}
