package fiberio

import "sync/atomic"

// interrupt is the cross-thread wake primitive from §4.6. It is the only
// object in this package meant to be written from a goroutine other than
// the one running the selector's Select loop; its thread safety rests on
// the kernel's eventfd/pipe semantics, not on a Go-level lock.
type interrupt struct {
	readFD, writeFD int

	// blocked is set while the selector is parked in the kernel wait, so
	// Wakeup can report whether it actually interrupted anything (§4.2
	// wakeup return value).
	blocked atomic.Bool
}

func newWakeInterrupt() (*interrupt, error) {
	return newInterrupt()
}

// fd is the descriptor the selector arms for readability (epoll/kqueue) or
// -1 if this interrupt has no representable fd (not applicable today, kept
// for symmetry with other descriptor registrations).
func (w *interrupt) fd() int { return w.readFD }

// signal delivers one notification. EAGAIN/EWOULDBLOCK (the other end
// already saturated) is silently ignored — per §4.6 that case implies the
// reader is certainly going to wake.
func (w *interrupt) signal() error { return w.signalPlatform() }

// clear drains all pending notifications.
func (w *interrupt) clear() error { return w.clearPlatform() }

func (w *interrupt) close() error { return w.closePlatform() }

// wake signals and reports whether the selector was actually blocked at
// the time (§4.2 wakeup's return value).
func (w *interrupt) wake() (bool, error) {
	wasBlocked := w.blocked.Load()
	if err := w.signal(); err != nil {
		return false, err
	}
	return wasBlocked, nil
}

func (w *interrupt) enterBlocking() { w.blocked.Store(true) }
func (w *interrupt) exitBlocking()  { w.blocked.Store(false) }
