package fiberio

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Fiber is the host runtime collaborator this package treats as an external
// primitive (§1 "out of scope"): a cooperative task with its own stack,
// explicitly transferred to, never preempted. The selector only needs four
// operations on it.
//
// Transfer hands control to the fiber, passing args, and blocks the caller
// until the fiber parks again (by calling Park on a [GoFiber], or the
// equivalent on another implementation) or returns, yielding its final
// value. Raise does the same but delivers err to the fiber at its next
// suspension point instead of resuming it with args. Alive reports whether
// the fiber has returned. Neither Transfer nor Raise may be called
// concurrently with another Transfer/Raise targeting the same fiber.
type Fiber interface {
	Transfer(args ...any) (any, error)
	Raise(err error) (any, error)
	Alive() bool

	// Park is called from inside the fiber's own body (never by a
	// different goroutine) to suspend it, handing val back to whichever
	// Transfer/Raise call is currently blocked on it. It returns once
	// some later Transfer/Raise targets this fiber again.
	Park(val any) ([]any, error)
}

// GoFiber adapts Fiber onto a goroutine plus a pair of rendezvous channels.
// Go has no user-level stack transfer, so a GoFiber's body runs concurrently
// and the Transfer/Park pair is a synchronous handoff rather than a true
// stack switch. The one load-bearing consequence is that Raise can only
// take effect the next time the fiber body calls Park (there is no
// mid-instruction preemption), which every blocking call in this package
// (IOWait, ProcessWait, IORead, IOWrite) does internally.
type GoFiber struct {
	body func(f *GoFiber, args []any) (any, error)

	resumeCh chan fiberResume
	parkCh   chan fiberResult

	startOnce sync.Once
	alive     atomic.Bool
}

type fiberResume struct {
	args []any
	err  error // set when this resume is actually a Raise
}

type fiberResult struct {
	val  any
	err  error
	done bool
}

// NewGoFiber constructs a fiber whose body is run exactly once, starting
// lazily on the first Transfer/Raise. body receives the arguments passed to
// that first Transfer and returns the fiber's final value; while running it
// calls f.Park to suspend and exchange values with whoever transfers to it
// next.
func NewGoFiber(body func(f *GoFiber, args []any) (any, error)) *GoFiber {
	f := &GoFiber{
		body:     body,
		resumeCh: make(chan fiberResume),
		parkCh:   make(chan fiberResult),
	}
	f.alive.Store(true)
	return f
}

func (f *GoFiber) start() {
	f.startOnce.Do(func() {
		go func() {
			first := <-f.resumeCh
			var val any
			var err error
			if first.err != nil {
				err = first.err
			} else {
				val, err = f.body(f, first.args)
			}
			f.alive.Store(false)
			f.parkCh <- fiberResult{val: val, err: err, done: true}
		}()
	})
}

// Transfer hands control to f with args, blocking until f parks or returns.
func (f *GoFiber) Transfer(args ...any) (any, error) {
	return f.transfer(fiberResume{args: args})
}

// Raise delivers err to f at its next suspension point.
func (f *GoFiber) Raise(err error) (any, error) {
	if err == nil {
		err = fmt.Errorf("fiberio: raise with nil error")
	}
	return f.transfer(fiberResume{err: err})
}

func (f *GoFiber) transfer(r fiberResume) (any, error) {
	if !f.Alive() {
		return nil, nil
	}
	f.start()
	f.resumeCh <- r
	res := <-f.parkCh
	return res.val, res.err
}

// Alive reports whether f's body has not yet returned.
func (f *GoFiber) Alive() bool { return f.alive.Load() }

// Park suspends f's body, handing val back to whoever is blocked in
// Transfer/Raise, and blocks until the next Transfer or Raise. It returns
// the new arguments, or a non-nil error if the resume was actually a Raise
// — callers inside body are expected to check err and unwind (return it)
// promptly, exactly as an `ensure` clause would in the reference design.
func (f *GoFiber) Park(val any) ([]any, error) {
	f.parkCh <- fiberResult{val: val}
	next := <-f.resumeCh
	return next.args, next.err
}
