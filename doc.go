// Package fiberio provides an event-driven I/O selector that multiplexes
// cooperative fibers over operating-system readiness primitives, plus a
// worker pool that offloads uncancellable blocking syscalls onto OS threads
// while preserving cooperative cancellation semantics.
//
// # Architecture
//
// A [Backend] is the object fibers park on: [Backend.IOWait] suspends the
// calling fiber until one of a set of [Events] fires on a descriptor,
// [Backend.ProcessWait] suspends until a child process becomes reapable,
// and [Backend.Select] drives one iteration of the loop (drain the ready
// queue, poll the kernel non-blocking, then block if nothing else is ready).
//
// Three interchangeable backends implement [Backend] over very different
// kernel models:
//   - Linux: io_uring (completion-based, inline read/write)
//   - Linux: epoll (readiness-based, level-triggered registration)
//   - Darwin/BSD: kqueue (readiness-based, one-shot registration)
//
// [Open] probes io_uring first, then epoll, then kqueue, and returns the
// first backend that initializes successfully.
//
// # Fibers
//
// This package does not implement stackful coroutines itself; it is
// parameterized over a [Fiber] abstraction (transfer/raise/alive/park)
// supplied by the host runtime, matching the spec's "out of scope: the host
// runtime's fiber primitive". The included [GoFiber] implementation adapts
// that contract onto goroutines and channels, which is the idiomatic Go
// analogue of a cooperatively-scheduled stack.
//
// # Worker pool
//
// [WorkerPool] offloads calls that cannot be represented as a kernel event
// (e.g. blocking DNS resolution, synchronous file I/O on platforms without
// ring support for it) onto a bounded set of OS threads, while still letting
// the calling fiber be cancelled cooperatively.
//
// # Thread safety
//
// A [Backend] and everything reachable from it (the per-descriptor table,
// the waiter lists, the ready queue) is single-threaded: all mutation
// happens on the goroutine that calls [Backend.Select]. The only primitive
// safe to use from another goroutine is [Backend.Wakeup], which relies on
// the kernel-level atomicity of an eventfd or self-pipe write.
package fiberio
