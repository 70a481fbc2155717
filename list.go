package fiberio

// waiter is a record of one fiber parked on one descriptor's event list
// (§3 "Waiter node"). In the reference implementation this spec describes,
// waiters are stack-allocated on the waiting fiber's own stack; Go has no
// portable way to express that, so here a waiter is a small heap-allocated
// value whose address the garbage collector never relocates, which gives
// the same "stable pointer for the lifetime of the wait" property the
// intrusive list relies on.
type waiter struct {
	prev, next *waiter // list links; nil when not on any list

	events Events // requested mask
	ready  Events // mask observed at dispatch time

	fiber Fiber

	// comp is only used by the io_uring backend: the completion record
	// this waiter's in-flight submission will update. Both sides null
	// this symmetrically on cancel (§3, §9 "Cyclic references").
	comp *completion
}

// waiterList is the sentinel-node circular doubly linked list described in
// §4.9. The sentinel is the zero value of waiterList itself (via the
// embedded head/tail pointers pointing back at the list), so a waiterList
// is ready to use without a constructor call.
type waiterList struct {
	sentinel waiter
	init     bool
}

func (l *waiterList) ensureInit() {
	if !l.init {
		l.sentinel.prev = &l.sentinel
		l.sentinel.next = &l.sentinel
		l.init = true
	}
}

// empty reports whether the list has no waiters.
func (l *waiterList) empty() bool {
	l.ensureInit()
	return l.sentinel.next == &l.sentinel
}

// append inserts w as the tail-most (most recently added) entry.
func (l *waiterList) append(w *waiter) {
	l.ensureInit()
	last := l.sentinel.prev
	w.prev = last
	w.next = &l.sentinel
	last.next = w
	l.sentinel.prev = w
}

// prepend inserts w as the head-most entry.
func (l *waiterList) prepend(w *waiter) {
	l.ensureInit()
	first := l.sentinel.next
	w.next = first
	w.prev = &l.sentinel
	first.prev = w
	l.sentinel.next = w
}

// pop unlinks w from whatever list it is on and nulls its links, making it
// safe to call twice (a second pop on an already-detached waiter is a
// no-op, which is what the unwind path in IOWait relies on).
func (l *waiterList) pop(w *waiter) {
	if w.prev == nil && w.next == nil {
		return
	}
	w.prev.next = w.next
	w.next.prev = w.prev
	w.prev = nil
	w.next = nil
}

// each calls fn for every waiter currently on the list, head-to-tail order
// (the order new waiters are appended in, so calling order is FIFO by
// registration for append-only lists, LIFO for prepend-heavy use). fn may
// pop the current node or append new nodes; it must not pop a node other
// than the one it was handed without the caller re-deriving position,
// mirroring the "saved-position" dispatch loop in §4.3.
func (l *waiterList) each(fn func(w *waiter) bool) {
	l.ensureInit()
	for w := l.sentinel.next; w != &l.sentinel; {
		next := w.next
		if !fn(w) {
			return
		}
		w = next
	}
}
