package fiberio

// completion is the io_uring completion record from §3: the bridge between
// a submitted SQE and the waiter that is parked on its result. A waiter and
// its completion point at each other (waiter.comp, completion.waiter) so
// either side of a cancel race can null the link before the other observes
// it, avoiding a dangling pointer to a freed waiter or a stale completion.
type completion struct {
	waiter *waiter

	// userData is the value stashed in the SQE's user_data field so the CQE
	// can be matched back to this record.
	userData uint64

	res   int32
	flags uint32

	// cancelled is set once IORING_OP_ASYNC_CANCEL has been submitted for
	// this completion's SQE, so the cancel is never submitted twice. A CQE
	// that still arrives afterward is recognised by waiter being nil.
	cancelled bool

	done bool
}

// completionPool is a free list of completion records, avoiding an
// allocation on every io_uring submission in the common case of a selector
// that keeps roughly the same number of operations in flight.
type completionPool struct {
	free []*completion
}

func (p *completionPool) get() *completion {
	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free = p.free[:n-1]
		*c = completion{}
		return c
	}
	return &completion{}
}

// put returns c to the pool after symmetrically nulling the waiter<->comp
// links (§9 "Cyclic references").
func (p *completionPool) put(c *completion) {
	if c == nil {
		return
	}
	if c.waiter != nil {
		c.waiter.comp = nil
		c.waiter = nil
	}
	p.free = append(p.free, c)
}

// detach breaks the link between w and its completion (if any) from the
// waiter side, for use when a waiter is being removed from a list (cancel,
// unwind) without the completion itself being freed yet — the in-flight
// CQE, when it eventually arrives, will find comp.waiter nil and discard
// itself instead of touching a waiter that's gone.
func detachWaiterCompletion(w *waiter) {
	if w == nil || w.comp == nil {
		return
	}
	w.comp.waiter = nil
	w.comp = nil
}
