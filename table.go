package fiberio

// maxTableSize bounds the indexed table's growth. The spec allows growth up
// to SIZE_MAX/sizeof(pointer); on a 64-bit Go build that's an impractical
// amount of memory before it would matter, so this is just a sanity ceiling
// against a caller passing a garbage descriptor number.
const maxTableSize = 1 << 24

// descTable is the sparse fd -> *descState vector from §4.8: O(1) lookup by
// a small non-negative integer without a hash map, with pointer identity
// stable for the entry's lifetime. Capacity doubles from an initial 128 on
// first growth; lookup lazily allocates the element (invoking init if the
// slot was empty) and bumps limit; truncate frees elements at or above the
// new limit.
type descTable struct {
	entries []*descState
	limit   int
}

const initialTableCapacity = 128

func (t *descTable) grow(n int) {
	if n < len(t.entries) {
		return
	}
	newCap := len(t.entries)
	if newCap == 0 {
		newCap = initialTableCapacity
	}
	for newCap <= n {
		newCap *= 2
	}
	grown := make([]*descState, newCap)
	copy(grown, t.entries)
	t.entries = grown
}

// lookup returns the entry at i, lazily allocating it via init (which may
// be nil, meaning "allocate a zero descState") if the slot is empty.
func (t *descTable) lookup(i int, init func() *descState) (*descState, error) {
	if i < 0 || i >= maxTableSize {
		return nil, ErrFDTooLarge
	}
	t.grow(i)
	if t.entries[i] == nil {
		if init != nil {
			t.entries[i] = init()
		} else {
			t.entries[i] = &descState{}
		}
	}
	if i+1 > t.limit {
		t.limit = i + 1
	}
	return t.entries[i], nil
}

// get returns the entry at i without allocating, or nil if absent or out of
// range.
func (t *descTable) get(i int) *descState {
	if i < 0 || i >= len(t.entries) {
		return nil
	}
	return t.entries[i]
}

// truncate frees every entry at index >= newLimit. limit never decreases
// except through this explicit call.
func (t *descTable) truncate(newLimit int) {
	if newLimit < 0 {
		newLimit = 0
	}
	for i := newLimit; i < len(t.entries) && i < t.limit; i++ {
		t.entries[i] = nil
	}
	if newLimit < t.limit {
		t.limit = newLimit
	}
}

// each iterates [0, limit) skipping nil slots.
func (t *descTable) each(fn func(fd int, d *descState)) {
	for i := 0; i < t.limit && i < len(t.entries); i++ {
		if d := t.entries[i]; d != nil {
			fn(i, d)
		}
	}
}

// descState is the per-descriptor state from §3: the waiter list, the
// union of requested events across surviving waiters, the mask currently
// armed with the kernel, and (readiness backends only) the last-associated
// opaque I/O handle and, for kqueue, the staging mask used during harvest.
type descState struct {
	waiters waiterList

	waitingEvents    Events
	registeredEvents Events

	// handle is a slot for an opaque value associated with the descriptor,
	// kept as `any`. No backend in this package currently sets or reads it.
	handle any

	// readyEvents is kqueue's staging mask: set while harvesting kevents
	// (pass 1 in §4.4), consumed once before the waiter walk (pass 2).
	readyEvents Events
}

// recomputeWaiting recomputes waitingEvents as the OR of every surviving
// waiter's requested events (§3 invariant 2).
func (d *descState) recomputeWaiting() {
	var mask Events
	d.waiters.each(func(w *waiter) bool {
		mask |= w.events
		return true
	})
	d.waitingEvents = mask
}
