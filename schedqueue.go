package fiberio

// readyTag distinguishes entries the queue itself owns (heap-allocated,
// freed on pop) from entries owned by a fiber's own call frame (removed by
// that frame's defer on return), per §4.1.
type readyTag int

const (
	tagInternal readyTag = iota
	tagFiber
)

type readyEntry struct {
	prev, next *readyEntry
	tag        readyTag
	fiber      Fiber
	args       []any
}

// readyQueue is the FIFO of fibers the loop will transfer to on the next
// cycle before it blocks in the kernel (§2 GLOSSARY, §4.1). Structurally
// it is the same sentinel-node circular doubly linked list as waiterList;
// it is a separate type because its entries and push/drain discipline
// differ (LIFO push at head, FIFO drain from the tail, bounded by the tail
// observed at flush entry).
type readyQueue struct {
	sentinel readyEntry
	init     bool
}

func (q *readyQueue) ensureInit() {
	if !q.init {
		q.sentinel.prev = &q.sentinel
		q.sentinel.next = &q.sentinel
		q.init = true
	}
}

func (q *readyQueue) empty() bool {
	q.ensureInit()
	return q.sentinel.next == &q.sentinel
}

// pushHead inserts e as the new head (most recently pushed) entry.
func (q *readyQueue) pushHead(e *readyEntry) {
	q.ensureInit()
	first := q.sentinel.next
	e.next = first
	e.prev = &q.sentinel
	first.prev = e
	q.sentinel.next = e
}

// popNode unlinks e from the queue. Safe to call on an already-detached
// entry.
func (q *readyQueue) popNode(e *readyEntry) {
	if e.prev == nil && e.next == nil {
		return
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = nil
	e.next = nil
}

// flush drains entries from the tail toward the head, calling run for
// each, until the entry that was at the tail when flush was called has
// been processed. This keeps ready_flush bounded even if run re-enqueues
// fibers (§8 property 3): a re-enqueue goes to the head via pushHead, which
// never extends the tail-ward walk past the node recorded at entry.
func (q *readyQueue) flush(run func(e *readyEntry)) int {
	q.ensureInit()
	if q.empty() {
		return 0
	}
	stopAt := q.sentinel.prev
	count := 0
	for !q.empty() {
		node := q.sentinel.prev
		stop := node == stopAt
		q.popNode(node)
		run(node)
		count++
		if stop {
			break
		}
	}
	return count
}

// Scheduler glues fibers to the ready queue and to the distinguished loop
// fiber, implementing the §4.1 contract. Unlike the reference design this
// package is modeled on, Scheduler methods take the calling fiber
// explicitly as a `self` parameter rather than discovering it from
// goroutine-local state: Go has no portable notion of "the current
// coroutine", and threading it through explicitly is the idiomatic
// alternative.
type Scheduler struct {
	ready     readyQueue
	loopFiber Fiber
}

// NewScheduler creates a Scheduler whose loop fiber (the target of Yield
// and LoopYield) is loopFiber. loopFiber may be nil if the host runtime
// never calls Yield/LoopYield on this scheduler (IOWait/ProcessWait
// suspend via Fiber.Park directly and never need it).
func NewScheduler(loopFiber Fiber) *Scheduler {
	return &Scheduler{loopFiber: loopFiber}
}

// SetLoopFiber sets or replaces the fiber Yield/LoopYield transfer to.
func (s *Scheduler) SetLoopFiber(loopFiber Fiber) { s.loopFiber = loopFiber }

// LoopResume synchronously hands control to fiber. It is not itself a
// scheduling decision — callers that want fiber to run "later" should use
// ReadyPush instead.
func (s *Scheduler) LoopResume(fiber Fiber, args ...any) (any, error) {
	if fiber == nil {
		return nil, ErrInvalidArgument
	}
	return fiber.Transfer(args...)
}

// LoopYield synchronously hands control to the loop fiber.
func (s *Scheduler) LoopYield() (any, error) {
	return s.loopFiber.Transfer()
}

// Resume enqueues self at the head under a FIBER tag, transfers to target,
// and removes self from the queue again once target transfers back
// (whether by returning normally or via panic unwinding through the
// deferred cleanup).
func (s *Scheduler) Resume(self, target Fiber, args ...any) (val any, err error) {
	if target == nil {
		return nil, ErrInvalidArgument
	}
	entry := &readyEntry{tag: tagFiber, fiber: self}
	s.ready.pushHead(entry)
	defer s.ready.popNode(entry)
	return target.Transfer(args...)
}

// Raise is Resume's counterpart for delivering an exception: self enqueues
// itself, transfers control via target.Raise(err), and removes itself from
// the queue on return.
func (s *Scheduler) Raise(self, target Fiber, raiseErr error) (val any, err error) {
	if target == nil {
		return nil, ErrInvalidArgument
	}
	entry := &readyEntry{tag: tagFiber, fiber: self}
	s.ready.pushHead(entry)
	defer s.ready.popNode(entry)
	return target.Raise(raiseErr)
}

// Yield is equivalent to Resume(self, loopFiber).
func (s *Scheduler) Yield(self Fiber) (any, error) {
	return s.Resume(self, s.loopFiber)
}

// ReadyPush heap-allocates an INTERNAL entry for fiber and enqueues it at
// the head, to be transferred to on the next ReadyFlush.
func (s *Scheduler) ReadyPush(fiber Fiber, args ...any) {
	if fiber == nil {
		return
	}
	s.ready.pushHead(&readyEntry{tag: tagInternal, fiber: fiber, args: args})
}

// ReadyFlush drains the ready queue as described on readyQueue.flush,
// transferring to each entry's fiber in turn, and returns the count of
// entries processed.
func (s *Scheduler) ReadyFlush() int {
	return s.ready.flush(func(e *readyEntry) {
		if e.fiber == nil || !e.fiber.Alive() {
			return
		}
		_, _ = e.fiber.Transfer(e.args...)
	})
}

// readyEmpty reports whether the ready queue currently holds no entries;
// backends use it to decide whether a select cycle may block in the
// kernel.
func (s *Scheduler) readyEmpty() bool {
	return s.ready.empty()
}
