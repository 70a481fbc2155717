package fiberio

import (
	"context"
	"sync"
)

// BlockingOperation is a unit of work the selector itself cannot represent
// as a kernel event (§4.7): a function the pool runs on its own OS thread,
// observing ctx for cooperative cancellation. Implementations should check
// ctx.Err() at reasonable intervals, or select on ctx.Done(), so a Call
// that cancels ctx can make the operation return promptly.
type BlockingOperation func(ctx context.Context) (any, error)

// workItem is the §4.7 "stack-allocated work item": in Go it is heap
// allocated like everything else here, but its lifetime is still scoped to
// exactly one Call invocation.
type workItem struct {
	next *workItem

	op     BlockingOperation
	fiber  Fiber
	ctx    context.Context
	cancel context.CancelFunc

	done   bool
	result any
	err    error
}

// WorkerPoolStats is the §4.7/§6 statistics snapshot.
type WorkerPoolStats struct {
	CurrentWorkerCount int
	MaximumWorkerCount int
	CallCount          int64
	CompletedCount     int64
	CancelledCount     int64
	Shutdown           bool
	CurrentQueueSize   int
}

// WorkerPool offloads BlockingOperations onto a bounded set of OS threads,
// using a mutex/condvar-guarded FIFO exactly as described in §4.7 — Go's
// more idiomatic channel-based worker pool doesn't give a fiber-driven
// caller the "re-block on spurious wake, then request cancellation"
// protocol the spec calls for, so this is hand-built on sync.Mutex/
// sync.Cond rather than reused from elsewhere in the corpus.
type WorkerPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	queueHead, queueTail *workItem
	queueSize            int

	workers            []*poolWorker
	maxWorkers         int
	shutdown           bool
	callCount          int64
	completedCount     int64
	cancelledCount     int64

	closeOnce sync.Once
	logger    Logger
}

type poolWorker struct {
	interrupted bool
	current     *workItem
}

// NewWorkerPool creates a pool with the given maximum worker count
// (clamped to a minimum of 1, per §4.7), starting its OS threads lazily on
// first Call the way the teacher's own pools size up under load rather
// than eagerly pre-spawning.
func NewWorkerPool(maximumWorkerCount int) *WorkerPool {
	if maximumWorkerCount < 1 {
		maximumWorkerCount = 1
	}
	p := &WorkerPool{maxWorkers: maximumWorkerCount}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetLogger attaches a logger consulted by this pool instead of the
// package-level one installed via SetLogger.
func (p *WorkerPool) SetLogger(l Logger) {
	p.mu.Lock()
	p.logger = l
	p.mu.Unlock()
}

// Call implements the §4.7 submission contract: enqueue the operation,
// signal a worker (spawning one if the pool hasn't reached maxWorkers yet),
// then suspend self until the worker marks the item completed. On a
// spurious wake the fiber re-blocks after requesting cancellation, which
// also covers the case where self was raised into while still queued.
func (p *WorkerPool) Call(self Fiber, op BlockingOperation) (any, error) {
	ctx, cancel := context.WithCancel(context.Background())
	item := &workItem{op: op, fiber: self, ctx: ctx, cancel: cancel}

	p.mu.Lock()
	if p.shutdown {
		logWarn(p.logger, "workerpool", "", -1, "call rejected, pool is shut down", nil)
		p.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	p.enqueueLocked(item)
	p.callCount++
	p.ensureWorkerLocked()
	p.cond.Signal()
	p.mu.Unlock()

	for {
		_, perr := self.Park(nil)

		p.mu.Lock()
		completed := item.done
		p.mu.Unlock()

		if completed {
			cancel()
			if item.err != nil {
				return item.result, item.err
			}
			return item.result, nil
		}

		// Spurious wake, or the resume was actually a Raise: request
		// cancellation of the in-flight operation and go back to sleep
		// until the worker really does mark it done.
		cancel()
		p.mu.Lock()
		p.cancelledCount++
		p.mu.Unlock()
		if perr != nil {
			// Raised into while the operation may still be running:
			// keep blocking until the worker acknowledges completion,
			// but remember to propagate perr once it does.
			p.mu.Lock()
			for !item.done {
				p.cond.Wait()
			}
			p.mu.Unlock()
			return item.result, perr
		}
	}
}

func (p *WorkerPool) enqueueLocked(item *workItem) {
	if p.queueTail == nil {
		p.queueHead = item
		p.queueTail = item
	} else {
		p.queueTail.next = item
		p.queueTail = item
	}
	p.queueSize++
}

func (p *WorkerPool) dequeueLocked() *workItem {
	item := p.queueHead
	if item == nil {
		return nil
	}
	p.queueHead = item.next
	if p.queueHead == nil {
		p.queueTail = nil
	}
	item.next = nil
	p.queueSize--
	return item
}

func (p *WorkerPool) ensureWorkerLocked() {
	if len(p.workers) >= p.maxWorkers {
		return
	}
	w := &poolWorker{}
	p.workers = append(p.workers, w)
	logDebug(p.logger, "workerpool", "", -1, "spawning worker", map[string]any{"count": len(p.workers)})
	go p.workerLoop(w)
}

// workerLoop is the §4.7 "Worker loop": wait for work or shutdown, execute
// the blocking operation without any package-level lock held, then mark
// the item done and wake its fiber.
func (p *WorkerPool) workerLoop(w *poolWorker) {
	for {
		p.mu.Lock()
		for p.queueHead == nil && !p.shutdown && !w.interrupted {
			p.cond.Wait()
		}
		if p.shutdown || w.interrupted {
			p.mu.Unlock()
			return
		}
		item := p.dequeueLocked()
		w.current = item
		p.mu.Unlock()

		if item == nil {
			continue
		}

		result, err := item.op(item.ctx)

		p.mu.Lock()
		item.result = result
		item.err = err
		item.done = true
		w.current = nil
		p.completedCount++
		p.cond.Broadcast()
		p.mu.Unlock()

		if item.fiber != nil && item.fiber.Alive() {
			_, _ = item.fiber.Transfer()
		}
	}
}

// Stats returns a snapshot of the pool's counters (§4.7/§6).
func (p *WorkerPool) Stats() WorkerPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return WorkerPoolStats{
		CurrentWorkerCount: len(p.workers),
		MaximumWorkerCount: p.maxWorkers,
		CallCount:          p.callCount,
		CompletedCount:     p.completedCount,
		CancelledCount:     p.cancelledCount,
		Shutdown:           p.shutdown,
		CurrentQueueSize:   p.queueSize,
	}
}

// Close shuts the pool down: sets shutdown and wakes every worker.
// Idempotent. It does not wait for the workers to exit: a worker running
// an operation finishes it and exits on its next loop iteration, and items
// still queued at shutdown are not run.
func (p *WorkerPool) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.shutdown = true
		logDebug(p.logger, "workerpool", "", -1, "closing", map[string]any{"workers": len(p.workers)})
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	return nil
}
