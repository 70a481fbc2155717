//go:build linux

package fiberio

import (
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

func init() {
	openers = append(openers, opener{kind: BackendIOUring, open: openIOUringBackend, priority: priorityIOUring})
}

const defaultRingDepth = 64

// submitPolicy selects how eagerly a submission reaches the kernel (§4.5).
type submitPolicy int

const (
	submitPending submitPolicy = iota
	submitFlush
	submitNow
)

// iouringBackend implements the §4.5 backend on top of a raw ring.
type iouringBackend struct {
	r *ring

	// sqMu guards every ring-producing operation (getSQE/advanceSQ/
	// submit). Almost all of them run on the single selector goroutine,
	// but Wakeup is deliberately callable from another OS thread (§4.5
	// "Wakeup"), and it submits an IORING_OP_NOP directly on this same
	// ring, so production must be serialized.
	sqMu sync.Mutex

	sched   *Scheduler
	pool    completionPool
	nextTag uint64

	// completions in flight keyed by the user_data tag assigned at
	// submission time, so a CQE can be matched back to its completion.
	inflight map[uint64]*completion

	stopwatch monotonicStopwatch
	closed    bool
	blocked   bool

	logger Logger
}

func openIOUringBackend(cfg config) (Backend, error) {
	depth := cfg.ringDepth
	if depth <= 0 {
		depth = defaultRingDepth
	}
	r, err := newRing(uint32(depth))
	if err != nil {
		return nil, err
	}
	b := &iouringBackend{r: r, inflight: make(map[uint64]*completion), logger: cfg.logger}
	b.sched = NewScheduler(nil)
	logDebug(b.logger, "backend", "io_uring", -1, "opened", map[string]any{"ring_depth": depth})
	return b, nil
}

func (b *iouringBackend) Scheduler() *Scheduler { return b.sched }

func (b *iouringBackend) ReadyPush(fiber Fiber, args ...any) { b.sched.ReadyPush(fiber, args...) }

func (b *iouringBackend) IdleDuration() float64 { return b.stopwatch.elapsed() }

// obtainSQE returns a free SQE, submitting-now to drain the ring and
// retrying if none is currently free (§4.5). Caller must hold sqMu.
func (b *iouringBackend) obtainSQE() *ioUringSQE {
	for {
		if sqe := b.r.getSQE(); sqe != nil {
			return sqe
		}
		_, _ = b.r.submit(0, false)
	}
}

// applyPolicy issues the ring's pending submissions according to policy
// (§4.5 "pending"/"flush"/"now"). Caller must hold sqMu.
func (b *iouringBackend) applyPolicy(policy submitPolicy) error {
	switch policy {
	case submitPending:
		return nil
	case submitFlush:
		if b.r.pendingSQEs() == 0 {
			return nil
		}
		_, err := b.r.submit(0, false)
		if err == unix.EBUSY || err == unix.EAGAIN {
			return nil
		}
		return err
	case submitNow:
		for {
			_, err := b.r.submit(0, false)
			if err == unix.EBUSY || err == unix.EAGAIN {
				continue
			}
			return err
		}
	}
	return nil
}

func pollMaskFor(ev Events) uint32 {
	var m uint32
	if ev.Has(Readable) {
		m |= unix.POLLIN
	}
	if ev.Has(Priority) {
		m |= unix.POLLPRI
	}
	if ev.Has(Writable) {
		m |= unix.POLLOUT
	}
	m |= unix.POLLHUP | unix.POLLERR
	return m
}

func eventsFromPollMask(m uint32, requested Events) Events {
	var ev Events
	if m&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		ev |= Readable
	}
	if m&unix.POLLPRI != 0 {
		ev |= Priority
	}
	if m&unix.POLLOUT != 0 {
		ev |= Writable
	}
	if m&unix.POLLERR != 0 {
		ev |= Error
	}
	if m&unix.POLLHUP != 0 {
		ev |= Hangup
	}
	// Only report the subset the caller actually asked for (HUP/ERR are
	// already folded into READABLE above), per §4.5.
	return ev & requested
}

// IOWait submits IORING_OP_POLL_ADD for the requested events and parks
// self until the completion (or a cancel) arrives.
func (b *iouringBackend) IOWait(self Fiber, fd int, events Events) (Events, error) {
	if fd < 0 {
		return 0, ErrInvalidArgument
	}
	w := &waiter{events: events, fiber: self}
	comp := b.pool.get()
	b.nextTag++
	tag := b.nextTag
	comp.userData = tag
	comp.waiter = w
	w.comp = comp
	b.inflight[tag] = comp

	b.sqMu.Lock()
	sqe := b.obtainSQE()
	sqe.Opcode = opPollAdd
	sqe.Fd = int32(fd)
	sqe.OpFlags = pollMaskFor(events)
	sqe.UserData = tag
	b.r.advanceSQ()
	err := b.applyPolicy(submitNow)
	b.sqMu.Unlock()
	if err != nil {
		delete(b.inflight, tag)
		detachWaiterCompletion(w)
		b.pool.put(comp)
		return 0, NewSubmissionError("io_uring_poll_add", fd, err)
	}

	_, perr := self.Park(nil)

	if !comp.done {
		// Still in flight: unwinding early (the fiber was raised into,
		// or the backend is closing). Detach so the eventual CQE finds
		// w.comp nil and simply releases the completion instead of
		// resuming a fiber that has moved on, then cancel the op.
		comp.waiter = nil
		w.comp = nil
		b.cancel(comp)
		if perr == nil {
			perr = ErrCancelled
		}
		return 0, perr
	}
	if perr != nil {
		return 0, perr
	}
	if comp.res < 0 {
		return 0, ErrCancelled
	}
	return eventsFromPollMask(uint32(comp.res), events), nil
}

// cancel submits IORING_OP_ASYNC_CANCEL targeting comp's original
// operation; the cancel SQE itself carries null user-data so its own
// completion is simply dropped at harvest time.
func (b *iouringBackend) cancel(comp *completion) {
	if comp == nil || comp.cancelled {
		return
	}
	comp.cancelled = true
	b.sqMu.Lock()
	sqe := b.obtainSQE()
	sqe.Opcode = opAsyncCancel
	sqe.Addr = comp.userData
	sqe.UserData = 0
	b.r.advanceSQ()
	_ = b.applyPolicy(submitNow)
	b.sqMu.Unlock()
}

// ProcessWait has no io_uring-native process-exit primitive in the opcode
// set this backend issues, so it polls via IORING_OP_POLL_ADD on a pidfd,
// exactly like the epoll backend's pidfd strategy (§4.3's approach, reused
// here since §4.5 does not specify a distinct mechanism).
func (b *iouringBackend) ProcessWait(self Fiber, pid int) (ProcessStatus, error) {
	if status, ok := tryReap(pid); ok {
		return status, nil
	}
	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return ProcessStatus{}, NewSubmissionError("pidfd_open", pid, err)
	}
	defer unix.Close(pidfd)
	if status, ok := tryReap(pid); ok {
		return status, nil
	}
	if _, werr := b.IOWait(self, pidfd, Readable); werr != nil {
		return ProcessStatus{}, werr
	}
	status, ok := tryReap(pid)
	if !ok {
		return ProcessStatus{}, ErrNotAlive
	}
	return status, nil
}

// Select implements §4.5: flush pending submissions, flush the ready
// queue, harvest already-available completions, and only block in the
// kernel (io_uring_wait_cqe-equivalent via GETEVENTS) if all three were
// idle.
func (b *iouringBackend) Select(duration *time.Duration) (int, error) {
	b.stopwatch = monotonicStopwatch{}
	b.sqMu.Lock()
	err := b.applyPolicy(submitFlush)
	b.sqMu.Unlock()
	if err != nil {
		return 0, err
	}
	processed := b.sched.ReadyFlush()
	n := b.harvestAvailable()

	if processed > 0 || n > 0 || !b.sched.readyEmpty() {
		return n, nil
	}

	timeoutMs := durationToTimeoutMs(duration)
	if timeoutMs == 0 {
		return 0, nil
	}

	// The actual blocking wait is deliberately issued outside sqMu: a
	// concurrent Wakeup must be able to acquire sqMu and submit its NOP
	// (which this call is waiting to observe a completion for) while
	// this goroutine is parked in the kernel.
	b.blocked = true
	b.stopwatch.reset()
	_, werr := b.r.submit(1, true)
	b.blocked = false
	if werr != nil && werr != unix.ETIME && werr != unix.EINTR {
		return 0, werr
	}
	n2 := b.harvestAvailable()
	return n2, nil
}

// harvestAvailable drains every CQE currently posted without blocking,
// dispatching each to its waiter (§4.5 "Dispatch").
func (b *iouringBackend) harvestAvailable() int {
	count := 0
	for {
		cqe := b.r.peekCQE()
		if cqe == nil {
			return count
		}
		b.dispatchCompletion(cqe)
		b.r.advanceCQ()
		count++
	}
}

func (b *iouringBackend) dispatchCompletion(cqe *ioUringCQE) {
	if cqe.UserData == 0 {
		return // NOP, cancel or close SQE completion; just advance
	}
	comp, ok := b.inflight[cqe.UserData]
	if !ok {
		return
	}
	delete(b.inflight, cqe.UserData)
	comp.res = cqe.Res
	comp.flags = cqe.Flags
	comp.done = true

	w := comp.waiter
	if w == nil {
		// Waiter already gave up and detached (cancel race, §9 "Cyclic
		// references"); the completion record is now ours to free.
		b.pool.put(comp)
		return
	}
	if w.fiber != nil && w.fiber.Alive() {
		_, _ = w.fiber.Transfer()
	}
	// The resumed fiber (IOWait/ioLoop) has read comp.res/done by the
	// time Transfer returns control here; release it now.
	b.pool.put(comp)
}

func (b *iouringBackend) Wakeup() bool {
	if !b.blocked {
		return false
	}
	b.sqMu.Lock()
	sqe := b.obtainSQE()
	sqe.Opcode = opNop
	sqe.UserData = 0
	b.r.advanceSQ()
	err := b.applyPolicy(submitNow)
	b.sqMu.Unlock()
	return err == nil
}

func (b *iouringBackend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	logDebug(b.logger, "backend", "io_uring", -1, "closing", nil)
	return b.r.close()
}

// IORead performs an inline IORING_OP_READ, falling back to io_wait+read on
// EAGAIN as described in §4.5's read/write loop, repeating until len(p)
// bytes are transferred, EOF, or an error.
func (b *iouringBackend) IORead(self Fiber, fd int, p []byte) (int, error) {
	return b.IOPRead(self, fd, p, -1)
}

func (b *iouringBackend) IOWrite(self Fiber, fd int, p []byte) (int, error) {
	return b.IOPWrite(self, fd, p, -1)
}

func (b *iouringBackend) IOPRead(self Fiber, fd int, p []byte, offset int64) (int, error) {
	return b.ioLoop(self, fd, p, offset, opRead, Readable)
}

func (b *iouringBackend) IOPWrite(self Fiber, fd int, p []byte, offset int64) (int, error) {
	return b.ioLoop(self, fd, p, offset, opWrite, Writable)
}

// ioLoop implements the §4.5 read/write retry loop: submit inline, and on
// EAGAIN fall back to io_wait for the matching direction before retrying.
func (b *iouringBackend) ioLoop(self Fiber, fd int, p []byte, offset int64, op uint8, dir Events) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	total := 0
	for total < len(p) {
		n, errno := b.submitRW(self, fd, p[total:], offset, op)
		if errno == unix.EAGAIN || errno == unix.EWOULDBLOCK {
			if _, werr := b.IOWait(self, fd, dir); werr != nil {
				return total, werr
			}
			continue
		}
		if errno != 0 {
			return total, NewSubmissionError("io_uring_rw", fd, errno)
		}
		if n == 0 {
			return total, nil // EOF
		}
		total += n
		if offset >= 0 {
			offset += int64(n)
		}
	}
	return total, nil
}

func (b *iouringBackend) submitRW(self Fiber, fd int, p []byte, offset int64, op uint8) (int, unix.Errno) {
	w := &waiter{fiber: self}
	comp := b.pool.get()
	b.nextTag++
	tag := b.nextTag
	comp.userData = tag
	comp.waiter = w
	w.comp = comp
	b.inflight[tag] = comp

	b.sqMu.Lock()
	sqe := b.obtainSQE()
	sqe.Opcode = op
	sqe.Fd = int32(fd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&p[0])))
	sqe.Len = uint32(len(p))
	if offset < 0 {
		sqe.Off = ^uint64(0)
	} else {
		sqe.Off = uint64(offset)
	}
	sqe.UserData = tag
	b.r.advanceSQ()
	err := b.applyPolicy(submitNow)
	b.sqMu.Unlock()
	if err != nil {
		delete(b.inflight, tag)
		detachWaiterCompletion(w)
		b.pool.put(comp)
		return 0, unix.EIO
	}

	_, perr := self.Park(nil)

	if !comp.done || perr != nil {
		if !comp.done {
			comp.waiter = nil
			w.comp = nil
			b.cancel(comp)
		}
		return 0, unix.EINTR
	}
	if comp.res < 0 {
		return 0, unix.Errno(-comp.res)
	}
	return int(comp.res), 0
}

// IOClose submits IORING_OP_CLOSE fire-and-forget (§4.5).
func (b *iouringBackend) IOClose(fd int) {
	b.sqMu.Lock()
	sqe := b.obtainSQE()
	sqe.Opcode = opClose
	sqe.Fd = int32(fd)
	sqe.UserData = 0
	b.r.advanceSQ()
	_ = b.applyPolicy(submitNow)
	b.sqMu.Unlock()
}
