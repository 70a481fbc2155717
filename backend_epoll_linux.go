//go:build linux

package fiberio

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

func init() {
	openers = append(openers, opener{kind: BackendEpoll, open: openEpollBackend, priority: priorityEpoll})
}

// epollBackend implements the §4.3 backend: one epoll registration per
// descriptor, transitions computed from (registered, waiting) event pairs.
type epollBackend struct {
	epfd int

	table descTable
	sched *Scheduler
	wake  *interrupt

	stopwatch monotonicStopwatch

	closed bool

	// use epoll_pwait2 until it proves unavailable (ENOSYS), then fall
	// back to epoll_wait with a millisecond-truncated timeout for the
	// remainder of this backend's life.
	havePwait2 bool

	logger Logger
}

func openEpollBackend(cfg config) (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wake, err := newWakeInterrupt()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	b := &epollBackend{epfd: epfd, havePwait2: true, logger: cfg.logger}
	b.sched = NewScheduler(nil)
	logDebug(b.logger, "backend", "epoll", -1, "opened", nil)

	ev := unix.EpollEvent{Events: unix.EPOLLIN}
	ev.Fd = -1
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, wake.fd(), &ev); err != nil {
		_ = wake.close()
		_ = unix.Close(epfd)
		return nil, err
	}
	b.wake = wake
	return b, nil
}

func (b *epollBackend) Scheduler() *Scheduler { return b.sched }

func (b *epollBackend) ReadyPush(fiber Fiber, args ...any) { b.sched.ReadyPush(fiber, args...) }

func (b *epollBackend) IdleDuration() float64 { return b.stopwatch.elapsed() }

func epollMaskFor(ev Events) uint32 {
	var m uint32
	if ev.Has(Readable) {
		m |= unix.EPOLLIN
	}
	if ev.Has(Priority) {
		m |= unix.EPOLLPRI
	}
	if ev.Has(Writable) {
		m |= unix.EPOLLOUT
	}
	// HUP/ERR are always reported by the kernel regardless of request,
	// but request them explicitly too for clarity (§4.3).
	m |= unix.EPOLLHUP | unix.EPOLLERR
	return m
}

func eventsFromEpollMask(m uint32) Events {
	var ev Events
	if m&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLIN) != 0 {
		ev |= Readable
	}
	if m&unix.EPOLLPRI != 0 {
		ev |= Priority
	}
	if m&unix.EPOLLOUT != 0 {
		ev |= Writable
	}
	if m&unix.EPOLLERR != 0 {
		ev |= Error
	}
	if m&unix.EPOLLHUP != 0 {
		ev |= Hangup
	}
	return ev
}

// rearm recomputes d.waitingEvents and issues the ADD/MOD/DEL transition
// described in §4.3.
func (b *epollBackend) rearm(fd int, d *descState) error {
	prev := d.registeredEvents
	d.recomputeWaiting()
	want := d.waitingEvents

	switch {
	case prev == 0 && want == 0:
		return nil
	case prev == 0 && want != 0:
		ev := unix.EpollEvent{Events: epollMaskFor(want), Fd: int32(fd)}
		err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
		if err == unix.EEXIST {
			logDebug(b.logger, "backend", "epoll", fd, "ADD raced with existing registration, degrading to MOD", nil)
			err = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
		}
		if err != nil {
			return NewSubmissionError("epoll_ctl_add", fd, err)
		}
		d.registeredEvents = want
		return nil
	case want != 0 && want != prev:
		ev := unix.EpollEvent{Events: epollMaskFor(want), Fd: int32(fd)}
		err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
		if err == unix.ENOENT {
			logDebug(b.logger, "backend", "epoll", fd, "MOD raced with missing registration, degrading to ADD", nil)
			err = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
		}
		if err != nil {
			return NewSubmissionError("epoll_ctl_mod", fd, err)
		}
		d.registeredEvents = want
		return nil
	case want == 0 && prev != 0:
		err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		if err != nil && err != unix.ENOENT {
			return NewSubmissionError("epoll_ctl_del", fd, err)
		}
		d.registeredEvents = 0
		return nil
	}
	return nil
}

// IOWait parks self on fd's waiter list until one of events fires.
func (b *epollBackend) IOWait(self Fiber, fd int, events Events) (Events, error) {
	if fd < 0 {
		return 0, ErrInvalidArgument
	}
	d, err := b.table.lookup(fd, nil)
	if err != nil {
		return 0, err
	}
	w := &waiter{events: events, fiber: self}
	d.waiters.append(w)
	if err := b.rearm(fd, d); err != nil {
		d.waiters.pop(w)
		d.recomputeWaiting()
		if isEPERM(err) {
			// The descriptor cannot be polled at all (a regular file, most
			// commonly): report the requested events as ready immediately
			// rather than failing, per §7. The fiber still yields back to
			// the loop once via the ready queue so it doesn't monopolize
			// the scheduler in a tight retry loop.
			logDebug(b.logger, "backend", "epoll", fd, "EPERM arming descriptor, reporting requested events as ready", nil)
			b.sched.ReadyPush(self)
			_, _ = self.Park(nil)
			return events, nil
		}
		return 0, err
	}

	_, perr := self.Park(nil)

	d.waiters.pop(w)
	if rerr := b.rearm(fd, d); rerr != nil && perr == nil {
		perr = rerr
	}
	if perr != nil {
		return 0, perr
	}
	if w.ready == 0 {
		return 0, ErrCancelled
	}
	return w.ready, nil
}

// ProcessWait parks self until pid becomes reapable via a pidfd, keyed as
// an ordinary descriptor in the table (§4.3 "Process-exit").
func (b *epollBackend) ProcessWait(self Fiber, pid int) (ProcessStatus, error) {
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

	ev, werr := b.IOWait(self, pidfd, Readable)
	if werr != nil {
		return ProcessStatus{}, werr
	}
	_ = ev
	status, ok := tryReap(pid)
	if !ok {
		return ProcessStatus{}, ErrNotAlive
	}
	return status, nil
}

// Select implements §4.3's select: flush the ready queue, then a
// non-blocking harvest, and only block in the kernel if nothing at all
// happened synchronously.
func (b *epollBackend) Select(duration *time.Duration) (int, error) {
	b.stopwatch = monotonicStopwatch{}
	processed := b.sched.ReadyFlush()

	n, err := b.harvest(0)
	if err != nil {
		return 0, err
	}
	if processed > 0 || n > 0 || !b.sched.readyEmpty() {
		return n, nil
	}

	timeoutMs := durationToTimeoutMs(duration)
	if timeoutMs == 0 {
		return 0, nil
	}

	b.wake.enterBlocking()
	b.stopwatch.reset()
	n2, err := b.harvest(timeoutMs)
	b.wake.exitBlocking()
	if err != nil {
		return 0, err
	}
	return n2, nil
}

const maxEpollEvents = 128

// harvest performs one epoll_wait call with the given millisecond timeout
// (-1 blocks forever, 0 polls) and dispatches resulting events.
func (b *epollBackend) harvest(timeoutMs int) (int, error) {
	var raw [maxEpollEvents]unix.EpollEvent
	n, err := epollWaitPreferPwait2(b, raw[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd < 0 {
			_ = b.wake.clear()
			continue
		}
		d := b.table.get(fd)
		if d == nil {
			continue
		}
		ready := eventsFromEpollMask(raw[i].Events)
		b.dispatch(fd, d, ready)
		count++
	}
	return count, nil
}

// dispatch implements the §4.3 saved-position walk: waiting_events is
// zeroed, the waiter list is walked once, matching waiters are transferred
// to, and non-matching waiters re-contribute to waiting_events before
// re-arming.
func (b *epollBackend) dispatch(fd int, d *descState, ready Events) {
	d.waitingEvents = 0
	d.waiters.each(func(w *waiter) bool {
		if w.events.Intersects(ready) {
			w.ready = w.events & ready
			_, _ = w.fiber.Transfer()
		} else {
			d.waitingEvents |= w.events
		}
		return true
	})
	_ = b.rearm(fd, d)
}

func (b *epollBackend) Wakeup() bool {
	woke, err := b.wake.wake()
	if err != nil {
		return false
	}
	return woke
}

func (b *epollBackend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	logDebug(b.logger, "backend", "epoll", -1, "closing", nil)
	_ = b.wake.close()
	return unix.Close(b.epfd)
}

// epollWaitPreferPwait2 calls epoll_pwait2 (which takes a nanosecond-
// resolution timeout) while it keeps working, falling back permanently to
// epoll_wait with a millisecond-truncated timeout the first time it
// reports ENOSYS (older kernels), per §4.3.
func epollWaitPreferPwait2(b *epollBackend, events []unix.EpollEvent, timeoutMs int) (int, error) {
	if b.havePwait2 {
		var ts *unix.Timespec
		if timeoutMs >= 0 {
			d := time.Duration(timeoutMs) * time.Millisecond
			ts = &unix.Timespec{Sec: int64(d / time.Second), Nsec: int64(d % time.Second)}
		}
		n, err := unix.EpollPwait2(b.epfd, events, ts, nil)
		if err == nil {
			return n, nil
		}
		if err != unix.ENOSYS {
			return n, err
		}
		logWarn(b.logger, "backend", "epoll", -1, "epoll_pwait2 unavailable, falling back to epoll_wait", err)
		b.havePwait2 = false
	}
	return unix.EpollWait(b.epfd, events, timeoutMs)
}

// isEPERM reports whether err is (or wraps) EPERM from an epoll_ctl call,
// the signal that fd is a kind epoll cannot poll at all (§7).
func isEPERM(err error) bool {
	var se *SubmissionError
	if errors.As(err, &se) {
		return errors.Is(se.Err, unix.EPERM)
	}
	return errors.Is(err, unix.EPERM)
}

func tryReap(pid int) (ProcessStatus, bool) {
	var ws unix.WaitStatus
	got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil || got != pid {
		return ProcessStatus{}, false
	}
	st := ProcessStatus{Pid: pid}
	if ws.Exited() {
		st.ExitCode = ws.ExitStatus()
	}
	if ws.Signaled() {
		st.Signaled = true
		st.Signal = int(ws.Signal())
	}
	return st, true
}
