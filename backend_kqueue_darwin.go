//go:build darwin

package fiberio

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

func init() {
	openers = append(openers, opener{kind: BackendKqueue, open: openKqueueBackend, priority: priorityKqueue})
}

// kqueueBackend implements the §4.4 backend: one-shot EV_ADD|EV_ONESHOT
// registrations re-armed after every dispatch. IOWait issues up to two
// changes (read/write); ProcessWait issues its own EVFILT_PROC change.
type kqueueBackend struct {
	kq int

	table descTable
	sched *Scheduler
	wake  *interrupt

	useEVFiltUser bool

	// blocked is set while Select is parked in the kevent wait, so Wakeup
	// can report whether it actually interrupted anything (§4.2 wakeup
	// return value) in the useEVFiltUser mode, where there is no *interrupt
	// (b.wake is nil) to track this for us.
	blocked atomic.Bool

	stopwatch monotonicStopwatch
	closed    bool

	logger Logger
}

const wakeUserIdent = 1

func openKqueueBackend(cfg config) (Backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	b := &kqueueBackend{kq: kq, logger: cfg.logger}
	b.sched = NewScheduler(nil)

	ev := unix.Kevent_t{Ident: wakeUserIdent, Filter: unix.EVFILT_USER, Flags: unix.EV_ADD | unix.EV_CLEAR}
	if _, err := unix.Kevent(b.kq, []unix.Kevent_t{ev}, nil, nil); err == nil {
		b.useEVFiltUser = true
	} else {
		logDebug(b.logger, "backend", "kqueue", -1, "EVFILT_USER unavailable, falling back to pipe wakeup", nil)
		wake, werr := newWakeInterrupt()
		if werr != nil {
			_ = unix.Close(kq)
			return nil, werr
		}
		b.wake = wake
		readEv := unix.Kevent_t{Ident: uint64(wake.fd()), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD}
		if _, err := unix.Kevent(b.kq, []unix.Kevent_t{readEv}, nil, nil); err != nil {
			_ = wake.close()
			_ = unix.Close(kq)
			return nil, err
		}
	}
	logDebug(b.logger, "backend", "kqueue", -1, "opened", map[string]any{"evfilt_user": b.useEVFiltUser})
	return b, nil
}

func (b *kqueueBackend) Scheduler() *Scheduler { return b.sched }

func (b *kqueueBackend) ReadyPush(fiber Fiber, args ...any) { b.sched.ReadyPush(fiber, args...) }

func (b *kqueueBackend) IdleDuration() float64 { return b.stopwatch.elapsed() }

// IOWait parks self until one of events fires on fd, via up to two
// EV_ADD|EV_ONESHOT changes (read, write).
func (b *kqueueBackend) IOWait(self Fiber, fd int, events Events) (Events, error) {
	if fd < 0 {
		return 0, ErrInvalidArgument
	}
	d, err := b.table.lookup(fd, nil)
	if err != nil {
		return 0, err
	}
	w := &waiter{events: events, fiber: self}
	d.waiters.append(w)
	if err := b.arm(fd, d); err != nil {
		d.waiters.pop(w)
		d.recomputeWaiting()
		return 0, err
	}

	_, perr := self.Park(nil)

	d.waiters.pop(w)
	d.recomputeWaiting()
	if perr != nil {
		return 0, perr
	}
	if w.ready == 0 {
		return 0, ErrCancelled
	}
	return w.ready, nil
}

// arm issues the changelist for fd's current waiting_events, one change
// per direction that is currently wanted (read, write; at most two).
func (b *kqueueBackend) arm(fd int, d *descState) error {
	d.recomputeWaiting()
	want := d.waitingEvents
	var changes []unix.Kevent_t
	if want.Has(Readable) || want.Has(Priority) {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ONESHOT})
	}
	if want.Has(Writable) {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ONESHOT})
	}
	if len(changes) == 0 {
		return nil
	}
	if _, err := unix.Kevent(b.kq, changes, nil, nil); err != nil {
		return NewSubmissionError("kevent_arm", fd, err)
	}
	return nil
}

// ProcessWait parks self until pid exits, keyed via EVFILT_PROC/NOTE_EXIT,
// with the WNOWAIT pre-wait described in §4.4 to cover kernels whose
// EVFILT_PROC notification can race ahead of waitpid(WNOHANG).
func (b *kqueueBackend) ProcessWait(self Fiber, pid int) (ProcessStatus, error) {
	if status, ok := tryReapDarwin(pid); ok {
		return status, nil
	}

	change := unix.Kevent_t{Ident: uint64(pid), Filter: unix.EVFILT_PROC, Flags: unix.EV_ADD | unix.EV_ONESHOT, Fflags: unix.NOTE_EXIT}
	_, err := unix.Kevent(b.kq, []unix.Kevent_t{change}, nil, nil)
	if err == unix.ESRCH {
		logDebug(b.logger, "backend", "kqueue", pid, "ESRCH arming EVFILT_PROC, process already exited", nil)
		_ = waitidWNoWait(pid)
		if status, ok := tryReapDarwin(pid); ok {
			return status, nil
		}
		return ProcessStatus{}, ErrNotAlive
	}
	if err != nil {
		return ProcessStatus{}, NewSubmissionError("kevent_proc", pid, err)
	}

	d, derr := b.table.lookup(pid, nil)
	if derr != nil {
		return ProcessStatus{}, derr
	}
	w := &waiter{events: Exit, fiber: self}
	d.waiters.append(w)

	_, perr := self.Park(nil)
	d.waiters.pop(w)
	if perr != nil {
		return ProcessStatus{}, perr
	}
	if w.ready == 0 {
		return ProcessStatus{}, ErrCancelled
	}

	_ = waitidWNoWait(pid)
	status, ok := tryReapDarwin(pid)
	if !ok {
		return ProcessStatus{}, ErrNotAlive
	}
	return status, nil
}

func (b *kqueueBackend) Select(duration *time.Duration) (int, error) {
	b.stopwatch = monotonicStopwatch{}
	processed := b.sched.ReadyFlush()

	n, err := b.harvest(&zeroKeventTimeout)
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

	var ts *unix.Timespec
	if timeoutMs > 0 {
		d := time.Duration(timeoutMs) * time.Millisecond
		ts = &unix.Timespec{Sec: int64(d / time.Second), Nsec: int64(d % time.Second)}
	}
	if b.wake != nil {
		b.wake.enterBlocking()
	}
	b.blocked.Store(true)
	b.stopwatch.reset()
	n2, err := b.harvest(ts)
	b.blocked.Store(false)
	if b.wake != nil {
		b.wake.exitBlocking()
	}
	if err != nil {
		return 0, err
	}
	return n2, nil
}

var zeroKeventTimeout = unix.Timespec{}

const maxKevents = 128

// harvest performs one kevent syscall with ts as the timeout (nil blocks
// forever) and dispatches resulting events using the two-pass scheme from
// §4.4: stage readyEvents per descriptor first, then walk waiter lists.
func (b *kqueueBackend) harvest(ts *unix.Timespec) (int, error) {
	var raw [maxKevents]unix.Kevent_t
	n, err := unix.Kevent(b.kq, nil, raw[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	touched := make(map[int]*descState, n)
	for i := 0; i < n; i++ {
		ev := raw[i]
		ident := int(ev.Ident)
		switch ev.Filter {
		case unix.EVFILT_USER:
			_ = ident
			continue
		case unix.EVFILT_READ:
			if b.wake != nil && ident == b.wake.fd() {
				_ = b.wake.clear()
				continue
			}
			d := b.table.get(ident)
			if d == nil {
				continue
			}
			d.readyEvents |= Readable
			touched[ident] = d
		case unix.EVFILT_WRITE:
			d := b.table.get(ident)
			if d == nil {
				continue
			}
			d.readyEvents |= Writable
			touched[ident] = d
		case unix.EVFILT_PROC:
			d := b.table.get(ident)
			if d == nil {
				continue
			}
			d.readyEvents |= Exit
			touched[ident] = d
		}
		if ev.Flags&unix.EV_EOF != 0 {
			if d := b.table.get(ident); d != nil {
				d.readyEvents |= Hangup
				touched[ident] = d
			}
		}
	}

	for fd, d := range touched {
		ready := d.readyEvents
		d.readyEvents = 0
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
		_ = b.arm(fd, d)
	}
	return len(touched), nil
}

func (b *kqueueBackend) Wakeup() bool {
	if b.useEVFiltUser {
		wasBlocked := b.blocked.Load()
		trigger := unix.Kevent_t{Ident: wakeUserIdent, Filter: unix.EVFILT_USER, Fflags: unix.NOTE_TRIGGER}
		if _, err := unix.Kevent(b.kq, []unix.Kevent_t{trigger}, nil, nil); err != nil {
			return false
		}
		return wasBlocked
	}
	woke, err := b.wake.wake()
	if err != nil {
		return false
	}
	return woke
}

func (b *kqueueBackend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	logDebug(b.logger, "backend", "kqueue", -1, "closing", nil)
	if b.wake != nil {
		_ = b.wake.close()
	}
	return unix.Close(b.kq)
}

func tryReapDarwin(pid int) (ProcessStatus, bool) {
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

// waitidWNoWait performs the WNOWAIT pre-wait described in §4.4: it
// blocks until pid is terminated-but-unreaped without consuming the zombie,
// so the subsequent non-blocking reap can observe it reliably.
func waitidWNoWait(pid int) error {
	var info unix.Siginfo
	return unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
}
