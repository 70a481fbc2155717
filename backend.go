package fiberio

import (
	"errors"
	"sort"
	"time"
)

// Backend is the uniform contract every platform poller implements (§4.2).
// A Backend is not safe for concurrent use except for Wakeup, which is the
// one method meant to be called from another OS thread while the owning
// goroutine is blocked inside Select.
type Backend interface {
	// IOWait suspends self until at least one of the requested events
	// fires on fd, returning the nonzero subset of events that fired, or
	// zero with ErrCancelled if the wait was cancelled.
	IOWait(self Fiber, fd int, events Events) (Events, error)

	// ProcessWait suspends self until pid becomes reapable, then performs
	// a non-blocking reap and returns its wait status. Returns
	// ErrCancelled if the wait was cancelled before the process exited.
	ProcessWait(self Fiber, pid int) (ProcessStatus, error)

	// Select runs one cycle: flush the ready queue, harvest any
	// immediately available kernel events, and — only if nothing was
	// processed and duration is non-nil and positive — block in the
	// kernel for up to that long. It returns the count of kernel events
	// observed this cycle.
	Select(duration *time.Duration) (int, error)

	// Wakeup interrupts a concurrently blocked Select from another
	// goroutine, returning true iff the selector was actually blocked.
	Wakeup() bool

	// Close releases all kernel resources. Idempotent.
	Close() error

	// IdleDuration returns the real time spent in the most recent
	// blocking kernel wait, in seconds. Reset to zero at the top of every
	// Select call.
	IdleDuration() float64

	// ReadyPush enqueues fiber to be transferred to on the next
	// ReadyFlush/Select cycle, without itself blocking.
	ReadyPush(fiber Fiber, args ...any)

	// Scheduler exposes the backend's underlying ready-queue/transfer
	// primitives (§4.1) for callers that want direct control.
	Scheduler() *Scheduler
}

// IOBackend is implemented by backends that can perform reads and writes
// inline against their own ring (currently only the io_uring backend);
// other backends route I/O through IOWait plus an ordinary read(2)/write(2)
// at the call site.
type IOBackend interface {
	Backend
	IORead(self Fiber, fd int, p []byte) (int, error)
	IOWrite(self Fiber, fd int, p []byte) (int, error)
	IOPRead(self Fiber, fd int, p []byte, offset int64) (int, error)
	IOPWrite(self Fiber, fd int, p []byte, offset int64) (int, error)
	IOClose(fd int)
}

// ProcessStatus is the reaped wait status of a child process (§4.2
// process_wait), modeled after the fields a caller actually needs rather
// than the packed integer a raw wait(2) returns.
type ProcessStatus struct {
	Pid      int
	ExitCode int
	Signaled bool
	Signal   int
}

// BackendKind identifies which concrete backend a Selector opened.
type BackendKind string

const (
	BackendIOUring BackendKind = "io_uring"
	BackendEpoll   BackendKind = "epoll"
	BackendKqueue  BackendKind = "kqueue"
)

// Open probes for the most capable backend available on the running
// kernel, preferring io_uring, then epoll, then kqueue, and returns the
// first that initializes successfully. ErrBackendUnsupported is returned
// if none of the backends compiled for this platform are usable.
func Open(opts ...Option) (Backend, BackendKind, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ordered := make([]opener, len(openers))
	copy(ordered, openers)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].priority < ordered[j].priority })

	var lastErr error
	for _, try := range ordered {
		if cfg.disable != nil && cfg.disable[try.kind] {
			continue
		}
		b, err := try.open(cfg)
		if err == nil {
			return b, try.kind, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, "", ErrBackendUnsupported
	}
	return nil, "", errors.Join(ErrBackendUnsupported, lastErr)
}

type opener struct {
	kind BackendKind
	open func(config) (Backend, error)

	// priority ranks this opener relative to the others registered on this
	// platform; lower runs first. Registration order via init() depends on
	// the Go toolchain's file-lexical build order (backend_epoll_linux.go
	// sorts before backend_iouring_linux.go), which does not match the
	// documented io_uring > epoll > kqueue preference, so Open sorts by this
	// field explicitly instead of relying on registration order.
	priority int
}

const (
	priorityIOUring = 0
	priorityEpoll   = 1
	priorityKqueue  = 2
)

// openers is populated by each platform's backend file via init(); build
// tags mean only the backends compiled for the current GOOS ever register
// here. Open sorts by priority before probing, so registration order itself
// carries no meaning beyond breaking ties between equal priorities (which
// does not occur: each kind registers at most once per platform).
var openers []opener

// Option configures Open. It is the teacher's functional-options idiom,
// used here instead of a config struct exposed directly so future fields
// can be added without breaking callers.
type Option func(*config)

type config struct {
	ringDepth int
	disable   map[BackendKind]bool
	logger    Logger
}

func defaultConfig() config {
	return config{ringDepth: 64}
}

// WithRingDepth overrides the io_uring submission/completion ring depth
// (default 64).
func WithRingDepth(depth int) Option {
	return func(c *config) {
		if depth > 0 {
			c.ringDepth = depth
		}
	}
}

// WithDisabledBackend prevents Open from selecting kind, useful for tests
// that want to force a specific backend.
func WithDisabledBackend(kind BackendKind) Option {
	return func(c *config) {
		if c.disable == nil {
			c.disable = make(map[BackendKind]bool)
		}
		c.disable[kind] = true
	}
}

// WithLogger attaches a logger consulted by this backend instance instead
// of the package-level logger set via SetLogger.
func WithLogger(l Logger) Option {
	return func(c *config) { c.logger = l }
}
