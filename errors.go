package fiberio

import (
	"errors"
	"fmt"
)

// Sentinel errors for the selector and worker pool.
//
// Transient syscall failures (EAGAIN, EWOULDBLOCK, EINTR, ETIME) never reach
// the caller as errors: backends fold them into retries or zero-event
// returns. Benign registration races (ENOENT on epoll MOD, EEXIST on epoll
// ADD, ESRCH on a kqueue process-exit filter) are degraded automatically.
// What remains, below, is what actually surfaces.
var (
	// ErrClosed is returned by WorkerPool.Call once the pool has been
	// closed. Close itself is idempotent and never returns it.
	ErrClosed = errors.New("fiberio: closed")

	// ErrBackendUnsupported is returned by a backend's probe constructor
	// when the running kernel lacks the facility it needs (e.g.
	// io_uring_queue_init on a pre-5.1 kernel, or kqueue on Linux). Open
	// treats it as a signal to fall back to the next candidate backend.
	ErrBackendUnsupported = errors.New("fiberio: backend unsupported on this kernel")

	// ErrCancelled is returned by IOWait and ProcessWait when the waiting
	// fiber is resumed without any requested event having fired, and by
	// the io_uring IOWait when its poll completes with an error or is
	// abandoned before completing. A fiber that is raised into gets the
	// raised error back instead; IORead/IOWrite report a cancelled
	// submission as a *SubmissionError wrapping EINTR.
	ErrCancelled = errors.New("fiberio: operation cancelled")

	// ErrFDTooLarge is returned when a descriptor is negative or exceeds
	// the table's addressable range (SIZE_MAX/sizeof(pointer) in the spec;
	// here bounded by maxTableSize).
	ErrFDTooLarge = errors.New("fiberio: descriptor out of range")

	// ErrInvalidArgument is returned for user-level misuse: a negative
	// descriptor passed to IOWait, or a nil fiber passed to Resume, Raise
	// or LoopResume. (A worker count below 1 is clamped to 1, not
	// rejected.)
	ErrInvalidArgument = errors.New("fiberio: invalid argument")

	// ErrNotAlive is returned by ProcessWait when the process could not be
	// reaped after its exit was observed (for example because it was
	// already reaped elsewhere). Transfer/Raise on a finished fiber do not
	// return it; they are no-ops returning nil, nil.
	ErrNotAlive = errors.New("fiberio: fiber is not alive")
)

// SubmissionError wraps a failed kernel submission (io_uring SQE, epoll_ctl,
// kevent) with the descriptor and syscall involved, so callers can log
// without the backend needing to know about structured logging itself.
type SubmissionError struct {
	Op  string // e.g. "epoll_ctl_add", "io_uring_poll_add", "kevent_arm"
	FD  int
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("fiberio: %s on fd %d: %v", e.Op, e.FD, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// NewSubmissionError constructs a [SubmissionError]. It exists mainly so
// backends share one construction idiom instead of ad-hoc fmt.Errorf calls.
func NewSubmissionError(op string, fd int, err error) error {
	if err == nil {
		return nil
	}
	return &SubmissionError{Op: op, FD: fd, Err: err}
}
