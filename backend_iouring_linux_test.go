//go:build linux

package fiberio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// openIOUringForTest skips the test outright on kernels too old for
// io_uring, rather than failing — the CI/dev machine running these tests
// may predate Linux 5.1.
func openIOUringForTest(t *testing.T) *iouringBackend {
	t.Helper()
	cfg := defaultConfig()
	cfg.ringDepth = 8
	b, err := openIOUringBackend(cfg)
	if err != nil {
		t.Skipf("io_uring unavailable on this kernel: %v", err)
	}
	ib := b.(*iouringBackend)
	t.Cleanup(func() { _ = ib.Close() })
	return ib
}

func iouringRunSelectUntil(t *testing.T, b Backend, deadline time.Duration, cond func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	timeout := 20 * time.Millisecond
	for time.Now().Before(end) {
		if cond() {
			return
		}
		_, err := b.Select(&timeout)
		require.NoError(t, err)
	}
	t.Fatal("condition never became true before deadline")
}

func TestIOUringBackend_InlineReadWritePipeEcho(t *testing.T) {
	b := openIOUringForTest(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], 0))
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)

	resultCh := make(chan string, 1)
	reader := NewGoFiber(func(self *GoFiber, args []any) (any, error) {
		buf := make([]byte, 5)
		n, err := b.IORead(self, r, buf)
		require.NoError(t, err)
		resultCh <- string(buf[:n])
		return nil, nil
	})
	writer := NewGoFiber(func(self *GoFiber, args []any) (any, error) {
		n, err := b.IOWrite(self, w, []byte("hello"))
		require.NoError(t, err)
		require.Equal(t, 5, n)
		return nil, nil
	})

	_, err := reader.Transfer()
	require.NoError(t, err)
	_, err = writer.Transfer()
	require.NoError(t, err)

	var got string
	iouringRunSelectUntil(t, b, time.Second, func() bool {
		select {
		case got = <-resultCh:
			return true
		default:
			return false
		}
	})
	require.Equal(t, "hello", got)
}

func TestIOUringBackend_IOWaitCancellationDetachesCompletion(t *testing.T) {
	b := openIOUringForTest(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], 0))
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)

	errCh := make(chan error, 1)
	fiber := NewGoFiber(func(self *GoFiber, args []any) (any, error) {
		_, err := b.IOWait(self, r, Readable)
		errCh <- err
		return nil, err
	})

	_, err := fiber.Transfer()
	require.NoError(t, err)

	// No data ever arrives: raise into the fiber while it's still parked
	// inside IOWait, forcing the IORING_OP_ASYNC_CANCEL path (§8 scenario 5).
	_, _ = fiber.Raise(ErrCancelled)

	select {
	case gotErr := <-errCh:
		require.Error(t, gotErr)
	case <-time.After(time.Second):
		t.Fatal("cancelled IOWait never unwound")
	}

	// One further Select cycle must not resurrect the cancelled waiter.
	// w is intentionally never written to: this scenario only cares about
	// what happens when no data ever arrives.
	timeout := 20 * time.Millisecond
	_, err = b.Select(&timeout)
	require.NoError(t, err)
}

func TestIOUringBackend_WakeupFromAnotherGoroutine(t *testing.T) {
	b := openIOUringForTest(t)

	blockedReturned := make(chan struct{})
	go func() {
		timeout := 5 * time.Second
		_, _ = b.Select(&timeout)
		close(blockedReturned)
	}()

	time.Sleep(20 * time.Millisecond)
	woke := b.Wakeup()
	require.True(t, woke)

	select {
	case <-blockedReturned:
	case <-time.After(time.Second):
		t.Fatal("Select did not return after Wakeup")
	}
}

func TestIOUringBackend_CloseIsIdempotent(t *testing.T) {
	cfg := defaultConfig()
	cfg.ringDepth = 8
	b, err := openIOUringBackend(cfg)
	if err != nil {
		t.Skipf("io_uring unavailable on this kernel: %v", err)
	}
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}
