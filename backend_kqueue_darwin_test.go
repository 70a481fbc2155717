//go:build darwin

package fiberio

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func openKqueueForTest(t *testing.T) *kqueueBackend {
	t.Helper()
	b, err := openKqueueBackend(defaultConfig())
	require.NoError(t, err)
	kb := b.(*kqueueBackend)
	t.Cleanup(func() { _ = kb.Close() })
	return kb
}

func kqueueRunSelectUntil(t *testing.T, b Backend, deadline time.Duration, cond func() bool) {
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

func TestKqueueBackend_PipeEcho(t *testing.T) {
	b := openKqueueForTest(t)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	resultCh := make(chan string, 1)
	fiber := NewGoFiber(func(self *GoFiber, args []any) (any, error) {
		ev, err := b.IOWait(self, int(r.Fd()), Readable)
		if err != nil {
			resultCh <- ""
			return nil, err
		}
		require.True(t, ev.Has(Readable))
		buf := make([]byte, 5)
		n, rerr := unix.Read(int(r.Fd()), buf)
		require.NoError(t, rerr)
		resultCh <- string(buf[:n])
		return nil, nil
	})

	_, err = fiber.Transfer()
	require.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _ = w.Write([]byte("hello"))
	}()

	var got string
	kqueueRunSelectUntil(t, b, time.Second, func() bool {
		select {
		case got = <-resultCh:
			return true
		default:
			return false
		}
	})
	require.Equal(t, "hello", got)
}

func TestKqueueBackend_SimultaneousReadAndWriteOnOneFD(t *testing.T) {
	b := openKqueueForTest(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	a, peer := fds[0], fds[1]
	defer unix.Close(a)
	defer unix.Close(peer)
	require.NoError(t, unix.SetNonblock(a, true))

	readerDone := make(chan Events, 1)
	writerDone := make(chan Events, 1)

	reader := NewGoFiber(func(self *GoFiber, args []any) (any, error) {
		ev, err := b.IOWait(self, a, Readable)
		require.NoError(t, err)
		readerDone <- ev
		return nil, nil
	})
	writer := NewGoFiber(func(self *GoFiber, args []any) (any, error) {
		ev, err := b.IOWait(self, a, Writable)
		require.NoError(t, err)
		writerDone <- ev
		return nil, nil
	})

	_, err = reader.Transfer()
	require.NoError(t, err)
	_, err = writer.Transfer()
	require.NoError(t, err)

	kqueueRunSelectUntil(t, b, time.Second, func() bool {
		select {
		case <-writerDone:
			return true
		default:
			return false
		}
	})
	select {
	case <-readerDone:
		t.Fatal("reader fired before any data was written")
	default:
	}

	_, err = unix.Write(peer, []byte("x"))
	require.NoError(t, err)

	kqueueRunSelectUntil(t, b, time.Second, func() bool {
		select {
		case ev := <-readerDone:
			require.True(t, ev.Has(Readable))
			return true
		default:
			return false
		}
	})
}

func TestKqueueBackend_ProcessWait(t *testing.T) {
	b := openKqueueForTest(t)

	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	statusCh := make(chan ProcessStatus, 1)
	fiber := NewGoFiber(func(self *GoFiber, args []any) (any, error) {
		st, err := b.ProcessWait(self, pid)
		require.NoError(t, err)
		statusCh <- st
		return nil, nil
	})
	_, err := fiber.Transfer()
	require.NoError(t, err)

	kqueueRunSelectUntil(t, b, 2*time.Second, func() bool {
		select {
		case st := <-statusCh:
			require.Equal(t, pid, st.Pid)
			require.Equal(t, 0, st.ExitCode)
			return true
		default:
			return false
		}
	})
}

// TestKqueueBackend_ProcessWaitAlreadyExited covers the ESRCH-on-arm path
// (§4.4): the process exits before ProcessWait even arms EVFILT_PROC.
func TestKqueueBackend_ProcessWaitAlreadyExited(t *testing.T) {
	b := openKqueueForTest(t)

	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Wait())

	statusCh := make(chan ProcessStatus, 1)
	errCh := make(chan error, 1)
	fiber := NewGoFiber(func(self *GoFiber, args []any) (any, error) {
		st, err := b.ProcessWait(self, pid)
		if err != nil {
			errCh <- err
			return nil, nil
		}
		statusCh <- st
		return nil, nil
	})
	_, err := fiber.Transfer()
	require.NoError(t, err)

	select {
	case st := <-statusCh:
		require.Equal(t, pid, st.Pid)
	case err := <-errCh:
		require.ErrorIs(t, err, ErrNotAlive)
	case <-time.After(time.Second):
		t.Fatal("ProcessWait on an already-reaped process hung")
	}
}

func TestKqueueBackend_WakeupFromAnotherGoroutine(t *testing.T) {
	b := openKqueueForTest(t)

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

// TestKqueueBackend_WakeupReturnsFalseWhenNotBlocked guards the useEVFiltUser
// fast path specifically: calling Wakeup while Select is not parked in the
// kernel wait must report false, not true, per the contract at backend.go's
// Wakeup doc comment.
func TestKqueueBackend_WakeupReturnsFalseWhenNotBlocked(t *testing.T) {
	b := openKqueueForTest(t)
	if !b.useEVFiltUser {
		t.Skip("EVFILT_USER unavailable on this kernel, pipe fallback covered elsewhere")
	}

	require.False(t, b.Wakeup())

	zero := time.Duration(0)
	n, err := b.Select(&zero)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestKqueueBackend_CloseIsIdempotent(t *testing.T) {
	b, err := openKqueueBackend(defaultConfig())
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}
