//go:build darwin

package fiberio

import "golang.org/x/sys/unix"

// newInterrupt opens the Darwin implementation of the §4.6 cross-thread
// wake primitive: a self-pipe, since eventfd doesn't exist on BSD. x/sys/unix
// has no Pipe2 on darwin (unlike linux/freebsd/openbsd/netbsd/dragonfly/
// solaris), so both ends are set nonblocking and close-on-exec individually
// after the plain Pipe call, the same way the rest of this package arms
// non-uring fds.
func newInterrupt() (*interrupt, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = closeFD(fds[0])
			_ = closeFD(fds[1])
			return nil, err
		}
		unix.CloseOnExec(fd)
	}
	return &interrupt{readFD: fds[0], writeFD: fds[1]}, nil
}

func (w *interrupt) signalPlatform() error {
	_, err := writeFD(w.writeFD, []byte{1})
	if isAgain(err) {
		return nil
	}
	return err
}

func (w *interrupt) clearPlatform() error {
	var buf [64]byte
	for {
		_, err := readFD(w.readFD, buf[:])
		if err != nil {
			if isAgain(err) {
				return nil
			}
			return err
		}
	}
}

func (w *interrupt) closePlatform() error {
	err1 := closeFD(w.readFD)
	err2 := closeFD(w.writeFD)
	if err1 != nil {
		return err1
	}
	return err2
}

func isAgain(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
