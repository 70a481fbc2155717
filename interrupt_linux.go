//go:build linux

package fiberio

import "golang.org/x/sys/unix"

// newInterrupt opens the Linux implementation of the §4.6 cross-thread
// wake primitive: a single nonblocking, close-on-exec eventfd. signal
// writes 8 bytes; clear reads them back.
func newInterrupt() (*interrupt, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &interrupt{readFD: fd, writeFD: fd}, nil
}

func (w *interrupt) signalPlatform() error {
	var buf [8]byte
	buf[7] = 1
	_, err := writeFD(w.writeFD, buf[:])
	if isAgain(err) {
		return nil
	}
	return err
}

func (w *interrupt) clearPlatform() error {
	var buf [8]byte
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
	return closeFD(w.readFD)
}

func isAgain(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
