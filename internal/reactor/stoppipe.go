package reactor

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// newStopPipe creates the internal stop-pipe: Stop writes one byte to the
// write end from any goroutine; the reactor thread reads it as ordinary
// read-readiness on the read end, hopping Stop onto the reactor thread.
func newStopPipe() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func readStopPipe(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil && isRetryable(err) {
		return 0, nil
	}
	return n, err
}

func writeStopPipe(fd int) (int, error) {
	return unix.Write(fd, []byte{1})
}

// isRetryable reports whether err is a transient interrupt that the caller
// should simply retry, matching the spec's "transient interrupts retry"
// failure semantics.
func isRetryable(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) || errors.Is(err, os.ErrDeadlineExceeded)
}
