// Package pidfile implements an fcntl-locked PID file: a process holds an
// exclusive advisory record lock on it for as long as it runs, and a second
// instance can detect an already-running daemon by failing to acquire
// that lock. Grounded on
// original_source/src/daemonlib/pid_file.c's pid_file_acquire/
// pid_file_release.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned by Acquire when another process already
// holds the lock on path.
var ErrAlreadyRunning = errors.New("pidfile: already acquired by another process")

// File is an acquired, locked PID file. Release removes it from disk
// and closes the descriptor.
type File struct {
	path string
	f    *os.File
}

// Acquire opens (creating if necessary) path, takes an exclusive
// non-blocking fcntl lock on it, and writes the calling process's PID as
// decimal text. It retries the open+lock+stat dance if the file on disk
// was replaced between open and lock (the inode-mismatch race the
// original guards against), and returns ErrAlreadyRunning if the lock is
// held elsewhere.
func Acquire(path string) (*File, error) {
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("pidfile: opening %s: %w", path, err)
		}

		st1, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("pidfile: stat %s: %w", path, err)
		}

		lock := unix.Flock_t{
			Type:   unix.F_WRLCK,
			Whence: 0, // SEEK_SET
			Start:  0,
			Len:    1,
		}
		if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lock); err != nil {
			f.Close()
			if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EAGAIN) {
				return nil, ErrAlreadyRunning
			}
			return nil, fmt.Errorf("pidfile: locking %s: %w", path, err)
		}

		st2, err := os.Stat(path)
		if err != nil {
			f.Close()
			continue
		}
		if !os.SameFile(st1, st2) {
			f.Close()
			continue
		}

		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, fmt.Errorf("pidfile: truncating %s: %w", path, err)
		}
		if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("pidfile: writing %s: %w", path, err)
		}

		return &File{path: path, f: f}, nil
	}
}

// Release removes the PID file from disk and closes its descriptor. Safe
// to call once; the inode is not re-verified here, matching the
// original's unconditional unlink (by the time we shut down cleanly we
// are still holding the lock we acquired, so the file is still ours).
func (pf *File) Release() error {
	if err := os.Remove(pf.path); err != nil && !os.IsNotExist(err) {
		pf.f.Close()
		return fmt.Errorf("pidfile: removing %s: %w", pf.path, err)
	}
	return pf.f.Close()
}
