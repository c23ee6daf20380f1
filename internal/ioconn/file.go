package ioconn

import (
	"errors"

	"golang.org/x/sys/unix"
)

// File wraps a single already-open descriptor such as a Linux timerfd or
// the persisted CRC-error-counter file's underlying fd. Unlike Pipe, read
// and write share one handle.
type File struct {
	fd   int
	name string
}

// NewFile adopts fd, which the caller has already opened (and, if
// readiness-driven, set non-blocking).
func NewFile(fd int, name string) *File {
	return &File{fd: fd, name: name}
}

func (f *File) Read(buf []byte) (int, error) {
	n, err := unix.Read(f.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func (f *File) Write(buf []byte) (int, error) {
	n, err := unix.Write(f.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func (f *File) ReadHandle() int  { return f.fd }
func (f *File) WriteHandle() int { return f.fd }

func (f *File) Status() (string, error) { return f.name, nil }

func (f *File) Close() error {
	return unix.Close(f.fd)
}
