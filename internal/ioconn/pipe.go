package ioconn

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Pipe wraps a POSIX pipe pair (two distinct descriptors), used by the
// signal, timer, zombie-expiry, TCP-listener, websocket and USB
// notification sources. The reactor's stop pipe and the pty transport do
// not use it.
type Pipe struct {
	r, w *os.File
}

// NewPipe creates a fresh non-blocking pipe pair.
func NewPipe() (*Pipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	if err := unix.SetNonblock(int(w.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	return &Pipe{r: r, w: w}, nil
}

// WrapPipe adopts an already-open pipe pair (e.g. one returned by a
// third-party library such as creack/pty).
func WrapPipe(r, w *os.File) (*Pipe, error) {
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		return nil, err
	}
	if w != nil {
		if err := unix.SetNonblock(int(w.Fd()), true); err != nil {
			return nil, err
		}
	}
	return &Pipe{r: r, w: w}, nil
}

func (p *Pipe) Read(buf []byte) (int, error) {
	n, err := unix.Read(int(p.r.Fd()), buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func (p *Pipe) Write(buf []byte) (int, error) {
	if p.w == nil {
		return 0, errors.New("ioconn: pipe has no write end")
	}
	n, err := unix.Write(int(p.w.Fd()), buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func (p *Pipe) ReadHandle() int { return int(p.r.Fd()) }
func (p *Pipe) WriteHandle() int {
	if p.w == nil {
		return int(p.r.Fd())
	}
	return int(p.w.Fd())
}

func (p *Pipe) Status() (string, error) { return "", nil }

func (p *Pipe) Close() error {
	err := p.r.Close()
	if p.w != nil {
		if werr := p.w.Close(); err == nil {
			err = werr
		}
	}
	return err
}
