package ioconn

import (
	"errors"
	"os"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// PTYConn is a pty-backed local loopback transport: an operator (or an
// integration test) can attach a client without a TCP round-trip, filling
// the role a Unix-domain socket or named pipe plays elsewhere.
type PTYConn struct {
	master *os.File
}

// OpenPTY allocates a new pty pair and returns the master side wrapped as
// an IO, plus the slave's path for whatever attaches to it.
func OpenPTY() (*PTYConn, string, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, "", err
	}
	defer slave.Close()

	if err := unix.SetNonblock(int(master.Fd()), true); err != nil {
		master.Close()
		return nil, "", err
	}

	return &PTYConn{master: master}, slave.Name(), nil
}

func (p *PTYConn) Read(buf []byte) (int, error) {
	n, err := p.master.Read(buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

func (p *PTYConn) Write(buf []byte) (int, error) {
	n, err := p.master.Write(buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return n, ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

func (p *PTYConn) ReadHandle() int  { return int(p.master.Fd()) }
func (p *PTYConn) WriteHandle() int { return int(p.master.Fd()) }

func (p *PTYConn) Status() (string, error) { return "pty", nil }

func (p *PTYConn) Close() error {
	return p.master.Close()
}
