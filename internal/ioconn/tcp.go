package ioconn

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// TCPConn wraps a *net.TCPConn, performing raw non-blocking reads/writes on
// its underlying file descriptor rather than going through Go's blocking
// net.Conn API, so the reactor (not the Go runtime's netpoller) is the
// single place that waits for readiness.
type TCPConn struct {
	conn *net.TCPConn
	raw  syscall.RawConn
	fd   int
}

// NewTCPConn wraps an accepted connection, applying the listener
// requirements from SPEC_FULL.md §6: TCP_NODELAY and non-blocking mode.
func NewTCPConn(conn *net.TCPConn) (*TCPConn, error) {
	if err := conn.SetNoDelay(true); err != nil {
		return nil, fmt.Errorf("ioconn: set TCP_NODELAY: %w", err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("ioconn: syscall conn: %w", err)
	}

	t := &TCPConn{conn: conn, raw: raw}
	if err := raw.Control(func(fd uintptr) {
		t.fd = int(fd)
	}); err != nil {
		return nil, fmt.Errorf("ioconn: control: %w", err)
	}
	return t, nil
}

func (t *TCPConn) Read(buf []byte) (int, error) {
	var n int
	var readErr error

	err := t.raw.Read(func(fd uintptr) bool {
		n, readErr = unix.Read(int(fd), buf)
		return true
	})
	if err != nil {
		return 0, err
	}
	if readErr != nil {
		if errors.Is(readErr, unix.EAGAIN) || errors.Is(readErr, unix.EWOULDBLOCK) {
			return 0, ErrWouldBlock
		}
		return 0, readErr
	}
	return n, nil
}

func (t *TCPConn) Write(buf []byte) (int, error) {
	var n int
	var writeErr error

	err := t.raw.Write(func(fd uintptr) bool {
		n, writeErr = unix.Write(int(fd), buf)
		return true
	})
	if err != nil {
		return 0, err
	}
	if writeErr != nil {
		if errors.Is(writeErr, unix.EAGAIN) || errors.Is(writeErr, unix.EWOULDBLOCK) {
			return 0, ErrWouldBlock
		}
		return 0, writeErr
	}
	return n, nil
}

func (t *TCPConn) ReadHandle() int  { return t.fd }
func (t *TCPConn) WriteHandle() int { return t.fd }

func (t *TCPConn) Status() (string, error) {
	return t.conn.RemoteAddr().String(), nil
}

func (t *TCPConn) Close() error {
	return t.conn.Close()
}
