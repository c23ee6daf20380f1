package ioconn

import (
	"errors"
	"fmt"

	"github.com/pkg/term"
	"golang.org/x/sys/unix"
)

// validBauds mirrors the switch in the teacher's serial_port_open: known
// speeds get set explicitly, anything else falls back to a safe default.
var validBauds = map[int]bool{
	1200: true, 2400: true, 4800: true, 9600: true,
	19200: true, 38400: true, 57600: true, 115200: true,
}

// CharDev is a character device transport (an RS-485 serial line, or an
// embedded USB gadget endpoint device node), backed by pkg/term the same
// way serial_port_open/_write/_get1/_close were, generalized to the
// non-blocking IO contract instead of a blocking byte-at-a-time reader.
type CharDev struct {
	t    *term.Term
	path string
}

// OpenCharDev opens path in raw mode and applies baud (0 leaves the current
// speed alone).
func OpenCharDev(path string, baud int) (*CharDev, error) {
	t, err := term.Open(path, term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("ioconn: open %s: %w", path, err)
	}

	switch {
	case baud == 0:
		// leave it alone
	case validBauds[baud]:
		if err := t.SetSpeed(baud); err != nil {
			t.Close()
			return nil, fmt.Errorf("ioconn: set speed %d on %s: %w", baud, path, err)
		}
	default:
		if err := t.SetSpeed(4800); err != nil {
			t.Close()
			return nil, fmt.Errorf("ioconn: set fallback speed on %s: %w", path, err)
		}
	}

	if err := unix.SetNonblock(int(t.Fd()), true); err != nil {
		t.Close()
		return nil, fmt.Errorf("ioconn: set non-blocking on %s: %w", path, err)
	}

	return &CharDev{t: t, path: path}, nil
}

func (c *CharDev) Read(buf []byte) (int, error) {
	n, err := c.t.Read(buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func (c *CharDev) Write(buf []byte) (int, error) {
	n, err := c.t.Write(buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func (c *CharDev) ReadHandle() int  { return int(c.t.Fd()) }
func (c *CharDev) WriteHandle() int { return int(c.t.Fd()) }

func (c *CharDev) Status() (string, error) { return c.path, nil }

func (c *CharDev) Close() error {
	return c.t.Close()
}
