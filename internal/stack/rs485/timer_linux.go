//go:build linux

package rs485

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/brickbridge/stackbridged/internal/reactor"
)

// frameTimer arms a single-shot, re-armable deadline and delivers expiry
// as a reactor read-readiness event. On Linux this is a native timerfd,
// matching §5's "the serial master uses a timerfd directly; no extra
// thread" requirement.
type frameTimer struct {
	r    *reactor.Reactor
	fd   int
	name string
	fn   func()
}

func newFrameTimer(r *reactor.Reactor, name string, fn func()) (*frameTimer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, 0)
	if err != nil {
		return nil, fmt.Errorf("rs485: timerfd_create: %w", err)
	}

	t := &frameTimer{r: r, fd: fd, name: name, fn: fn}
	if err := r.AddSource(fd, reactor.SourceTypeGeneric, name, reactor.EventRead, t.handleRead, nil); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rs485: registering timerfd source: %w", err)
	}
	return t, nil
}

func (t *frameTimer) handleRead(interface{}) {
	var buf [8]byte
	if _, err := unix.Read(t.fd, buf[:]); err != nil {
		return
	}
	t.fn()
}

// arm (re)schedules a single expiry after d. The new setting replaces any
// previously pending expiry; the zero Interval makes it one-shot.
func (t *frameTimer) arm(d time.Duration) {
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	_ = unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

func (t *frameTimer) disarm() {
	var spec unix.ItimerSpec
	_ = unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

func (t *frameTimer) close() {
	_ = t.r.RemoveSource(t.fd, reactor.SourceTypeGeneric)
	unix.Close(t.fd)
}
