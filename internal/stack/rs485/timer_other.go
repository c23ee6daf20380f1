//go:build !linux

package rs485

import (
	"time"

	"github.com/brickbridge/stackbridged/internal/reactor"
	"github.com/brickbridge/stackbridged/internal/timerthread"
)

// frameTimer is the portable fallback for platforms without timerfd,
// built on the same poll-based timer thread §5 specifies for every other
// background timer in the daemon.
type frameTimer struct {
	t *timerthread.Timer
}

func newFrameTimer(r *reactor.Reactor, name string, fn func()) (*frameTimer, error) {
	t, err := timerthread.New(r, name, fn)
	if err != nil {
		return nil, err
	}
	return &frameTimer{t: t}, nil
}

func (t *frameTimer) arm(d time.Duration) {
	t.t.Configure(d, 0)
}

func (t *frameTimer) disarm() {
	t.t.Configure(0, 0)
}

func (t *frameTimer) close() {
	t.t.Stop()
}
