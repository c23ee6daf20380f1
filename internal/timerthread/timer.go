// Package timerthread implements the poll-based timer fallback for
// platforms without a native timerfd: a background goroutine sleeps for
// the configured delay/interval and writes a generation-tagged
// notification into a pipe that is registered as a GENERIC reactor
// source, so timer expiry is observed on the reactor thread like any
// other I/O readiness event. Grounded on
// original_source/src/daemonlib/timer_posix.c (timer_thread,
// timer_configure's delay/interval-in-microseconds contract, and the
// configuration_id staleness check in timer_handle_read).
package timerthread

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/brickbridge/stackbridged/internal/ioconn"
	"github.com/brickbridge/stackbridged/internal/reactor"
)

type reconfiguration struct {
	delay      time.Duration
	interval   time.Duration
	generation uint32
}

// Timer fires fn on the reactor thread after an initial delay and then
// every interval, until stopped. Setting delay and interval both to zero
// via Configure stops it without destroying it.
type Timer struct {
	r      *reactor.Reactor
	notify *ioconn.Pipe
	fn     func()

	mu         sync.Mutex
	generation uint32
	running    bool

	reconfigureCh chan reconfiguration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New creates a Timer, registers its notification pipe with r under name,
// and starts its background goroutine. The timer does not fire until
// Configure is called.
func New(r *reactor.Reactor, name string, fn func()) (*Timer, error) {
	notify, err := ioconn.NewPipe()
	if err != nil {
		return nil, fmt.Errorf("timerthread: creating notification pipe: %w", err)
	}

	t := &Timer{
		r:             r,
		notify:        notify,
		fn:            fn,
		reconfigureCh: make(chan reconfiguration),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	if err := r.AddSource(notify.ReadHandle(), reactor.SourceTypeGeneric, name, reactor.EventRead, t.handleRead, nil); err != nil {
		_ = notify.Close()
		return nil, fmt.Errorf("timerthread: registering source: %w", err)
	}

	t.mu.Lock()
	t.running = true
	t.mu.Unlock()

	go t.loop()

	return t, nil
}

func (t *Timer) handleRead(interface{}) {
	var buf [4]byte
	for {
		n, err := t.notify.Read(buf[:])
		if n < 4 || err != nil {
			break
		}
		generation := binary.LittleEndian.Uint32(buf[:])

		t.mu.Lock()
		current := t.generation
		t.mu.Unlock()

		if generation != current {
			continue // stale expiry from a since-superseded configuration
		}
		t.fn()
	}
}

// Configure (re)schedules the timer: it first fires after delay, then
// repeats every interval. With delay == 0 and a non-zero interval the
// first expiry comes after one interval; interval == 0 makes it one-shot.
// Setting both to 0 stops the timer without destroying it.
func (t *Timer) Configure(delay, interval time.Duration) {
	t.mu.Lock()
	t.generation++
	generation := t.generation
	t.mu.Unlock()

	select {
	case t.reconfigureCh <- reconfiguration{delay: delay, interval: interval, generation: generation}:
	case <-t.doneCh:
	}
}

// Stop terminates the background goroutine and closes the notification
// pipe. Must not be called more than once.
func (t *Timer) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	close(t.stopCh)
	<-t.doneCh

	_ = t.r.RemoveSource(t.notify.ReadHandle(), reactor.SourceTypeGeneric)
	_ = t.notify.Close()
}

func (t *Timer) loop() {
	defer close(t.doneCh)

	var timer *time.Timer
	var timerCh <-chan time.Time
	var interval time.Duration
	var generation uint32

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerCh = nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-t.stopCh:
			return

		case cfg := <-t.reconfigureCh:
			stopTimer()
			generation = cfg.generation
			interval = cfg.interval
			if cfg.delay == 0 && cfg.interval == 0 {
				continue
			}
			first := cfg.delay
			if first == 0 {
				first = cfg.interval
			}
			timer = time.NewTimer(first)
			timerCh = timer.C

		case <-timerCh:
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], generation)
			_, _ = t.notify.Write(buf[:])

			if interval <= 0 {
				timer = nil
				timerCh = nil
				continue
			}
			timer = time.NewTimer(interval)
			timerCh = timer.C
		}
	}
}
