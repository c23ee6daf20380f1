// Package sigpipe translates OS signals into reactor-observable events.
// Grounded on original_source/daemonlib/signal.c's signal_init/
// signal_forward/signal_handle: a goroutine fed by signal.Notify writes
// the signal as one byte into a pipe registered as a GENERIC reactor
// source, so signal handling re-enters the single-threaded reactor
// instead of running concurrently with it. Go's signal.Notify channel is
// already async-signal-safe on its own; the pipe hop is kept anyway so
// SIGHUP/SIGUSR1 handling happens on the reactor thread alongside every
// other piece of daemon state, matching the architecture even though the
// runtime doesn't strictly require it.
package sigpipe

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/brickbridge/stackbridged/internal/ioconn"
	"github.com/brickbridge/stackbridged/internal/logging"
	"github.com/brickbridge/stackbridged/internal/reactor"
)

// Handler holds the callbacks invoked for each signal sigpipe.New wires
// up. Any nil field is a silent no-op for that signal, same as the C
// source's nullable function-pointer fields.
type Handler struct {
	OnSIGHUP  func()
	OnSIGUSR1 func()
}

// Pipe owns the notification pipe, the forwarding goroutine and the
// reactor source.
type Pipe struct {
	notify *ioconn.Pipe
	ch     chan os.Signal
	r      *reactor.Reactor
	log    *logging.Logger
	h      Handler
}

// New installs handlers for SIGINT/SIGTERM (stop the reactor),
// SIGHUP and SIGUSR1 (call into h), and registers the notification pipe
// with r.
func New(r *reactor.Reactor, log *logging.Logger, h Handler) (*Pipe, error) {
	notify, err := ioconn.NewPipe()
	if err != nil {
		return nil, fmt.Errorf("sigpipe: creating notification pipe: %w", err)
	}

	p := &Pipe{
		notify: notify,
		ch:     make(chan os.Signal, 8),
		r:      r,
		log:    log,
		h:      h,
	}

	if err := r.AddSource(notify.ReadHandle(), reactor.SourceTypeGeneric, "signal", reactor.EventRead, p.handleRead, nil); err != nil {
		_ = notify.Close()
		return nil, fmt.Errorf("sigpipe: registering source: %w", err)
	}

	signal.Notify(p.ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGPIPE)
	go p.forward()

	return p, nil
}

// forward is the only goroutine touching the OS signal channel; it does
// nothing but push one byte per signal into the notification pipe.
func (p *Pipe) forward() {
	for sig := range p.ch {
		s, ok := sig.(syscall.Signal)
		if !ok {
			continue
		}
		if s == syscall.SIGPIPE {
			// ignored outright, same as the C source's SIG_IGN: socket
			// writes report EPIPE instead of killing the process.
			continue
		}
		_, _ = p.notify.Write([]byte{byte(s)})
	}
}

func (p *Pipe) handleRead(interface{}) {
	var buf [64]byte
	for {
		n, err := p.notify.Read(buf[:])
		if n == 0 || err != nil {
			return
		}
		for _, b := range buf[:n] {
			p.dispatch(syscall.Signal(b))
		}
	}
}

func (p *Pipe) dispatch(s syscall.Signal) {
	switch s {
	case syscall.SIGINT:
		p.log.Infof("received SIGINT")
		_ = p.r.Stop()
	case syscall.SIGTERM:
		p.log.Infof("received SIGTERM")
		_ = p.r.Stop()
	case syscall.SIGHUP:
		p.log.Infof("received SIGHUP")
		if p.h.OnSIGHUP != nil {
			p.h.OnSIGHUP()
		}
	case syscall.SIGUSR1:
		p.log.Infof("received SIGUSR1")
		if p.h.OnSIGUSR1 != nil {
			p.h.OnSIGUSR1()
		}
	default:
		p.log.Warnf("received unexpected signal %v", s)
	}
}

// Close stops forwarding signals and releases the notification pipe.
func (p *Pipe) Close() error {
	signal.Stop(p.ch)
	close(p.ch)
	_ = p.r.RemoveSource(p.notify.ReadHandle(), reactor.SourceTypeGeneric)
	return p.notify.Close()
}
