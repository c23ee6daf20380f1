// Package server owns the TCP listener and the accept loop that turns
// incoming connections into clientconn.Clients. Grounded on
// src/server.go's server_connect_listen_thread: a background goroutine
// blocked in Accept (the teacher's whole cmd_listen_thread model), but
// generalized so the accepted connection is handed to the reactor thread
// through a notification pipe rather than spawning a per-client
// goroutine, since routing/client state may only be touched from the
// reactor thread (SPEC_FULL.md §5).
package server

import (
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/brickbridge/stackbridged/internal/clientconn"
	"github.com/brickbridge/stackbridged/internal/ioconn"
	"github.com/brickbridge/stackbridged/internal/logging"
	"github.com/brickbridge/stackbridged/internal/reactor"
	"github.com/brickbridge/stackbridged/internal/routing"
)

// Listener accepts TCP connections off the reactor thread and installs
// each one as a clientconn.Client on the reactor thread.
type Listener struct {
	ln     *net.TCPListener
	r      *reactor.Reactor
	core   *routing.Core
	log    *logging.Logger
	secret string

	notify *ioconn.Pipe

	mu       sync.Mutex
	accepted []*net.TCPConn

	clientsMu sync.Mutex
	clients   map[*clientconn.Client]struct{}

	closing bool
	done    chan struct{}
}

// Listen binds address:port, sets SO_REUSEADDR the way the teacher does
// (server.go's comment crediting G8BPQ: without it a restarted daemon
// can't rebind a just-closed port), and starts the accept goroutine.
func Listen(address string, port int, r *reactor.Reactor, core *routing.Core, log *logging.Logger, secret string) (*Listener, error) {
	addr := &net.TCPAddr{IP: net.ParseIP(address), Port: port}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen on %s:%d: %w", address, port, err)
	}

	if raw, err := ln.SyscallConn(); err == nil {
		_ = raw.Control(func(fd uintptr) {
			_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
		})
	}

	notify, err := ioconn.NewPipe()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("server: notification pipe: %w", err)
	}

	l := &Listener{
		ln:      ln,
		r:       r,
		core:    core,
		log:     log,
		secret:  secret,
		notify:  notify,
		clients: make(map[*clientconn.Client]struct{}),
		done:    make(chan struct{}),
	}

	if err := r.AddSource(notify.ReadHandle(), reactor.SourceTypeGeneric, "tcp-listener", reactor.EventRead, l.handleNotify, nil); err != nil {
		notify.Close()
		ln.Close()
		return nil, fmt.Errorf("server: registering source: %w", err)
	}

	go l.acceptLoop()

	log.Infof("listening for clients on %s:%d", address, port)
	return l, nil
}

// Addr returns the bound listen address, useful when port 0 was
// requested and the kernel picked an ephemeral one.
func (l *Listener) Addr() *net.TCPAddr {
	return l.ln.Addr().(*net.TCPAddr)
}

// acceptLoop is the only goroutine that calls Accept; it never touches
// routing/client state directly, only appends to the accepted queue and
// wakes the reactor thread, mirroring the timer-thread-to-pipe pattern
// used elsewhere for background event sources.
func (l *Listener) acceptLoop() {
	defer close(l.done)
	for {
		conn, err := l.ln.AcceptTCP()
		if err != nil {
			l.mu.Lock()
			closing := l.closing
			l.mu.Unlock()
			if !closing {
				l.log.Warnf("accept failed: %v", err)
			}
			return
		}

		l.mu.Lock()
		l.accepted = append(l.accepted, conn)
		l.mu.Unlock()

		if _, err := l.notify.Write([]byte{1}); err != nil {
			return
		}
	}
}

func (l *Listener) handleNotify(interface{}) {
	var buf [64]byte
	_, _ = l.notify.Read(buf[:])

	l.mu.Lock()
	pending := l.accepted
	l.accepted = nil
	l.mu.Unlock()

	for _, conn := range pending {
		l.installClient(conn)
	}
}

func (l *Listener) installClient(conn *net.TCPConn) {
	io, err := ioconn.NewTCPConn(conn)
	if err != nil {
		l.log.Warnf("wrapping accepted connection: %v", err)
		conn.Close()
		return
	}

	c, err := clientconn.New(io, l.r, l.core, l.log, l.secret, l.onDisconnected)
	if err != nil {
		l.log.Warnf("installing client: %v", err)
		_ = io.Close()
		return
	}

	l.clientsMu.Lock()
	l.clients[c] = struct{}{}
	l.clientsMu.Unlock()

	l.log.Infof("accepted client %s", c.Signature())
}

func (l *Listener) onDisconnected(c *clientconn.Client) {
	l.clientsMu.Lock()
	delete(l.clients, c)
	l.clientsMu.Unlock()
}

// Close stops accepting new connections and closes every still-connected
// client. It does not wait for the accept goroutine's final blocking
// Accept call to unblock beyond closing the listener, same as the
// teacher never joining cmd_listen_thread on shutdown.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()

	err := l.ln.Close()
	_ = l.r.RemoveSource(l.notify.ReadHandle(), reactor.SourceTypeGeneric)
	_ = l.notify.Close()

	// Client.Close calls back into onDisconnected, which takes clientsMu,
	// so the clients are closed from a snapshot taken under the lock.
	l.clientsMu.Lock()
	clients := make([]*clientconn.Client, 0, len(l.clients))
	for c := range l.clients {
		clients = append(clients, c)
	}
	l.clientsMu.Unlock()

	for _, c := range clients {
		c.Close()
	}

	return err
}
