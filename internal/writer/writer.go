// Package writer implements the buffered, backpressure-aware packet writer
// that client connections write through (the RS-485 master writes to its
// serial port directly).
// It guarantees in-order delivery of complete packets even under partial
// writes, grounded on original_source/src/daemonlib/writer.c.
package writer

import (
	"fmt"

	"github.com/brickbridge/stackbridged/internal/ioconn"
	"github.com/brickbridge/stackbridged/internal/logging"
	"github.com/brickbridge/stackbridged/internal/reactor"
)

// MaxQueuedWrites bounds the backlog. On overflow the oldest entries are
// dropped to make room for the newest.
const MaxQueuedWrites = 32768

// Result is the tri-state outcome of Write.
type Result int

const (
	ResultSent Result = iota
	ResultEnqueued
	ResultFailed
)

type partialFrame struct {
	frame   []byte
	written int
}

// Writer is a per-sink write queue.
type Writer struct {
	io       ioconn.IO
	reactor  *reactor.Reactor
	log      *logging.Logger
	sinkName string

	// onDisconnect is invoked when a write fails fatally; it is the
	// recipient_disconnect hook from writer.c.
	onDisconnect func()

	backlog        []partialFrame
	droppedPackets uint64

	writeEventsSubscribed bool
}

// New creates a Writer over io, registered against r so it can subscribe to
// WRITE readiness on its write handle. sinkName identifies the recipient in
// log lines (e.g. a client signature or a stack name).
func New(io ioconn.IO, r *reactor.Reactor, log *logging.Logger, sinkName string, onDisconnect func()) *Writer {
	return &Writer{
		io:           io,
		reactor:      r,
		log:          log,
		sinkName:     sinkName,
		onDisconnect: onDisconnect,
	}
}

// Write attempts to send frame (a fully encoded tfp.Packet). See the
// algorithm in SPEC_FULL.md §4.3 / spec.md §4.3.
func (w *Writer) Write(frame []byte) Result {
	if len(w.backlog) > 0 {
		w.pushToBacklog(frame, 0)
		return ResultEnqueued
	}

	n, err := w.io.Write(frame)
	if err != nil {
		if err == ioconn.ErrWouldBlock {
			w.pushToBacklog(frame, 0)
			return ResultEnqueued
		}
		w.log.Warnf("could not send frame to %s, disconnecting: %v", w.sinkName, err)
		w.disconnect()
		return ResultFailed
	}

	if n < len(frame) {
		w.pushToBacklog(frame, n)
		return ResultEnqueued
	}

	return ResultSent
}

func (w *Writer) pushToBacklog(frame []byte, written int) {
	if len(w.backlog) >= MaxQueuedWrites {
		toDrop := len(w.backlog) - MaxQueuedWrites + 1
		w.log.Warnf("write backlog for %s is full, dropping %d queued frame(s), %d + %d dropped in total",
			w.sinkName, toDrop, w.droppedPackets, toDrop)
		w.droppedPackets += uint64(toDrop)
		w.backlog = w.backlog[toDrop:]
	}

	// Copy frame: the caller may reuse its buffer after Write returns.
	owned := make([]byte, len(frame))
	copy(owned, frame)
	w.backlog = append(w.backlog, partialFrame{frame: owned, written: written})

	if len(w.backlog) == 1 {
		w.subscribeWrite()
	}
}

func (w *Writer) subscribeWrite() {
	if w.writeEventsSubscribed {
		return
	}
	w.writeEventsSubscribed = true
	_ = w.reactor.ModifySource(w.io.WriteHandle(), reactor.SourceTypeGeneric, 0, reactor.EventWrite, w.handleWriteReady, nil)
}

func (w *Writer) unsubscribeWrite() {
	if !w.writeEventsSubscribed {
		return
	}
	w.writeEventsSubscribed = false
	_ = w.reactor.ModifySource(w.io.WriteHandle(), reactor.SourceTypeGeneric, reactor.EventWrite, 0, nil, nil)
}

// handleWriteReady is the WRITE-readiness callback registered with the
// reactor while the backlog is non-empty.
func (w *Writer) handleWriteReady(interface{}) {
	if len(w.backlog) == 0 {
		return
	}

	head := &w.backlog[0]
	remaining := head.frame[head.written:]

	if len(remaining) > 0 {
		n, err := w.io.Write(remaining)
		if err != nil {
			if err == ioconn.ErrWouldBlock {
				return
			}
			w.log.Warnf("could not send queued frame to %s, disconnecting: %v", w.sinkName, err)
			w.disconnect()
			return
		}
		head.written += n
	}

	if head.written < len(head.frame) {
		return
	}

	w.backlog = w.backlog[1:]
	w.log.Debugf("sent queued frame to %s, %d frame(s) left in write backlog", w.sinkName, len(w.backlog))

	if len(w.backlog) == 0 {
		w.unsubscribeWrite()
	}
}

func (w *Writer) disconnect() {
	if w.onDisconnect != nil {
		w.onDisconnect()
	}
}

// DroppedPackets returns the cumulative count of backlog entries dropped
// due to overflow.
func (w *Writer) DroppedPackets() uint64 { return w.droppedPackets }

// BacklogLen reports the current backlog depth, for tests and diagnostics.
func (w *Writer) BacklogLen() int { return len(w.backlog) }

// Close tears down the writer, warning if frames were never sent.
func (w *Writer) Close() error {
	if len(w.backlog) > 0 {
		w.log.Warnf("destroying writer for %s while %d frame(s) have not been sent", w.sinkName, len(w.backlog))
		w.unsubscribeWrite()
	}
	return nil
}

func (w *Writer) String() string {
	return fmt.Sprintf("writer(%s)", w.sinkName)
}
