package rs485

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/brickbridge/stackbridged/internal/ioconn"
	"github.com/brickbridge/stackbridged/internal/logging"
	"github.com/brickbridge/stackbridged/internal/persist"
	"github.com/brickbridge/stackbridged/internal/reactor"
	"github.com/brickbridge/stackbridged/internal/routing"
	"github.com/brickbridge/stackbridged/internal/stack"
	"github.com/brickbridge/stackbridged/internal/tfp"
	"github.com/brickbridge/stackbridged/internal/timerthread"
)

// Config configures one RS-485 master over a single serial line.
type Config struct {
	Device         string
	Baud           int
	SlaveAddresses []uint8

	// PollDelay is the inter-poll delay waited between scheduler steps,
	// brickd.conf's poll_delay.rs485.
	PollDelay time.Duration

	// UseINotify selects the fsnotify device-appearance wait; false uses
	// the polling fallback for platforms without inotify.
	UseINotify bool

	CRCCounterPath          string
	CRCCounterFlushInterval time.Duration
}

type frameKind int

const (
	kindPoll frameKind = iota
	kindData
	kindAck
)

type queuedFrame struct {
	kind      frameKind
	packet    tfp.Packet
	triesLeft int
}

type slaveState struct {
	address  uint8
	sequence uint8
	queue    []queuedFrame
}

// Master is the RS-485 half-duplex serial stack variant: one master
// polling up to len(Config.SlaveAddresses) slaves in round robin over a
// single serial line. Satisfies stack.Stack.
type Master struct {
	cfg     Config
	io      *ioconn.CharDev
	r       *reactor.Reactor
	routing *routing.Core
	log     *logging.Logger

	recipients *stack.Table
	slaves     []*slaveState
	current    int

	timer         *frameTimer
	crcCounter    *persist.CRCCounter
	crcFlushTimer *timerthread.Timer

	txBytes      []byte
	txKind       frameKind
	rxBuf        []byte
	awaitingEcho bool
	echoVerified bool
	inDelay      bool
}

// Name identifies this stack in logs.
func (m *Master) Name() string { return fmt.Sprintf("rs485:%s", m.cfg.Device) }

func (m *Master) Recipients() *stack.Table { return m.recipients }

// Open waits for cfg.Device to appear (via fsnotify, or a poll loop if
// UseINotify is false), opens it at cfg.Baud, loads the persisted
// CRC-error counter, and starts the round-robin scheduler.
func Open(ctx context.Context, cfg Config, r *reactor.Reactor, core *routing.Core, log *logging.Logger) (*Master, error) {
	if err := waitForDevice(ctx, cfg.Device, cfg.UseINotify); err != nil {
		return nil, fmt.Errorf("rs485: waiting for %s: %w", cfg.Device, err)
	}

	io, err := ioconn.OpenCharDev(cfg.Device, cfg.Baud)
	if err != nil {
		return nil, fmt.Errorf("rs485: opening %s: %w", cfg.Device, err)
	}

	counter, err := persist.LoadCRCCounter(cfg.CRCCounterPath)
	if err != nil {
		_ = io.Close()
		return nil, fmt.Errorf("rs485: loading CRC counter: %w", err)
	}

	slaves := make([]*slaveState, len(cfg.SlaveAddresses))
	for i, addr := range cfg.SlaveAddresses {
		slaves[i] = &slaveState{address: addr}
	}

	m := &Master{
		cfg:        cfg,
		io:         io,
		r:          r,
		routing:    core,
		log:        log,
		recipients: &stack.Table{},
		slaves:     slaves,
		crcCounter: counter,
	}

	if err := r.AddSource(io.ReadHandle(), reactor.SourceTypeGeneric, m.Name(), reactor.EventRead, m.handleReadable, nil); err != nil {
		_ = io.Close()
		return nil, fmt.Errorf("rs485: registering serial source: %w", err)
	}

	timer, err := newFrameTimer(r, m.Name()+":timeout", m.onTimerFire)
	if err != nil {
		_ = r.RemoveSource(io.ReadHandle(), reactor.SourceTypeGeneric)
		_ = io.Close()
		return nil, err
	}
	m.timer = timer

	if cfg.CRCCounterFlushInterval > 0 {
		flusher, err := timerthread.New(r, m.Name()+":crc-flush", func() {
			if err := counter.Flush(); err != nil {
				log.Warnf("rs485: flushing CRC counter: %v", err)
			}
		})
		if err != nil {
			log.Warnf("rs485: starting CRC counter flush timer: %v", err)
		} else {
			flusher.Configure(cfg.CRCCounterFlushInterval, cfg.CRCCounterFlushInterval)
			m.crcFlushTimer = flusher
		}
	}

	core.AddStack(m)
	m.startExchange()

	return m, nil
}

// Close stops the scheduler and releases the serial line.
func (m *Master) Close() {
	m.routing.RemoveStack(m)
	m.timer.close()
	if m.crcFlushTimer != nil {
		m.crcFlushTimer.Stop()
	}
	_ = m.r.RemoveSource(m.io.ReadHandle(), reactor.SourceTypeGeneric)
	_ = m.io.Close()
	if err := m.crcCounter.Flush(); err != nil {
		m.log.Warnf("rs485: final CRC counter flush: %v", err)
	}
}

// frameTimeout computes 2*(86 bytes / baudrate) + 8ms, TIMEOUT_BYTES being
// the teacher's fixed estimate of a maximum-length frame-and-echo
// round-trip.
func (m *Master) frameTimeout() time.Duration {
	const timeoutBytes = 86
	perByte := time.Second / time.Duration(m.cfg.Baud/8)
	return 2*time.Duration(timeoutBytes)*perByte + 8*time.Millisecond
}

// DispatchRequest enqueues pkt onto the slave recipient identifies
// (Opaque holds the slave address assigned the first time this UID was
// seen in a response), with tries_left = RS485_FRAME_TRIES_DATA.
func (m *Master) DispatchRequest(pkt tfp.Packet, recipient stack.Recipient) bool {
	addr, ok := recipient.Opaque.(uint8)
	if !ok {
		return false
	}
	s := m.slaveByAddress(addr)
	if s == nil {
		return false
	}
	s.queue = append(s.queue, queuedFrame{kind: kindData, packet: pkt, triesLeft: TriesData})
	return true
}

// BroadcastToAllSlaves enqueues pkt onto every slave's queue, per
// §4.7.2's uid==0 enqueue rule. The routing core currently resolves one
// recipient per UID and has no general broadcast-dispatch entry point,
// so this is exposed for a future caller (e.g. a daemon-level broadcast
// handler) rather than being reached from DispatchRequest today.
func (m *Master) BroadcastToAllSlaves(pkt tfp.Packet) {
	for _, s := range m.slaves {
		s.queue = append(s.queue, queuedFrame{kind: kindData, packet: pkt, triesLeft: TriesData})
	}
}

func (m *Master) slaveByAddress(addr uint8) *slaveState {
	for _, s := range m.slaves {
		if s.address == addr {
			return s
		}
	}
	return nil
}

// startExchange transmits the current slave's queue head, or a transient
// poll frame if its queue is empty, and arms the frame timeout.
func (m *Master) startExchange() {
	if len(m.slaves) == 0 {
		return
	}
	s := m.slaves[m.current]

	var fr frame
	if len(s.queue) > 0 {
		head := s.queue[0]
		m.txKind = head.kind
		switch head.kind {
		case kindAck:
			fr = emptyACKFrame(s.address, s.sequence)
		default:
			fr = frameFromQueued(s.address, s.sequence, head)
		}
	} else {
		m.txKind = kindPoll
		fr = emptyPollFrame(s.address, s.sequence)
	}

	m.txBytes = encode(fr)
	m.rxBuf = m.rxBuf[:0]
	m.awaitingEcho = true
	m.echoVerified = false

	if _, err := m.io.Write(m.txBytes); err != nil && err != ioconn.ErrWouldBlock {
		m.log.Warnf("rs485: write to slave 0x%02x: %v", s.address, err)
	}

	m.timer.arm(m.frameTimeout())
}

func frameFromQueued(addr, sequence uint8, q queuedFrame) frame {
	return frame{slaveAddress: addr, sequence: sequence, packet: q.packet}
}

// handleReadable is the reactor READ callback for the serial line.
func (m *Master) handleReadable(interface{}) {
	buf := make([]byte, 256)
	n, err := m.io.Read(buf)
	if err != nil {
		if err != ioconn.ErrWouldBlock {
			m.log.Warnf("rs485: serial read error: %v", err)
		}
		return
	}
	if n == 0 {
		return
	}
	m.rxBuf = append(m.rxBuf, buf[:n]...)
	m.processRx()
}

func (m *Master) processRx() {
	if m.awaitingEcho && !m.echoVerified {
		if len(m.rxBuf) < len(m.txBytes) {
			return
		}
		for i, b := range m.txBytes {
			if m.rxBuf[i] != b {
				m.log.Warnf("rs485: send-echo mismatch on slave 0x%02x", m.currentSlave().address)
				m.advance(0)
				return
			}
		}
		m.echoVerified = true
		m.rxBuf = m.rxBuf[len(m.txBytes):]

		if m.txKind == kindAck {
			// The ACK's job is done once its own transmission echoes
			// cleanly; its response payload (if the slave sends one at
			// all) is not waited for.
			m.popHeadAndAdvance()
			return
		}
	}
	if !m.echoVerified {
		return
	}

	if len(m.rxBuf) < frameHeaderLength+tfp.HeaderLength {
		return
	}
	replyLength := frameHeaderLength + int(m.rxBuf[frameHeaderLength+4]) + frameFooterLength
	if len(m.rxBuf) < replyLength {
		return
	}

	d, err := decode(m.rxBuf[:replyLength])
	m.rxBuf = m.rxBuf[replyLength:]
	if err != nil {
		m.crcCounter.Increment()
		m.advance(0)
		return
	}

	s := m.currentSlave()
	if d.slaveAddress != s.address || d.functionCode != FunctionCode {
		m.advance(0)
		return
	}

	if d.isEmpty {
		m.handleEmptyReply(s, d)
		return
	}
	m.handleDataReply(s, d)
}

func (m *Master) handleEmptyReply(s *slaveState, d decoded) {
	if d.sequence != s.sequence {
		m.log.Warnf("rs485: sequence mismatch from slave 0x%02x", s.address)
		m.advance(0)
		return
	}
	if m.txKind == kindPoll {
		s.sequence++
		m.advance(0)
		return
	}
	m.advance(0)
}

func (m *Master) handleDataReply(s *slaveState, d decoded) {
	// Delivery only depends on the sequence number matching what was
	// transmitted, not on whether the exchange that triggered it was a
	// poll or a queued data frame (original_source's
	// red_rs485_extension.c checks the transmitted sequence here, not
	// the frame kind).
	if d.sequence == s.sequence {
		m.recipients.Add(d.packet.Header.UID, s.address)
		m.routing.NetworkDispatchResponse(d.packet)
	}

	if m.txKind == kindPoll {
		s.queue = append([]queuedFrame{{kind: kindAck, triesLeft: TriesEmpty}}, s.queue...)
	} else if len(s.queue) > 0 {
		s.queue[0] = queuedFrame{kind: kindAck, triesLeft: TriesEmpty}
	}
	m.advance(0)
}

func (m *Master) popHeadAndAdvance() {
	s := m.currentSlave()
	if len(s.queue) > 0 {
		s.queue = s.queue[1:]
	}
	m.advance(0)
}

// onTimerFire is the single frame timer's expiry callback. The same timer
// is reused both for the per-exchange response deadline and for the
// inter-poll delay between exchanges, so every fire has to run on the
// reactor thread and branch on which phase armed it — a second,
// goroutine-driven timer (e.g. time.AfterFunc) would call startExchange
// off the reactor thread and break the single-writer invariant §5
// requires for stack state.
func (m *Master) onTimerFire() {
	if m.inDelay {
		m.inDelay = false
		m.startExchange()
		return
	}
	m.handleTimeout()
}

// handleTimeout decrements the current item's tries_left (dropping it at
// zero, bumping sequence if it was a poll) and advances.
func (m *Master) handleTimeout() {
	s := m.currentSlave()

	switch m.txKind {
	case kindPoll:
		s.sequence++
	case kindData, kindAck:
		if len(s.queue) > 0 {
			s.queue[0].triesLeft--
			if s.queue[0].triesLeft <= 0 {
				s.queue = s.queue[1:]
			}
		}
	}
	m.advance(0)
}

func (m *Master) currentSlave() *slaveState {
	return m.slaves[m.current]
}

// advance moves to the next slave after the inter-poll delay and starts
// its exchange. extraDelay lets a caller add on top of the configured
// poll delay; currently unused (kept at 0 everywhere) but named for
// clarity against §4.7.2's "after inter-poll delay" phrasing.
func (m *Master) advance(extraDelay time.Duration) {
	m.timer.disarm()
	m.current = (m.current + 1) % len(m.slaves)

	delay := m.cfg.PollDelay + extraDelay
	if delay <= 0 {
		m.startExchange()
		return
	}
	m.inDelay = true
	m.timer.arm(delay)
}

func waitForDevice(ctx context.Context, path string, useINotify bool) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if !useINotify {
		return pollForDevice(ctx, path)
	}
	return inotifyForDevice(ctx, path)
}

func pollForDevice(ctx context.Context, path string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := os.Stat(path); err == nil {
				return nil
			}
		}
	}
}

func inotifyForDevice(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rs485: creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("rs485: watching %s: %w", dir, err)
	}

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("rs485: fsnotify watcher closed")
			}
			if ev.Op&fsnotify.Create != 0 && ev.Name == path {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("rs485: fsnotify watcher closed")
			}
			return fmt.Errorf("rs485: fsnotify error: %w", err)
		}
	}
}
