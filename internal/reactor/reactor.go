// Package reactor implements the single-threaded, cooperative event loop
// that multiplexes every descriptor the daemon owns: client sockets, pipes,
// files, USB pollfds. It owns the source table, the readiness dispatch
// algorithm and the deferred-removal state machine; the platform-specific
// multiplexing primitive (epoll on Linux, poll elsewhere) lives in
// reactor_linux.go / reactor_poll.go behind the poller interface.
package reactor

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// SourceType distinguishes USB pollfds from every other descriptor so the
// reactor can log and trace them separately, per the spec.
type SourceType int

const (
	SourceTypeGeneric SourceType = iota
	SourceTypeUSB
)

func (t SourceType) String() string {
	if t == SourceTypeUSB {
		return "usb"
	}
	return "generic"
}

// EventType is a bitmask of the readiness conditions a source can subscribe
// to.
type EventType uint8

const (
	EventRead EventType = 1 << iota
	EventWrite
	EventPrio
	EventError
)

func (e EventType) has(bit EventType) bool { return e&bit != 0 }

// Callback is invoked when a subscribed event fires on a source. opaque is
// whatever value was registered alongside the callback.
type Callback func(opaque interface{})

// ErrAlreadyAdded is returned by AddSource when (handle, type) is already
// registered and not marked removed.
var ErrAlreadyAdded = errors.New("reactor: source already added")

// ErrUnknownSource is returned by ModifySource/RemoveSource for a
// (handle, type) pair that was never added.
var ErrUnknownSource = errors.New("reactor: unknown source")

type sourceState int

const (
	stateNormal sourceState = iota
	stateAdded
	stateRemoved
	stateReadded
	stateModified
)

type key struct {
	handle int
	typ    SourceType
}

type callbackSlot struct {
	fn     Callback
	opaque interface{}
}

type source struct {
	handle     int
	typ        SourceType
	name       string
	state      sourceState
	subscribed EventType
	slots      [4]callbackSlot // indexed by bit position of EventRead/Write/Prio/Error
}

func slotIndex(bit EventType) int {
	switch bit {
	case EventRead:
		return 0
	case EventWrite:
		return 1
	case EventPrio:
		return 2
	case EventError:
		return 3
	default:
		panic(fmt.Sprintf("reactor: not a single event bit: %d", bit))
	}
}

var allBits = [4]EventType{EventRead, EventWrite, EventPrio, EventError}

// poller is the platform-specific multiplexing primitive. Implementations
// live in reactor_linux.go (epoll) and reactor_poll.go (poll).
type poller interface {
	// add/modify registers handle's subscribed event mask with the OS.
	update(handle int, events EventType) error
	remove(handle int) error
	// wait blocks, without a timeout, until at least one handle is ready.
	// It appends ready (handle, events) pairs to dst and returns the
	// extended slice.
	wait(dst []readyEvent) ([]readyEvent, error)
	close() error
}

type readyEvent struct {
	handle int
	events EventType
}

// Reactor owns the source table and the dispatch loop.
type Reactor struct {
	mu      sync.Mutex
	sources map[key]*source
	poll    poller

	stopReadFD, stopWriteFD int
	running                 bool
	stopRequested           bool
}

// New creates a Reactor with the best available poller for this platform.
func New() (*Reactor, error) {
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("reactor: creating poller: %w", err)
	}

	r := &Reactor{
		sources: make(map[key]*source),
		poll:    p,
	}

	rfd, wfd, err := newStopPipe()
	if err != nil {
		p.close()
		return nil, fmt.Errorf("reactor: creating stop pipe: %w", err)
	}
	r.stopReadFD = rfd
	r.stopWriteFD = wfd

	if err := r.AddSource(rfd, SourceTypeGeneric, "stop-pipe", EventRead, func(interface{}) {
		var b [64]byte
		_, _ = readStopPipe(r.stopReadFD, b[:])
		r.mu.Lock()
		r.stopRequested = true
		r.mu.Unlock()
	}, nil); err != nil {
		p.close()
		return nil, err
	}

	return r, nil
}

// AddSource registers handle under (handle, type). It is an error if the
// pair is already present and not marked removed; if it is marked removed,
// the source is revived (READDED) instead of erroring.
func (r *Reactor) AddSource(handle int, typ SourceType, name string, events EventType, callback Callback, opaque interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{handle, typ}
	if existing, ok := r.sources[k]; ok {
		if existing.state != stateRemoved {
			return ErrAlreadyAdded
		}
		existing.state = stateReadded
		existing.name = name
		existing.subscribed = events
		existing.slots = [4]callbackSlot{}
		for _, bit := range allBits {
			if events.has(bit) {
				existing.slots[slotIndex(bit)] = callbackSlot{callback, opaque}
			}
		}
		return r.poll.update(handle, existing.subscribed)
	}

	s := &source{
		handle:     handle,
		typ:        typ,
		name:       name,
		state:      stateAdded,
		subscribed: events,
	}
	for _, bit := range allBits {
		if events.has(bit) {
			s.slots[slotIndex(bit)] = callbackSlot{callback, opaque}
		}
	}
	r.sources[k] = s

	return r.poll.update(handle, events)
}

// ModifySource atomically removes eventsToRemove and adds eventsToAdd
// (installing callback/opaque for every bit in eventsToAdd).
func (r *Reactor) ModifySource(handle int, typ SourceType, eventsToRemove, eventsToAdd EventType, callback Callback, opaque interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{handle, typ}
	s, ok := r.sources[k]
	if !ok {
		return ErrUnknownSource
	}

	for _, bit := range allBits {
		if eventsToRemove.has(bit) {
			s.subscribed &^= bit
			s.slots[slotIndex(bit)] = callbackSlot{}
		}
		if eventsToAdd.has(bit) {
			s.subscribed |= bit
			s.slots[slotIndex(bit)] = callbackSlot{callback, opaque}
		}
	}

	if s.state == stateNormal {
		s.state = stateModified
	}

	return r.poll.update(handle, s.subscribed)
}

// RemoveSource marks (handle, type) for removal. The actual removal is
// deferred until the end of the current dispatch pass so that an
// in-progress iteration never observes a freed source.
func (r *Reactor) RemoveSource(handle int, typ SourceType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{handle, typ}
	s, ok := r.sources[k]
	if !ok {
		return ErrUnknownSource
	}

	s.state = stateRemoved
	return r.poll.remove(handle)
}

// Stop may be called from any goroutine. It writes one byte into the
// internal stop pipe, which the reactor thread observes as ordinary read
// readiness.
func (r *Reactor) Stop() error {
	_, err := writeStopPipe(r.stopWriteFD)
	return err
}

// Run blocks dispatching events until Stop is called (or the poller
// reports a fatal error). cleanup is invoked once per iteration, after
// dispatch and before the removed-source compaction pass.
func (r *Reactor) Run(cleanup func()) error {
	r.mu.Lock()
	r.running = true
	r.stopRequested = false
	r.mu.Unlock()

	var ready []readyEvent

	for {
		r.mu.Lock()
		stop := r.stopRequested
		r.mu.Unlock()
		if stop {
			break
		}

		var err error
		ready, err = r.poll.wait(ready[:0])
		if err != nil {
			if isRetryable(err) {
				continue
			}
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
			return fmt.Errorf("reactor: poll wait: %w", err)
		}

		r.dispatch(ready)

		if cleanup != nil {
			cleanup()
		}

		r.cleanupSources()
	}

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	return nil
}

// dispatch invokes callbacks for each ready (handle, events) pair, honoring
// the NORMAL-only rule, the read==write/prio==error dedup rule, and
// re-checking source state between event kinds.
func (r *Reactor) dispatch(ready []readyEvent) {
	for _, re := range ready {
		r.dispatchOne(re)
	}
}

func (r *Reactor) dispatchOne(re readyEvent) {
	// Generic and USB sources share a handle namespace only by accident of
	// fd reuse; look up whichever source is NORMAL and has subscribed to
	// the fired bits.
	var s *source
	r.mu.Lock()
	for _, typ := range [2]SourceType{SourceTypeGeneric, SourceTypeUSB} {
		if cand, ok := r.sources[key{re.handle, typ}]; ok && cand.state == stateNormal {
			s = cand
			break
		}
	}
	r.mu.Unlock()
	if s == nil {
		return
	}

	var invoked []callbackSlot

	order := [4]EventType{EventRead, EventWrite, EventPrio, EventError}
	for _, bit := range order {
		if !re.events.has(bit) || !s.subscribed.has(bit) {
			continue
		}

		r.mu.Lock()
		if s.state != stateNormal {
			r.mu.Unlock()
			break
		}
		slot := s.slots[slotIndex(bit)]
		r.mu.Unlock()

		if slot.fn == nil {
			continue
		}
		if slotAlreadyInvoked(invoked, slot) {
			continue
		}
		invoked = append(invoked, slot)
		slot.fn(slot.opaque)
	}
}

// slotAlreadyInvoked implements the spec's same-function-and-opaque dedup
// rule (identical READ and WRITE callbacks fire once on READ|WRITE, same
// for PRIO/ERROR). Go func values aren't comparable with ==, so callback
// identity is compared via its entry-point address instead of pointer
// equality of the closure value itself.
func slotAlreadyInvoked(invoked []callbackSlot, slot callbackSlot) bool {
	for _, prior := range invoked {
		if funcsEqual(prior.fn, slot.fn) && prior.opaque == slot.opaque {
			return true
		}
	}
	return false
}

func funcsEqual(a, b Callback) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// cleanupSources drops every REMOVED source and resets ADDED/READDED/
// MODIFIED sources back to NORMAL.
func (r *Reactor) cleanupSources() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, s := range r.sources {
		switch s.state {
		case stateRemoved:
			delete(r.sources, k)
		case stateAdded, stateReadded, stateModified:
			s.state = stateNormal
		}
	}
}
