//go:build !linux

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pollPoller backs the reactor with unix.Poll on non-Linux POSIX systems,
// a functionally identical fallback to the epoll backend.
type pollPoller struct {
	subscribed map[int]EventType
}

func newPoller() (poller, error) {
	return &pollPoller{subscribed: make(map[int]EventType)}, nil
}

func toPollEvents(events EventType) int16 {
	var e int16
	if events.has(EventRead) {
		e |= unix.POLLIN
	}
	if events.has(EventWrite) {
		e |= unix.POLLOUT
	}
	if events.has(EventPrio) {
		e |= unix.POLLPRI
	}
	// POLLERR/POLLHUP are always reported by the kernel regardless of
	// whether they're requested; no bit to set for EventError.
	return e
}

func fromPollEvents(e int16) EventType {
	var events EventType
	if e&unix.POLLIN != 0 {
		events |= EventRead
	}
	if e&unix.POLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.POLLPRI != 0 {
		events |= EventPrio
	}
	if e&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		events |= EventError
	}
	return events
}

func (p *pollPoller) update(handle int, events EventType) error {
	if events == 0 {
		delete(p.subscribed, handle)
		return nil
	}
	p.subscribed[handle] = events
	return nil
}

func (p *pollPoller) remove(handle int) error {
	delete(p.subscribed, handle)
	return nil
}

func (p *pollPoller) wait(dst []readyEvent) ([]readyEvent, error) {
	if len(p.subscribed) == 0 {
		return dst, fmt.Errorf("reactor: no sources to poll")
	}

	fds := make([]unix.PollFd, 0, len(p.subscribed))
	handles := make([]int, 0, len(p.subscribed))
	for h, ev := range p.subscribed {
		fds = append(fds, unix.PollFd{Fd: int32(h), Events: toPollEvents(ev)})
		handles = append(handles, h)
	}

	_, err := unix.Poll(fds, -1)
	if err != nil {
		if isRetryable(err) {
			return dst, nil
		}
		return dst, err
	}

	for i, fd := range fds {
		if fd.Revents == 0 {
			continue
		}
		dst = append(dst, readyEvent{handle: handles[i], events: fromPollEvents(fd.Revents)})
	}
	return dst, nil
}

func (p *pollPoller) close() error {
	return nil
}
