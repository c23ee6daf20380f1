//go:build linux

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// epollPoller backs the reactor with Linux epoll, the default poller per
// SPEC_FULL.md §4.1.
type epollPoller struct {
	epfd int
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epollPoller{epfd: epfd}, nil
}

func toEpollEvents(events EventType) uint32 {
	var e uint32
	if events.has(EventRead) {
		e |= unix.EPOLLIN
	}
	if events.has(EventWrite) {
		e |= unix.EPOLLOUT
	}
	if events.has(EventPrio) {
		e |= unix.EPOLLPRI
	}
	if events.has(EventError) {
		e |= unix.EPOLLERR | unix.EPOLLHUP
	}
	return e
}

func fromEpollEvents(e uint32) EventType {
	var events EventType
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLPRI != 0 {
		events |= EventPrio
	}
	if e&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		events |= EventError
	}
	return events
}

func (p *epollPoller) update(handle int, events EventType) error {
	ev := unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(handle)}

	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, handle, &ev)
	if err != nil {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, handle, &ev)
	}
	return err
}

func (p *epollPoller) remove(handle int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, handle, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *epollPoller) wait(dst []readyEvent) ([]readyEvent, error) {
	var raw [256]unix.EpollEvent

	n, err := unix.EpollWait(p.epfd, raw[:], -1)
	if err != nil {
		if isRetryable(err) {
			return dst, nil
		}
		return dst, err
	}

	for i := 0; i < n; i++ {
		dst = append(dst, readyEvent{
			handle: int(raw[i].Fd),
			events: fromEpollEvents(raw[i].Events),
		})
	}
	return dst, nil
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}
