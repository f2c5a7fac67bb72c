// Package engine holds the low-level event machinery: the epoll wrapper the
// reactor blocks on and the worker pool that runs connection tasks.
package engine

import (
	"golang.org/x/sys/unix"
)

const defaultMaxEvents = 1024

// Epoller is a thin wrapper over an epoll instance. Add/Mod/Del/Wait map to
// the corresponding epoll_ctl/epoll_wait calls; the ready list from the last
// Wait is read through EventFd and Events.
type Epoller struct {
	epollFd int
	events  []unix.EpollEvent
}

func NewEpoller(maxEvents int) (*Epoller, error) {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoller{epollFd: fd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

// Add registers fd with the given interest set.
func (e *Epoller) Add(fd int, events uint32) error {
	return unix.EpollCtl(e.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
}

// Mod replaces fd's interest set. This is the re-arm path for one-shot
// registrations.
func (e *Epoller) Mod(fd int, events uint32) error {
	return unix.EpollCtl(e.epollFd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
}

// Del removes fd from the interest set.
func (e *Epoller) Del(fd int) error {
	return unix.EpollCtl(e.epollFd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{})
}

// Wait blocks until readiness or timeoutMS (-1 blocks forever) and returns
// the number of ready entries. EINTR is retried.
func (e *Epoller) Wait(timeoutMS int) (int, error) {
	for {
		n, err := unix.EpollWait(e.epollFd, e.events, timeoutMS)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, err
		}
		return n, nil
	}
}

// EventFd returns the fd of the i-th ready entry from the last Wait.
func (e *Epoller) EventFd(i int) int {
	return int(e.events[i].Fd)
}

// Events returns the event bits of the i-th ready entry from the last Wait.
func (e *Epoller) Events(i int) uint32 {
	return e.events[i].Events
}

func (e *Epoller) Close() error {
	return unix.Close(e.epollFd)
}
