//go:build solaris || illumos

// File: internal/pollbackend/eventport_solaris.go
// Author: momentics <momentics@gmail.com>
//
// Solaris/illumos event ports backend (spec.md §4.1's "Solaris event
// ports"). Each registration is re-armed after firing, since
// port_associate is one-shot per descriptor.

package pollbackend

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

type eventportBackend struct {
	port int

	mu        sync.Mutex
	interests map[int]Interest
}

func newEventPort() (Backend, error) {
	port, err := unix.PortCreate()
	if err != nil {
		return nil, fmt.Errorf("pollbackend: port_create: %w", err)
	}
	return &eventportBackend{
		port:      port,
		interests: make(map[int]Interest),
	}, nil
}

func portEvents(interest Interest) int {
	var ev int
	if interest&InterestRead != 0 {
		ev |= unix.POLLIN
	}
	if interest&InterestWrite != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func (b *eventportBackend) Add(fd int, interest Interest) error {
	b.mu.Lock()
	b.interests[fd] = interest
	b.mu.Unlock()
	if err := unix.PortAssociate(b.port, unix.PORT_SOURCE_FD, uintptr(fd), portEvents(interest)); err != nil {
		return fmt.Errorf("pollbackend: port_associate fd=%d: %w", fd, err)
	}
	return nil
}

func (b *eventportBackend) Modify(fd int, interest Interest) error {
	return b.Add(fd, interest)
}

func (b *eventportBackend) Remove(fd int) error {
	b.mu.Lock()
	delete(b.interests, fd)
	b.mu.Unlock()
	if err := unix.PortDissociate(b.port, unix.PORT_SOURCE_FD, uintptr(fd)); err != nil && err != unix.ENOENT {
		return fmt.Errorf("pollbackend: port_dissociate fd=%d: %w", fd, err)
	}
	return nil
}

func (b *eventportBackend) Wait(timeout PollTimeout) ([]ReadyEvent, error) {
	var ts *unix.Timespec
	if d, forever := timeout.Duration(); !forever {
		v := unix.NsecToTimespec(d.Nanoseconds())
		ts = &v
	}
	pe, err := unix.PortGet(b.port, ts)
	if err != nil {
		if err == unix.ETIME || err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("pollbackend: port_get: %w", err)
	}
	fd := int(pe.Object)
	var m EventMask
	if pe.Events&unix.POLLIN != 0 {
		m |= EventRead
	}
	if pe.Events&unix.POLLOUT != 0 {
		m |= EventWrite
	}
	if pe.Events&unix.POLLHUP != 0 {
		m |= EventHangup
	}
	if pe.Events&unix.POLLERR != 0 {
		m |= EventError
	}

	// port_associate is one-shot: re-arm the descriptor for its last
	// known interest so the caller sees a level-triggered backend like
	// epoll (by default) and poll(); kqueue registers with EV_CLEAR.
	b.mu.Lock()
	interest, ok := b.interests[fd]
	b.mu.Unlock()
	if ok {
		_ = unix.PortAssociate(b.port, unix.PORT_SOURCE_FD, uintptr(fd), portEvents(interest))
	}

	return []ReadyEvent{{Fd: fd, Events: m}}, nil
}

func (b *eventportBackend) Close() error {
	return unix.Close(b.port)
}

func (b *eventportBackend) Name() string { return "eventport" }
