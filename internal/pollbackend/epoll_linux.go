//go:build linux

// File: internal/pollbackend/epoll_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7) backend. Level-triggered by default, edge-triggered
// when Interest.EdgeTriggered is set on Add/Modify (spec.md §4.1).
//
// Grounded on the teacher's reactor/epoll_reactor.go and
// reactor/reactor_linux.go, merged into a single canonical backend
// speaking golang.org/x/sys/unix instead of raw syscall.

package pollbackend

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type epollBackend struct {
	epfd   int
	events []unix.EpollEvent
}

func newEpoll() (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("pollbackend: epoll_create1: %w", err)
	}
	return &epollBackend{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 128),
	}, nil
}

func epollEvents(interest Interest) uint32 {
	var ev uint32
	if interest&InterestRead != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	if interest&EdgeTriggered != 0 {
		ev |= unix.EPOLLET
	}
	return ev
}

func (b *epollBackend) Add(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("pollbackend: epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

func (b *epollBackend) Modify(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("pollbackend: epoll_ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

func (b *epollBackend) Remove(fd int) error {
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("pollbackend: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

func (b *epollBackend) Wait(timeout PollTimeout) ([]ReadyEvent, error) {
	n, err := unix.EpollWait(b.epfd, b.events, timeout.Millis())
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("pollbackend: epoll_wait: %w", err)
	}
	out := make([]ReadyEvent, 0, n)
	for i := 0; i < n; i++ {
		raw := b.events[i]
		var m EventMask
		if raw.Events&unix.EPOLLIN != 0 {
			m |= EventRead
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			m |= EventWrite
		}
		if raw.Events&unix.EPOLLRDHUP != 0 {
			m |= EventReadHangup
		}
		if raw.Events&unix.EPOLLHUP != 0 {
			m |= EventHangup
		}
		if raw.Events&unix.EPOLLERR != 0 {
			m |= EventError
		}
		out = append(out, ReadyEvent{Fd: int(raw.Fd), Events: m})
	}
	return out, nil
}

func (b *epollBackend) Close() error {
	return unix.Close(b.epfd)
}

func (b *epollBackend) Name() string { return "epoll" }
