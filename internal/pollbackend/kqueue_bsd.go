//go:build darwin || freebsd || dragonfly || netbsd || openbsd

// File: internal/pollbackend/kqueue_bsd.go
// Author: momentics <momentics@gmail.com>
//
// BSD kqueue(2) backend, covering darwin/freebsd/dragonfly/netbsd/openbsd
// (spec.md §4.1's "BSD kqueue").
//
// Grounded on the retrieval pack's kqueue poller examples
// (trpc-group/tnet internal/poller/poller_kqueue.go and
// joeycumines-go-utilpkg eventloop/internal/alternateone/poller_darwin.go),
// both of which register read/write interest as separate EVFILT_READ /
// EVFILT_WRITE changes and demultiplex ready kevents back to a
// caller-supplied fd.

package pollbackend

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type kqueueBackend struct {
	kq     int
	events []unix.Kevent_t
}

func newKqueue() (Backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("pollbackend: kqueue: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(kq), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		_ = unix.Close(kq)
		return nil, fmt.Errorf("pollbackend: fcntl cloexec: %w", err)
	}
	return &kqueueBackend{
		kq:     kq,
		events: make([]unix.Kevent_t, 128),
	}, nil
}

func (b *kqueueBackend) changeInterest(fd int, interest Interest, flags uint16) error {
	var changes []unix.Kevent_t
	if interest&InterestRead != 0 {
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags,
		})
	}
	if interest&InterestWrite != 0 {
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags,
		})
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(b.kq, changes, nil, nil)
	return err
}

func (b *kqueueBackend) Add(fd int, interest Interest) error {
	if err := b.changeInterest(fd, InterestRead|InterestWrite, unix.EV_DELETE); err != nil {
		// best-effort clear of any stale registration; ignore "not found"
		_ = err
	}
	if err := b.changeInterest(fd, interest, unix.EV_ADD|unix.EV_CLEAR); err != nil {
		return fmt.Errorf("pollbackend: kevent add fd=%d: %w", fd, err)
	}
	return nil
}

func (b *kqueueBackend) Modify(fd int, interest Interest) error {
	_ = b.changeInterest(fd, InterestRead|InterestWrite, unix.EV_DELETE)
	return b.Add(fd, interest)
}

func (b *kqueueBackend) Remove(fd int) error {
	_ = b.changeInterest(fd, InterestRead|InterestWrite, unix.EV_DELETE)
	return nil
}

func (b *kqueueBackend) Wait(timeout PollTimeout) ([]ReadyEvent, error) {
	var tsPtr *unix.Timespec
	if d, forever := timeout.Duration(); !forever {
		ts := unix.NsecToTimespec(d.Nanoseconds())
		tsPtr = &ts
	}
	n, err := unix.Kevent(b.kq, nil, b.events, tsPtr)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("pollbackend: kevent wait: %w", err)
	}
	byFd := make(map[int]EventMask, n)
	for i := 0; i < n; i++ {
		ev := b.events[i]
		fd := int(ev.Ident)
		var m EventMask
		switch ev.Filter {
		case unix.EVFILT_READ:
			m |= EventRead
		case unix.EVFILT_WRITE:
			m |= EventWrite
		}
		if ev.Flags&unix.EV_EOF != 0 {
			m |= EventHangup
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			m |= EventError
		}
		byFd[fd] |= m
	}
	out := make([]ReadyEvent, 0, len(byFd))
	for fd, m := range byFd {
		out = append(out, ReadyEvent{Fd: fd, Events: m})
	}
	return out, nil
}

func (b *kqueueBackend) Close() error {
	return unix.Close(b.kq)
}

func (b *kqueueBackend) Name() string { return "kqueue" }
