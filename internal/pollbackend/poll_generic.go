//go:build unix

// File: internal/pollbackend/poll_generic.go
// Author: momentics <momentics@gmail.com>
//
// POSIX poll() fallback backend (spec.md §4.1's fourth mechanism).
// Unlike the kernel-resident backends, poll() has no persistent
// registration: the backend keeps a dense vector of pollfd records
// keyed by file descriptor, and the vector shrinks when the largest
// fd is removed, exactly as spec.md requires.

package pollbackend

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

type pollGenericBackend struct {
	mu   sync.Mutex
	fds  []unix.PollFd // dense, index i holds fd i's registration; Fd == -1 means unused slot
	live int           // count of slots with Fd != -1
}

func newPollGeneric() (Backend, error) {
	return &pollGenericBackend{}, nil
}

func toPollEvents(interest Interest) int16 {
	var ev int16
	if interest&InterestRead != 0 {
		ev |= unix.POLLIN
	}
	if interest&InterestWrite != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func (b *pollGenericBackend) ensureCapacity(fd int) {
	for len(b.fds) <= fd {
		b.fds = append(b.fds, unix.PollFd{Fd: -1})
	}
}

func (b *pollGenericBackend) Add(fd int, interest Interest) error {
	if fd < 0 {
		return fmt.Errorf("pollbackend: invalid fd %d", fd)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureCapacity(fd)
	if b.fds[fd].Fd == -1 {
		b.live++
	}
	b.fds[fd] = unix.PollFd{Fd: int32(fd), Events: toPollEvents(interest)}
	return nil
}

func (b *pollGenericBackend) Modify(fd int, interest Interest) error {
	return b.Add(fd, interest)
}

func (b *pollGenericBackend) Remove(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fd < 0 || fd >= len(b.fds) || b.fds[fd].Fd == -1 {
		return nil
	}
	b.fds[fd] = unix.PollFd{Fd: -1}
	b.live--

	// Shrink the dense vector when the largest fd is removed
	// (spec.md §4.1: "the vector shrinks when the largest fd is removed").
	for len(b.fds) > 0 && b.fds[len(b.fds)-1].Fd == -1 {
		b.fds = b.fds[:len(b.fds)-1]
	}
	return nil
}

func (b *pollGenericBackend) Wait(timeout PollTimeout) ([]ReadyEvent, error) {
	b.mu.Lock()
	snapshot := make([]unix.PollFd, len(b.fds))
	copy(snapshot, b.fds)
	b.mu.Unlock()

	n, err := unix.Poll(snapshot, timeout.Millis())
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("pollbackend: poll: %w", err)
	}
	out := make([]ReadyEvent, 0, n)
	for _, pfd := range snapshot {
		if pfd.Fd == -1 || pfd.Revents == 0 {
			continue
		}
		var m EventMask
		if pfd.Revents&unix.POLLIN != 0 {
			m |= EventRead
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			m |= EventWrite
		}
		if pfd.Revents&unix.POLLHUP != 0 {
			m |= EventHangup
		}
		if pfd.Revents&unix.POLLERR != 0 {
			m |= EventError
		}
		if pfd.Revents&unix.POLLNVAL != 0 {
			m |= EventInvalid
		}
		out = append(out, ReadyEvent{Fd: int(pfd.Fd), Events: m})
	}
	return out, nil
}

func (b *pollGenericBackend) Close() error {
	return nil
}

func (b *pollGenericBackend) Name() string { return "poll" }
