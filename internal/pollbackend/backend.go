// File: internal/pollbackend/backend.go
// Author: momentics <momentics@gmail.com>
//
// Backend is the uniform wrapper over epoll / kqueue / event ports /
// poll() described in spec.md §4.1. A Reactor never knows which
// concrete implementation is active; Select picks one at startup
// based on the host OS.

package pollbackend

import "fmt"

// Interest is the two-bit poll interest set a caller may register.
type Interest uint8

const (
	// InterestRead requests readability notifications.
	InterestRead Interest = 1 << iota
	// InterestWrite requests writability notifications.
	InterestWrite
	// EdgeTriggered requests edge-triggered semantics where the backend supports it (Linux epoll only).
	EdgeTriggered
)

// EventMask is the normalized set of ready events a backend reports,
// regardless of which kernel facility produced them.
type EventMask uint8

const (
	// EventRead reports the fd is ready for reading.
	EventRead EventMask = 1 << iota
	// EventWrite reports the fd is ready for writing.
	EventWrite
	// EventHangup reports the peer hung up; fatal for the handler.
	EventHangup
	// EventReadHangup reports a half-close (read side) on the peer.
	EventReadHangup
	// EventError reports an error condition; fatal for the handler.
	EventError
	// EventInvalid reports the fd is no longer valid (closed out from under the backend).
	EventInvalid
	// EventRemove reports the backend itself removed the registration (rare; e.g. kqueue EV_ONESHOT artifacts).
	EventRemove
)

// Fatal reports whether this mask includes a handler-fatal condition
// (spec.md §4.1: "HANGUP and ERROR are treated as fatal for the handler").
func (m EventMask) Fatal() bool {
	return m&(EventHangup|EventError|EventInvalid) != 0
}

// ReadyEvent is one (fd, ready-events) pair returned from Wait. The fd
// is the only identity carried across the kernel boundary; the
// Reactor resolves it back to an IoHandler through its own registry,
// per the "weak reference plus raw fd" design in spec.md §9.
type ReadyEvent struct {
	Fd     int
	Events EventMask
}

// Backend is the poll-mechanism abstraction of spec.md §4.1.
type Backend interface {
	// Add registers fd for the given interest.
	Add(fd int, interest Interest) error
	// Modify updates fd's registered interest.
	Modify(fd int, interest Interest) error
	// Remove unregisters fd. Safe to call on an fd already closed by the kernel.
	Remove(fd int) error
	// Wait blocks until at least one event is ready, the timeout
	// elapses, or an error occurs, and appends ready events to the
	// returned slice.
	Wait(timeout PollTimeout) ([]ReadyEvent, error)
	// Close releases the underlying polling primitive.
	Close() error
	// Name identifies the active mechanism, for logs and metrics labels.
	Name() string
}

// ErrUnsupportedBackend is returned by a backend's stub constructor
// when the current build does not target the platform it serves.
var ErrUnsupportedBackend = fmt.Errorf("pollbackend: not supported on this platform")
