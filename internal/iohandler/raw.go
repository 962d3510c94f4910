//go:build unix

// File: internal/iohandler/raw.go
// Author: momentics <momentics@gmail.com>
//
// Raw handler: a thin delegation shim for callers that want to drive a
// file descriptor's event classification themselves rather than go
// through the stream/datagram assembly machinery (spec.md §4.5's
// fourth IoHandler variant, used by e.g. a raw packet socket or a
// pipe fd bridging to an external subsystem).

package iohandler

import (
	"github.com/momentics/asynccomm/internal/pollbackend"
	"github.com/momentics/asynccomm/wire"
)

// NewRaw constructs a raw handler delegating entirely to cb. address is
// the HandlerMap key register_socket binds fd under (spec.md §4.7).
func NewRaw(fd int, address wire.Address, cb RawCallback) *Handle {
	return &Handle{
		variant:     VariantRaw,
		fd:          fd,
		address:     address,
		rawCallback: cb,
		interest:    cb.DesiredInterest(),
	}
}

// handleEventRaw forwards ready_events to the registered RawCallback
// and reconciles the backend's registered interest against whatever
// the callback now wants, so a raw handler can change its own
// subscription (e.g. stop requesting WRITE once it has flushed) without
// the Reactor needing variant-specific knowledge of why.
func (h *Handle) handleEventRaw(events pollbackend.EventMask) (closeNow bool) {
	if h.rawCallback == nil {
		return true
	}
	closeNow = h.rawCallback.HandleEvent(h.fd, events)
	if closeNow {
		return true
	}

	want := h.rawCallback.DesiredInterest()
	if want != h.Interest() {
		h.setInterest(want)
		if h.backend != nil {
			_ = h.backend.Modify(h.fd, want)
		}
	}
	return false
}
