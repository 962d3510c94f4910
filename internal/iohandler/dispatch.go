//go:build unix

// File: internal/iohandler/dispatch.go
// Author: momentics <momentics@gmail.com>
//
// HandleEvent is the single entry point a Reactor calls after Wait
// returns a ready_event; it switches on Variant the way the teacher's
// polymorphic dispatch would be a virtual call, per the tagged-sum
// mapping described in types.go.

package iohandler

import "github.com/momentics/asynccomm/internal/pollbackend"

// HandleEvent routes ready_events to the variant-specific handler.
// Returns true if the Reactor should decommission this handle.
func (h *Handle) HandleEvent(events pollbackend.EventMask) (closeNow bool) {
	switch h.variant {
	case VariantStream:
		return h.handleEventStream(events)
	case VariantDatagram:
		return h.handleEventDatagram(events)
	case VariantListen:
		return h.handleEventListen(events)
	case VariantRaw:
		return h.handleEventRaw(events)
	default:
		return true
	}
}

// Disconnect fires exactly once, during purge, delivering DISCONNECT
// to the default dispatch (spec.md §3). Meaningful for stream and
// datagram handlers; a listen or raw handler has no peer, so it is a
// no-op there beyond the dispatch call itself.
func (h *Handle) Disconnect() {
	h.deliver(Event{Kind: EventDisconnect, Handler: h, Err: h.FirstError()})
}
