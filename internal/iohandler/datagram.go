//go:build unix

// File: internal/iohandler/datagram.go
// Author: momentics <momentics@gmail.com>
//
// Datagram handler: recvfrom loop until EAGAIN, one message per
// datagram (no assembly state machine, unlike stream), and a
// peer-addressed send queue (spec.md §4.5).

package iohandler

import (
	"fmt"
	"sync/atomic"

	"github.com/momentics/asynccomm/internal/pollbackend"
	"github.com/momentics/asynccomm/wire"
	"golang.org/x/sys/unix"
)

const maxDatagramSize = 64 * 1024

// NewDatagram constructs a datagram handler bound to the local address.
func NewDatagram(fd int, local wire.Address, dispatch DispatchFunc) *Handle {
	return &Handle{
		variant:  VariantDatagram,
		fd:       fd,
		address:  local,
		dispatch: dispatch,
	}
}

// EnqueueTo appends a peer-addressed outbound datagram. Mirrors
// stream's Enqueue: an empty→non-empty transition asserts WRITE
// interest via the owning Reactor's interrupt path.
func (h *Handle) EnqueueTo(peer wire.Address, buf *wire.CommBuf) {
	h.dgramMu.Lock()
	wasEmpty := len(h.dgramQueue) == 0
	h.dgramQueue = append(h.dgramQueue, pendingWrite{buf: buf, peer: peer})
	h.dgramMu.Unlock()

	if wasEmpty {
		h.assertWriteInterest()
	}
}

// handleEventDatagram processes ready_events for this datagram handler.
func (h *Handle) handleEventDatagram(events pollbackend.EventMask) (closeNow bool) {
	if events.Fatal() {
		h.recordFirstError(fmt.Errorf("iohandler: fatal poll event on datagram fd=%d: %v", h.fd, events))
		return true
	}
	if events&pollbackend.EventRead != 0 {
		if fatal := h.drainIncomingDatagrams(); fatal {
			return true
		}
	}
	if events&pollbackend.EventWrite != 0 {
		if fatal := h.drainOutgoingDatagrams(); fatal {
			return true
		}
	}
	return false
}

func (h *Handle) drainIncomingDatagrams() (fatal bool) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := unix.Recvfrom(h.fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return false
			}
			h.recordFirstError(err)
			return true
		}
		if n < wire.HeaderSize {
			// short/malformed datagram: drop and continue (UDP has no framing guarantee).
			continue
		}
		hdr, err := wire.Decode(buf[:wire.HeaderSize])
		if err != nil {
			continue
		}
		payload := make([]byte, n-wire.HeaderSize)
		copy(payload, buf[wire.HeaderSize:n])

		atomic.AddUint64(&h.messagesReceived, 1)
		atomic.AddUint64(&h.bytesReceived, uint64(n))

		peer := sockaddrToAddress(from)
		h.deliver(Event{Kind: EventMessage, Handler: h, Header: hdr, Payload: payload, Peer: peer})
	}
}

func (h *Handle) drainOutgoingDatagrams() (fatal bool) {
	for {
		h.dgramMu.Lock()
		if len(h.dgramQueue) == 0 {
			h.dgramMu.Unlock()
			h.deassertWriteInterest()
			return false
		}
		head := h.dgramQueue[0]
		h.dgramMu.Unlock()

		payload := head.buf.Bytes()

		sa, err := SockaddrFromAddress(head.peer)
		if err != nil {
			h.recordFirstError(err)
			return true
		}
		if err := unix.Sendto(h.fd, payload, 0, sa); err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return false
			}
			h.recordFirstError(err)
			return true
		}

		atomic.AddUint64(&h.bytesSent, uint64(len(payload)))
		atomic.AddUint64(&h.messagesSent, 1)

		h.dgramMu.Lock()
		h.dgramQueue = h.dgramQueue[1:]
		empty := len(h.dgramQueue) == 0
		h.dgramMu.Unlock()

		if empty {
			h.deassertWriteInterest()
			return false
		}
	}
}

func sockaddrToAddress(sa unix.Sockaddr) wire.Address {
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return wire.Address{}
	}
	ip := make([]byte, 4)
	copy(ip, in4.Addr[:])
	return wire.Inet(ip, uint16(in4.Port))
}
