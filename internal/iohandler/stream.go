//go:build unix

// File: internal/iohandler/stream.go
// Author: momentics <momentics@gmail.com>
//
// Stream handler: the three-state assembly machine (READING_HEADER,
// READING_BODY, READY) and outbound drain loop of spec.md §4.5.

package iohandler

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/momentics/asynccomm/internal/pollbackend"
	"github.com/momentics/asynccomm/wire"
	"golang.org/x/sys/unix"
)

// DefaultTotalLengthCeiling bounds an incoming message's total_length
// (spec.md §4.8). Overridable per handler via NewStream's ceiling arg.
const DefaultTotalLengthCeiling = 64 << 20

// NewStream constructs a stream handler for an established or
// just-accepted connection.
func NewStream(fd int, remote wire.Address, dispatch DispatchFunc, ceiling uint32) *Handle {
	if ceiling == 0 {
		ceiling = DefaultTotalLengthCeiling
	}
	return &Handle{
		variant: VariantStream,
		fd:      fd,
		address: remote,
		dispatch: dispatch,
		ceiling: ceiling,
	}
}

// fdWriter adapts a raw fd to wire.CommBuf's writer contract via
// non-blocking unix.Write.
type fdWriter int

func (f fdWriter) Write(p []byte) (int, error) {
	n, err := unix.Write(int(f), p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return n, err
	}
	return n, nil
}

// Enqueue appends buf to the send queue. Any thread may call this
// under the per-handler send-queue lock (spec.md §3); an
// empty→non-empty transition asserts WRITE interest via the owning
// Reactor's interrupt path so the next wait picks it up immediately.
//
// spec.md §9's open question on send-after-decommission is preserved
// as documented: enqueue succeeds even if the handler's decommissioned
// flag is already set by a concurrent peer-side disconnect; the
// failure surfaces on the next drain attempt instead.
func (h *Handle) Enqueue(buf *wire.CommBuf) {
	h.sendMu.Lock()
	wasEmpty := len(h.sendQueue) == 0
	h.sendQueue = append(h.sendQueue, pendingWrite{buf: buf})
	h.sendMu.Unlock()

	if wasEmpty {
		h.assertWriteInterest()
	}
}

func (h *Handle) assertWriteInterest() {
	cur := h.Interest()
	want := cur | pollbackend.InterestWrite
	if want == cur {
		return
	}
	h.setInterest(want)
	if h.backend != nil {
		_ = h.backend.Modify(h.fd, want)
	}
	if h.interrupt != nil {
		h.interrupt()
	}
}

func (h *Handle) deassertWriteInterest() {
	cur := h.Interest()
	want := cur &^ pollbackend.InterestWrite
	if want == cur {
		return
	}
	h.setInterest(want)
	if h.backend != nil {
		_ = h.backend.Modify(h.fd, want)
	}
}

// handleEventStream processes ready_events for this stream handler, as
// spec.md §4.5 describes. Returns true if the Reactor should
// decommission it.
func (h *Handle) handleEventStream(events pollbackend.EventMask) (closeNow bool) {
	if events.Fatal() {
		h.recordFirstError(fmt.Errorf("iohandler: fatal poll event on fd=%d: %v", h.fd, events))
		return true
	}
	if events&pollbackend.EventRead != 0 {
		if fatal := h.handleReadable(); fatal {
			return true
		}
	}
	if events&pollbackend.EventWrite != 0 {
		if fatal := h.handleWritable(); fatal {
			return true
		}
	}
	return false
}

func (h *Handle) handleReadable() (fatal bool) {
	for {
		n, err := h.readInto()
		if n > 0 {
			if h.assembleFrom(n) {
				return true
			}
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return false
			}
			h.recordFirstError(err)
			return true
		}
		if n == 0 {
			// zero-byte read: peer closed (spec.md §4.5).
			h.recordFirstError(io.EOF)
			return true
		}
	}
}

func (h *Handle) readInto() (int, error) {
	scratch := make([]byte, 64*1024)
	n, err := unix.Read(h.fd, scratch)
	if n > 0 {
		h.readBuf = append(h.readBuf, scratch[:n]...)
	}
	if err != nil {
		return n, err
	}
	return n, nil
}

// assembleFrom drives the READING_HEADER/READING_BODY/READY state
// machine against whatever bytes have accumulated in readBuf. It
// reports fatal==true on a protocol violation (bad header, total_length
// over the ceiling, negative body length), which closes the handler.
func (h *Handle) assembleFrom(_ int) (fatal bool) {
	for {
		switch h.readState {
		case readingHeader:
			need := wire.HeaderSize - h.headerGot
			if len(h.readBuf) < need {
				h.headerGot += copy(h.headerBuf[h.headerGot:], h.readBuf)
				h.readBuf = h.readBuf[:0]
				return false
			}
			copy(h.headerBuf[h.headerGot:], h.readBuf[:need])
			h.readBuf = h.readBuf[need:]
			h.headerGot = wire.HeaderSize

			hdr, err := wire.Decode(h.headerBuf[:])
			if err != nil {
				h.recordFirstError(err)
				return true
			}
			if err := wire.CheckTotalLength(hdr, h.ceiling); err != nil {
				h.recordFirstError(err)
				return true
			}
			h.readHeader = hdr
			bodyLen := int(hdr.TotalLength) - int(hdr.HeaderLength)
			if bodyLen < 0 {
				h.recordFirstError(fmt.Errorf("iohandler: negative body length"))
				return true
			}
			h.bodyBuf = make([]byte, bodyLen)
			h.bodyGot = 0
			h.readState = readingBody

		case readingBody:
			need := len(h.bodyBuf) - h.bodyGot
			if len(h.readBuf) < need {
				h.bodyGot += copy(h.bodyBuf[h.bodyGot:], h.readBuf)
				h.readBuf = h.readBuf[:0]
				return false
			}
			copy(h.bodyBuf[h.bodyGot:], h.readBuf[:need])
			h.readBuf = h.readBuf[need:]

			atomic.AddUint64(&h.messagesReceived, 1)
			atomic.AddUint64(&h.bytesReceived, uint64(wire.HeaderSize+len(h.bodyBuf)))

			kind := EventMessage
			if h.readHeader.Flags&wire.FlagProxyMapUpdate != 0 {
				kind = EventProxyMapUpdate
			}
			h.deliver(Event{Kind: kind, Handler: h, Header: h.readHeader, Payload: h.bodyBuf})

			h.headerGot = 0
			h.bodyBuf = nil
			h.bodyGot = 0
			h.readState = readingHeader
		}
	}
}

func (h *Handle) handleWritable() (fatal bool) {
	for {
		h.sendMu.Lock()
		if len(h.sendQueue) == 0 {
			h.sendMu.Unlock()
			h.deassertWriteInterest()
			return false
		}
		head := h.sendQueue[0]
		h.sendMu.Unlock()

		n, done, err := head.buf.Drain(fdWriter(h.fd))
		atomic.AddUint64(&h.bytesSent, uint64(n))
		if err != nil {
			h.recordFirstError(err)
			return true
		}
		if !done {
			// short write: leaves the buffer at the queue head (spec.md §3).
			return false
		}

		h.sendMu.Lock()
		h.sendQueue = h.sendQueue[1:]
		empty := len(h.sendQueue) == 0
		h.sendMu.Unlock()
		atomic.AddUint64(&h.messagesSent, 1)

		if empty {
			h.deassertWriteInterest()
			return false
		}
	}
}

// Close releases the underlying fd.
func (h *Handle) Close() error {
	return unix.Close(h.fd)
}
