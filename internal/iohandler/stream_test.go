//go:build unix

package iohandler

import (
	"testing"

	"github.com/momentics/asynccomm/internal/pollbackend"
	"github.com/momentics/asynccomm/wire"
	"golang.org/x/sys/unix"
)

func socketpairStream(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("set nonblock: %v", err)
		}
	}
	return fds[0], fds[1]
}

func encodeMessage(t *testing.T, payload []byte) []byte {
	t.Helper()
	hdr := wire.Header{Version: 1, HeaderLength: wire.HeaderSize, TotalLength: uint32(wire.HeaderSize + len(payload))}
	buf := make([]byte, wire.HeaderSize)
	if err := hdr.Encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return append(buf, payload...)
}

func TestStreamAssemblesHeaderThenBody(t *testing.T) {
	a, b := socketpairStream(t)
	defer unix.Close(a)
	defer unix.Close(b)

	var got Event
	h := NewStream(a, wire.Address{}, func(ev Event) { got = ev }, 0)

	msg := encodeMessage(t, []byte("hello"))
	if _, err := unix.Write(b, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	if closeNow := h.HandleEvent(pollbackend.EventRead); closeNow {
		t.Fatalf("unexpected close, firstErr=%v", h.FirstError())
	}
	if got.Kind != EventMessage || string(got.Payload) != "hello" {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestStreamAssemblesAcrossShortReads(t *testing.T) {
	a, b := socketpairStream(t)
	defer unix.Close(a)
	defer unix.Close(b)

	var got Event
	h := NewStream(a, wire.Address{}, func(ev Event) { got = ev }, 0)

	msg := encodeMessage(t, []byte("worldwide"))
	// first write only the header
	if _, err := unix.Write(b, msg[:wire.HeaderSize]); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if closeNow := h.HandleEvent(pollbackend.EventRead); closeNow {
		t.Fatalf("unexpected close after header-only read, firstErr=%v", h.FirstError())
	}
	if got.Kind == EventMessage {
		t.Fatalf("message delivered before body arrived")
	}

	if _, err := unix.Write(b, msg[wire.HeaderSize:]); err != nil {
		t.Fatalf("write body: %v", err)
	}
	if closeNow := h.HandleEvent(pollbackend.EventRead); closeNow {
		t.Fatalf("unexpected close after body read, firstErr=%v", h.FirstError())
	}
	if got.Kind != EventMessage || string(got.Payload) != "worldwide" {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestStreamPeerCloseReportsEOF(t *testing.T) {
	a, b := socketpairStream(t)
	defer unix.Close(a)

	h := NewStream(a, wire.Address{}, func(Event) {}, 0)
	if err := unix.Close(b); err != nil {
		t.Fatalf("close peer: %v", err)
	}

	if closeNow := h.HandleEvent(pollbackend.EventRead); !closeNow {
		t.Fatalf("expected close on peer shutdown")
	}
	if h.FirstError() == nil {
		t.Fatalf("expected firstErr set")
	}
}

func TestStreamEnqueueDrainsOnWritable(t *testing.T) {
	a, b := socketpairStream(t)
	defer unix.Close(a)
	defer unix.Close(b)

	interrupted := false
	h := NewStream(a, wire.Address{}, func(Event) {}, 0)
	h.Bind(nil, func() { interrupted = true }, 0)

	hdr := make([]byte, wire.HeaderSize)
	(&wire.Header{Version: 1, HeaderLength: wire.HeaderSize, TotalLength: wire.HeaderSize + 3}).Encode(hdr)
	h.Enqueue(wire.NewCommBuf(hdr, []byte("abc")))
	if !interrupted {
		t.Fatalf("expected interrupt on empty->non-empty transition")
	}

	if closeNow := h.HandleEvent(pollbackend.EventWrite); closeNow {
		t.Fatalf("unexpected close while draining, firstErr=%v", h.FirstError())
	}

	readBack := make([]byte, wire.HeaderSize+3)
	n, err := unix.Read(b, readBack)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != len(readBack) {
		t.Fatalf("short read: got %d want %d", n, len(readBack))
	}
}
