//go:build unix

package iohandler

import (
	"net"
	"testing"

	"github.com/momentics/asynccomm/internal/pollbackend"
	"github.com/momentics/asynccomm/wire"
	"golang.org/x/sys/unix"
)

func TestDatagramRoundTrip(t *testing.T) {
	loopback := net.IPv4(127, 0, 0, 1)

	aFd, err := NewNonblockingUDPSocket()
	if err != nil {
		t.Fatalf("socket a: %v", err)
	}
	defer unix.Close(aFd)
	bFd, err := NewNonblockingUDPSocket()
	if err != nil {
		t.Fatalf("socket b: %v", err)
	}
	defer unix.Close(bFd)

	if err := BindInet4(aFd, loopback, 0); err != nil {
		t.Fatalf("bind a: %v", err)
	}
	if err := BindInet4(bFd, loopback, 0); err != nil {
		t.Fatalf("bind b: %v", err)
	}

	aIP, aPort, err := LocalAddr(aFd)
	if err != nil {
		t.Fatalf("local addr a: %v", err)
	}
	bIP, bPort, err := LocalAddr(bFd)
	if err != nil {
		t.Fatalf("local addr b: %v", err)
	}

	var got Event
	recv := NewDatagram(bFd, wire.Inet(bIP, uint16(bPort)), func(ev Event) { got = ev })
	sender := NewDatagram(aFd, wire.Inet(aIP, uint16(aPort)), func(Event) {})
	sender.Bind(nil, func() {}, 0)

	hdr := make([]byte, wire.HeaderSize)
	(&wire.Header{Version: 1, HeaderLength: wire.HeaderSize, TotalLength: wire.HeaderSize + 5}).Encode(hdr)
	sender.EnqueueTo(wire.Inet(bIP, uint16(bPort)), wire.NewCommBuf(hdr, []byte("howdy")))

	if closeNow := sender.HandleEvent(pollbackend.EventWrite); closeNow {
		t.Fatalf("unexpected close sending, firstErr=%v", sender.FirstError())
	}
	if closeNow := recv.HandleEvent(pollbackend.EventRead); closeNow {
		t.Fatalf("unexpected close receiving, firstErr=%v", recv.FirstError())
	}
	if got.Kind != EventMessage || string(got.Payload) != "howdy" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if got.Peer.String() == "" {
		t.Fatalf("expected sender peer address populated")
	}
}
