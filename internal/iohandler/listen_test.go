//go:build unix

package iohandler

import (
	"net"
	"testing"

	"github.com/momentics/asynccomm/internal/pollbackend"
	"github.com/momentics/asynccomm/wire"
	"golang.org/x/sys/unix"
)

func TestListenAcceptsConnection(t *testing.T) {
	loopback := net.IPv4(127, 0, 0, 1)

	lfd, err := NewNonblockingTCPSocket()
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	defer unix.Close(lfd)

	if err := ApplyListenSocketOptions(lfd); err != nil {
		t.Fatalf("listen opts: %v", err)
	}
	if err := BindInet4(lfd, loopback, 0); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := unix.Listen(lfd, 8); err != nil {
		t.Fatalf("listen: %v", err)
	}

	_, port, err := LocalAddr(lfd)
	if err != nil {
		t.Fatalf("local addr: %v", err)
	}

	var acceptedFd int
	var acceptedRemote wire.Address
	accept := func(fd int, remote wire.Address) (*Handle, error) {
		acceptedFd = fd
		acceptedRemote = remote
		return NewStream(fd, remote, nil, 0), nil
	}
	lh := NewListen(lfd, wire.Inet(loopback, uint16(port)), accept, ListenOptions{})

	cfd, err := NewNonblockingTCPSocket()
	if err != nil {
		t.Fatalf("client socket: %v", err)
	}
	defer unix.Close(cfd)
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], loopback.To4())
	err = unix.Connect(cfd, sa)
	if err != nil && err != unix.EINPROGRESS {
		t.Fatalf("connect: %v", err)
	}

	// give the kernel a moment to complete the handshake on loopback;
	// accept below retries on EAGAIN in a loop bounded by the test timeout.
	for i := 0; i < 100 && acceptedFd == 0; i++ {
		if closeNow := lh.HandleEvent(pollbackend.EventRead); closeNow {
			t.Fatalf("unexpected close, firstErr=%v", lh.FirstError())
		}
	}
	if acceptedFd == 0 {
		t.Fatalf("connection was never accepted")
	}
	defer unix.Close(acceptedFd)
	if acceptedRemote.IP == nil {
		t.Fatalf("expected remote address populated")
	}
}
