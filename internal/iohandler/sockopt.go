//go:build unix

// File: internal/iohandler/sockopt.go
// Author: momentics <momentics@gmail.com>
//
// Raw socket construction and option sequencing. AsyncComm manages
// file descriptors directly rather than through net.Conn so that a
// Reactor can register a socket's fd with its PollBackend without
// runtime-poller interference (the same reason the teacher's
// reactor/reactor_linux.go and internal/transport/transport_linux.go
// talk to golang.org/x/sys/unix directly instead of net).

package iohandler

import (
	"fmt"
	"net"

	"github.com/momentics/asynccomm/wire"
	"golang.org/x/sys/unix"
)

// NewNonblockingTCPSocket creates a non-blocking IPv4 TCP socket.
func NewNonblockingTCPSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("iohandler: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("iohandler: set nonblock: %w", err)
	}
	return fd, nil
}

// NewNonblockingUDPSocket creates a non-blocking IPv4 UDP socket.
func NewNonblockingUDPSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, fmt.Errorf("iohandler: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("iohandler: set nonblock: %w", err)
	}
	return fd, nil
}

// ApplyListenSocketOptions sets SO_REUSEADDR and, where supported,
// SO_REUSEPORT, on a listening socket fd (spec.md §4.7 listen()).
func ApplyListenSocketOptions(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("iohandler: SO_REUSEADDR: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1) // best-effort, not all platforms support it
	return nil
}

// ApplyAcceptedSocketOptions marks a freshly accepted connection fd
// non-blocking, then applies keepalive, nodelay, and send/receive
// buffer sizing (spec.md §4.5 listen handler accept loop).
func ApplyAcceptedSocketOptions(fd int, sndBuf, rcvBuf int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("iohandler: set nonblock: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return fmt.Errorf("iohandler: SO_KEEPALIVE: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("iohandler: TCP_NODELAY: %w", err)
	}
	if sndBuf > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sndBuf)
	}
	if rcvBuf > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBuf)
	}
	return nil
}

// BindInet4 binds fd to the given IPv4 address and port (port 0 picks
// an ephemeral port).
func BindInet4(fd int, ip net.IP, port int) error {
	sa := &unix.SockaddrInet4{Port: port}
	if ip4 := ip.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("iohandler: bind: %w", err)
	}
	return nil
}

// SockaddrFromAddress renders a resolved IPv4 wire.Address as a raw
// unix.Sockaddr for connect(2)/sendto(2) calls.
func SockaddrFromAddress(a wire.Address) (unix.Sockaddr, error) {
	if a.IsProxy() {
		return nil, fmt.Errorf("iohandler: cannot use unresolved proxy address %q", a.Proxy)
	}
	ip4 := a.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("iohandler: address %s is not IPv4", a.IP)
	}
	sa := &unix.SockaddrInet4{Port: int(a.Port)}
	copy(sa.Addr[:], ip4)
	return sa, nil
}

// LocalAddr returns the local IPv4 address/port fd is bound to.
func LocalAddr(fd int) (net.IP, int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, 0, fmt.Errorf("iohandler: getsockname: %w", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil, 0, fmt.Errorf("iohandler: unexpected sockaddr type %T", sa)
	}
	ip := make(net.IP, 4)
	copy(ip, in4.Addr[:])
	return ip, in4.Port, nil
}
