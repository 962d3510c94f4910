//go:build unix

// File: internal/selfpipe/selfpipe.go
// Author: momentics <momentics@gmail.com>
//
// SelfPipe is the mechanism to force a blocked PollBackend.Wait to
// return so a Reactor can re-evaluate newly inserted timers or
// modified poll interests (spec.md §4.2, §9). The implementation is a
// UDP socket bound to 127.0.0.1 on an ephemeral port and connected to
// itself, exactly as spec.md's design notes describe and exactly as
// generalizes across all four PollBackend implementations, unlike
// eventfd (Linux-only) or kqueue user events (BSD-only).

package selfpipe

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SelfPipe wraps a loopback UDP socket used purely as a wakeup signal.
type SelfPipe struct {
	conn *net.UDPConn
	fd   int
}

// New opens the self-pipe: a UDP socket bound to 127.0.0.1:0 and
// connected to its own ephemeral address.
func New() (*SelfPipe, error) {
	laddr, err := net.ResolveUDPAddr("udp4", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("selfpipe: resolve: %w", err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("selfpipe: listen: %w", err)
	}
	if err := conn.SetReadBuffer(4096); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("selfpipe: set read buffer: %w", err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("selfpipe: syscallconn: %w", err)
	}
	var fd int
	if ctlErr := raw.Control(func(p uintptr) { fd = int(p) }); ctlErr != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("selfpipe: control: %w", ctlErr)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("selfpipe: set nonblock: %w", err)
	}

	local := conn.LocalAddr().(*net.UDPAddr)
	if err := udpConnectSelf(conn, local); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &SelfPipe{conn: conn, fd: fd}, nil
}

// udpConnectSelf connects a bound UDP socket back to its own local
// address, turning Write into a destination-less send to itself.
func udpConnectSelf(conn *net.UDPConn, local *net.UDPAddr) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("selfpipe: syscallconn: %w", err)
	}
	var connectErr error
	ctlErr := raw.Control(func(fd uintptr) {
		sa := &unix.SockaddrInet4{Port: local.Port}
		copy(sa.Addr[:], local.IP.To4())
		connectErr = unix.Connect(int(fd), sa)
	})
	if ctlErr != nil {
		return fmt.Errorf("selfpipe: control connect: %w", ctlErr)
	}
	if connectErr != nil {
		return fmt.Errorf("selfpipe: connect: %w", connectErr)
	}
	return nil
}

// Fd returns the raw file descriptor to register with a PollBackend for READ.
func (s *SelfPipe) Fd() int { return s.fd }

// LocalAddr reports the ephemeral loopback address the self-pipe bound to.
func (s *SelfPipe) LocalAddr() *net.UDPAddr { return s.conn.LocalAddr().(*net.UDPAddr) }

// Interrupt sends a single wakeup byte. Safe to call from any
// goroutine; a failed non-blocking send (buffer full because a prior
// interrupt hasn't been drained yet) is not an error — the pending
// byte already guarantees a wakeup, matching spec.md's "idempotent,
// collapses concurrent interrupts into at most one extra wake".
func (s *SelfPipe) Interrupt() error {
	_, err := s.conn.Write([]byte{0x01})
	if err != nil {
		if nerr, ok := err.(*net.OpError); ok {
			if nerr.Err == unix.EAGAIN || nerr.Err == unix.EWOULDBLOCK {
				return nil
			}
		}
	}
	return err
}

// Drain reads and discards all pending wakeup bytes.
func (s *SelfPipe) Drain() error {
	buf := make([]byte, 4096)
	for {
		_, err := s.conn.Read(buf)
		if err != nil {
			if nerr, ok := err.(*net.OpError); ok {
				if nerr.Err == unix.EAGAIN || nerr.Err == unix.EWOULDBLOCK {
					return nil
				}
			}
			return err
		}
	}
}

// Close releases the self-pipe socket.
func (s *SelfPipe) Close() error {
	return s.conn.Close()
}
