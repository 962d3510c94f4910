//go:build unix

// File: internal/iohandler/listen.go
// Author: momentics <momentics@gmail.com>
//
// Listen handler: accept loop until EAGAIN, per-accept socket option
// sequencing, stream handler construction, and optional proxy-map push
// on accept when this reactor owns the proxy master role (spec.md
// §4.5, §4.9).

package iohandler

import (
	"fmt"

	"github.com/momentics/asynccomm/internal/pollbackend"
	"github.com/momentics/asynccomm/wire"
	"golang.org/x/sys/unix"
)

// AcceptedFunc is invoked once per accepted connection, with the new
// fd and the peer's resolved address; it builds and registers the new
// connection's stream handler and returns it so the listen handler can
// enqueue a proxy-map push through the handler's own send-queue
// (spec.md §3: only the owning Reactor's thread may write a socket).
// Returning an error causes the accepted connection to be closed
// immediately instead of handed off.
type AcceptedFunc func(fd int, remote wire.Address) (*Handle, error)

// ListenOptions configures a listen handler's accept-time behavior.
type ListenOptions struct {
	// SndBuf/RcvBuf, when non-zero, are applied to every accepted socket.
	SndBuf, RcvBuf int
	// IsProxyMaster reports whether this reactor should push a
	// proxy-map diff to newly accepted peers (spec.md §4.9).
	IsProxyMaster func() bool
	// ProxyMapBuf builds the CommBuf carrying the current proxy-map
	// diff, called once per accept when IsProxyMaster returns true.
	ProxyMapBuf func() *wire.CommBuf
}

// NewListen constructs a listening handler. accept is called for every
// accepted connection; its error return aborts only that one accept.
func NewListen(fd int, local wire.Address, accept AcceptedFunc, opts ListenOptions) *Handle {
	h := &Handle{
		variant:       VariantListen,
		fd:            fd,
		address:       local,
		acceptFactory: accept,
		isProxyMaster: opts.IsProxyMaster,
		proxyMapBuf:   opts.ProxyMapBuf,
	}
	h.listenSndBuf = opts.SndBuf
	h.listenRcvBuf = opts.RcvBuf
	return h
}

// handleEventListen drains the accept queue until EAGAIN.
func (h *Handle) handleEventListen(events pollbackend.EventMask) (closeNow bool) {
	if events.Fatal() {
		h.recordFirstError(fmt.Errorf("iohandler: fatal poll event on listen fd=%d: %v", h.fd, events))
		return true
	}
	if events&pollbackend.EventRead == 0 {
		return false
	}
	for {
		nfd, sa, err := unix.Accept(h.fd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return false
			}
			if err == unix.ECONNABORTED || err == unix.EINTR {
				continue
			}
			h.recordFirstError(err)
			return true
		}

		remote := sockaddrToAddress(sa)
		if err := ApplyAcceptedSocketOptions(nfd, h.listenSndBuf, h.listenRcvBuf); err != nil {
			_ = unix.Close(nfd)
			continue
		}
		if h.acceptFactory == nil {
			_ = unix.Close(nfd)
			continue
		}
		accepted, err := h.acceptFactory(nfd, remote)
		if err != nil {
			_ = unix.Close(nfd)
			continue
		}
		if h.isProxyMaster != nil && h.isProxyMaster() && h.proxyMapBuf != nil && accepted != nil {
			// Queued through the new handler's own send path so it is
			// drained only by the reactor that now owns nfd, same as
			// every other outbound message (spec.md §3).
			accepted.Enqueue(h.proxyMapBuf())
		}
		if accepted != nil {
			accepted.deliver(Event{Kind: EventConnectionEstablished, Handler: accepted})
		}
	}
}
