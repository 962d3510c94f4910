//go:build unix

// File: internal/iohandler/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared types for the four IoHandler variants of spec.md §4.5:
// stream, datagram, listen, raw. Dynamic dispatch among variants maps
// to a tagged sum with per-variant state (spec.md §9 design notes);
// the polymorphic handle_event becomes a switch on Variant.

package iohandler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/asynccomm/internal/pollbackend"
	"github.com/momentics/asynccomm/wire"
)

// Variant tags which of the four IoHandler shapes a Handle holds.
type Variant int

const (
	VariantStream Variant = iota
	VariantDatagram
	VariantListen
	VariantRaw
)

func (v Variant) String() string {
	switch v {
	case VariantStream:
		return "stream"
	case VariantDatagram:
		return "datagram"
	case VariantListen:
		return "listen"
	case VariantRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// EventKind tags the events a Handle's default dispatch callback receives.
type EventKind int

const (
	// EventMessage delivers one fully assembled incoming message.
	EventMessage EventKind = iota
	// EventConnectionEstablished fires once per accepted connection.
	EventConnectionEstablished
	// EventDisconnect fires exactly once, during purge.
	EventDisconnect
	// EventError reports a handler-fatal condition.
	EventError
	// EventProxyMapUpdate delivers a received proxy-map diff payload.
	EventProxyMapUpdate
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventConnectionEstablished:
		return "connection_established"
	case EventDisconnect:
		return "disconnect"
	case EventError:
		return "error"
	case EventProxyMapUpdate:
		return "proxy_map_update"
	default:
		return "unknown"
	}
}

// Event is delivered to a Handle's default dispatch callback.
type Event struct {
	Kind    EventKind
	Handler *Handle
	Header  wire.Header
	Payload []byte
	Peer    wire.Address // set for datagram MESSAGE events
	Err     error
}

// DispatchFunc is the default per-handler event sink (spec.md §3's
// "default event dispatch callback"). It runs on the owning Reactor's
// goroutine and must not block (spec.md §5).
type DispatchFunc func(Event)

// RawCallback is the user-supplied object a raw handler delegates
// event classification to (spec.md §4.5).
type RawCallback interface {
	// HandleEvent classifies ready_events for fd, returning true if the handler should close.
	HandleEvent(fd int, events pollbackend.EventMask) (closeNow bool)
	// DesiredInterest reports the poll interest the callback now wants.
	DesiredInterest() pollbackend.Interest
}

// streamReadState holds the two resting states of the stream assembly
// machine of spec.md §4.5; READY is not stored, it is the emit-and-reset
// step at the end of readingBody.
type streamReadState int

const (
	readingHeader streamReadState = iota
	readingBody
)

// pendingWrite pairs an outbound buffer with, for datagram handlers,
// its destination peer.
type pendingWrite struct {
	buf  *wire.CommBuf
	peer wire.Address // only meaningful for datagram handlers
}

// Handle is the common per-socket state shared by all four variants
// (spec.md §3 "IoHandler"). Only the fields relevant to Variant are
// populated; this mirrors the tagged-sum mapping spec.md's design
// notes call for.
type Handle struct {
	variant Variant
	fd      int

	address wire.Address // remote (stream), local (datagram/listen), explicit (raw)
	aliasMu sync.Mutex
	alias   *wire.Address
	proxy   string
	hasProxy bool

	refcount       int32
	decommissioned atomic.Bool

	interestMu sync.Mutex
	interest   pollbackend.Interest

	reactorID int // index into the owning ReactorPool, set at assignment time

	dispatch DispatchFunc

	// interrupt wakes this handler's owning Reactor so a send-queue
	// empty→non-empty transition can assert WRITE interest before the
	// next poll wait (spec.md §4.5, §8).
	interrupt func()

	// backend is the owning Reactor's PollBackend, used to
	// assert/deassert WRITE interest as the send queue transitions.
	backend pollbackend.Backend

	firstErrMu sync.Mutex
	firstErr   error

	// --- stream ---
	readBuf    []byte
	readState  streamReadState
	readHeader wire.Header
	headerBuf  [wire.HeaderSize]byte
	headerGot  int
	bodyBuf    []byte
	bodyGot    int
	ceiling    uint32

	sendMu    sync.Mutex
	sendQueue []pendingWrite

	// --- datagram ---
	dgramMu    sync.Mutex
	dgramQueue []pendingWrite

	// --- listen ---
	acceptFactory          func(fd int, remote wire.Address) (*Handle, error)
	isProxyMaster          func() bool
	proxyMapBuf            func() *wire.CommBuf
	listenSndBuf, listenRcvBuf int

	// --- raw ---
	rawCallback RawCallback

	// counters, supplemented per SPEC_FULL.md §5 (original IOHandler.h stats)
	bytesSent, bytesReceived         uint64
	messagesSent, messagesReceived   uint64
}

// Bind attaches the owning Reactor's backend and interrupt function.
// Called once, when a Reactor takes ownership of the handler.
func (h *Handle) Bind(backend pollbackend.Backend, interrupt func(), reactorID int) {
	h.backend = backend
	h.interrupt = interrupt
	h.reactorID = reactorID
}

// Fd returns the handler's file descriptor.
func (h *Handle) Fd() int { return h.fd }

// Variant reports which of the four IoHandler shapes this is.
func (h *Handle) Variant() Variant { return h.variant }

// Address is the handler's primary HandlerMap key.
func (h *Handle) Address() wire.Address { return h.address }

// Alias returns the handler's secondary lookup key, if any.
func (h *Handle) Alias() (wire.Address, bool) {
	h.aliasMu.Lock()
	defer h.aliasMu.Unlock()
	if h.alias == nil {
		return wire.Address{}, false
	}
	return *h.alias, true
}

// SetAlias installs a secondary lookup key.
func (h *Handle) SetAlias(a wire.Address) {
	h.aliasMu.Lock()
	defer h.aliasMu.Unlock()
	h.alias = &a
}

// ProxyName reports the logical proxy name currently bound to this handler, if any.
func (h *Handle) ProxyName() (string, bool) {
	h.aliasMu.Lock()
	defer h.aliasMu.Unlock()
	return h.proxy, h.hasProxy
}

// SetProxyName binds (or clears, via "") the logical proxy name.
func (h *Handle) SetProxyName(name string) {
	h.aliasMu.Lock()
	defer h.aliasMu.Unlock()
	h.proxy = name
	h.hasProxy = name != ""
}

// ReactorID reports the index of this handler's owning reactor in the pool.
func (h *Handle) ReactorID() int { return h.reactorID }

// IncRef is the "checkout" half of spec.md §3's refcounting invariant.
func (h *Handle) IncRef() int32 { return atomic.AddInt32(&h.refcount, 1) }

// DecRef is the matching "release".
func (h *Handle) DecRef() int32 { return atomic.AddInt32(&h.refcount, -1) }

// RefCount reports the current reference count.
func (h *Handle) RefCount() int32 { return atomic.LoadInt32(&h.refcount) }

// Decommissioned reports whether this handler has been logically removed from service.
func (h *Handle) Decommissioned() bool { return h.decommissioned.Load() }

// MarkDecommissioned sets the decommissioned flag. Idempotent.
func (h *Handle) MarkDecommissioned() { h.decommissioned.Store(true) }

// FirstError records the first handler-fatal error observed, if any (spec.md §7).
func (h *Handle) FirstError() error {
	h.firstErrMu.Lock()
	defer h.firstErrMu.Unlock()
	return h.firstErr
}

func (h *Handle) recordFirstError(err error) {
	h.firstErrMu.Lock()
	defer h.firstErrMu.Unlock()
	if h.firstErr == nil {
		h.firstErr = err
	}
}

// Interest reports the currently registered poll interest.
func (h *Handle) Interest() pollbackend.Interest {
	h.interestMu.Lock()
	defer h.interestMu.Unlock()
	return h.interest
}

func (h *Handle) setInterest(i pollbackend.Interest) {
	h.interestMu.Lock()
	h.interest = i
	h.interestMu.Unlock()
}

// Stats reports the supplemented I/O counters (SPEC_FULL.md §5).
type Stats struct {
	BytesSent, BytesReceived       uint64
	MessagesSent, MessagesReceived uint64
}

// Stats snapshots the handler's I/O counters.
func (h *Handle) Stats() Stats {
	return Stats{
		BytesSent:       atomic.LoadUint64(&h.bytesSent),
		BytesReceived:   atomic.LoadUint64(&h.bytesReceived),
		MessagesSent:    atomic.LoadUint64(&h.messagesSent),
		MessagesReceived: atomic.LoadUint64(&h.messagesReceived),
	}
}

func (h *Handle) deliver(ev Event) {
	if h.dispatch != nil {
		h.dispatch(ev)
	}
}

// now is overridable in tests; production code always uses time.Now.
var now = time.Now
