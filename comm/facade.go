// File: comm/facade.go
// Author: momentics <momentics@gmail.com>
//
// CommFacade is the public entry point of spec.md §4.7: Listen,
// Connect, SendRequest, SendResponse, SendDatagram, SetTimer,
// CancelTimer, Close, RegisterSocket, and proxy admin, all delegating
// to a ReactorPool and a shared HandlerMap/ProxyMap. Shaped after the
// teacher's facade/hioload.go and server/server.go: a single struct
// built by a Config-driven constructor, exposing one method per
// operation and delegating everything to internal collaborators it
// assembles once at construction time.

package comm

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/asynccomm/control"
	"github.com/momentics/asynccomm/internal/handlermap"
	"github.com/momentics/asynccomm/internal/iohandler"
	"github.com/momentics/asynccomm/internal/pollbackend"
	"github.com/momentics/asynccomm/internal/reqcache"
	"github.com/momentics/asynccomm/internal/timerheap"
	"github.com/momentics/asynccomm/reactor"
	"github.com/momentics/asynccomm/wire"
)

// ConnectionFactory builds the per-connection dispatch callback for a
// newly accepted stream connection, given its resolved remote address.
// Returning nil falls back to Listen's default_dispatch.
type ConnectionFactory func(remote wire.Address) iohandler.DispatchFunc

// Config drives CommFacade construction.
type Config struct {
	ReactorCount int
	Mechanism    pollbackend.Mechanism

	ListenBacklog     int
	BindRetryAttempts int
	BindRetryInterval time.Duration

	EphemeralPortLow, EphemeralPortHigh uint16

	AcceptSndBuf, AcceptRcvBuf int

	IsProxyMaster bool

	Logger *zap.Logger
}

// DefaultConfig matches spec.md §4.7's literal constants: 24 bind
// retries at 10s, backlog 1000, ephemeral range [49152, 65535].
func DefaultConfig() *Config {
	return &Config{
		ReactorCount:      4,
		Mechanism:         pollbackend.Auto,
		ListenBacklog:     1000,
		BindRetryAttempts: 24,
		BindRetryInterval: 10 * time.Second,
		EphemeralPortLow:  49152,
		EphemeralPortHigh: 65535,
	}
}

// RetryConfig is the subset of Config that can change after
// construction, through ApplyLiveConfig (SPEC_FULL.md §3
// "Configuration": the control.ConfigStore-driven hot-reload path).
// Reactor topology, the listen address, and the proxy-master role are
// fixed at process start and are not part of this set.
type RetryConfig struct {
	BindRetryAttempts                   int
	BindRetryInterval                   time.Duration
	EphemeralPortLow, EphemeralPortHigh uint16
}

// CommFacade is the single public surface over a ReactorPool, its
// shared HandlerMap, and a ProxyMap.
type CommFacade struct {
	cfg  Config
	log  *zap.Logger
	pool *reactor.ReactorPool
	hm   *handlermap.HandlerMap
	proxy *handlermap.ProxyMap

	retry atomic.Pointer[RetryConfig]

	ephemeralCursor uint64
}

// New assembles a CommFacade: a ReactorPool of cfg.ReactorCount I/O
// reactors plus one dedicated timer reactor, sharing one HandlerMap,
// and a ProxyMap wired to broadcast through it.
func New(cfg *Config) (*CommFacade, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	pool, err := reactor.NewPool(cfg.ReactorCount, cfg.Mechanism, log)
	if err != nil {
		return nil, fmt.Errorf("comm: new reactor pool: %w", err)
	}

	f := &CommFacade{cfg: *cfg, log: log, pool: pool, hm: pool.HandlerMap()}
	f.retry.Store(&RetryConfig{
		BindRetryAttempts: cfg.BindRetryAttempts,
		BindRetryInterval: cfg.BindRetryInterval,
		EphemeralPortLow:  cfg.EphemeralPortLow,
		EphemeralPortHigh: cfg.EphemeralPortHigh,
	})
	f.proxy = handlermap.NewProxyMap(cfg.IsProxyMaster, f.hm, f)
	return f, nil
}

// ApplyLiveConfig swaps in a new bind-retry/ephemeral-port-range
// snapshot, picked up by the next Listen/Connect call. Wired to
// control.ConfigStore.OnReload by cmd/asynccommd so a SIGHUP-triggered
// config reload takes effect without restarting the process.
func (f *CommFacade) ApplyLiveConfig(rc RetryConfig) {
	f.retry.Store(&rc)
}

// Start launches every reactor's loop. Call once, after registering
// any Listen/BindDatagram handlers the process owns at startup.
func (f *CommFacade) Start() { f.pool.Start() }

// WireMetrics connects exp's Prometheus collectors to this facade's
// live collaborators: per-reactor poll-wait latency, handler
// decommission counts, and proxy-map generation counts
// (SPEC_FULL.md §3 "Metrics"). Call once, before Start.
func (f *CommFacade) WireMetrics(exp *control.Exporter) {
	for _, r := range f.pool.IOReactors() {
		r.SetWaitLatencyHook(exp.ObserveWaitLatency)
	}
	f.pool.TimerReactor().SetWaitLatencyHook(exp.ObserveWaitLatency)
	f.hm.SetDecommissionHook(exp.IncDecommission)
	f.proxy.SetUpdateHook(exp.IncProxyMapUpdate)
}

// Sizers builds a control.Sizers snapshot reading this facade's live
// HandlerMap/RequestCache/TimerHeap occupancy, wired into
// control.NewExporter by cmd/asynccommd.
func (f *CommFacade) Sizers() control.Sizers {
	return control.Sizers{
		HandlerCount: f.hm.Len,
		RequestCacheSize: func() int {
			total := 0
			for _, r := range f.pool.IOReactors() {
				total += r.RequestCache().Len()
			}
			return total
		},
		TimerHeapSize: func() int { return f.pool.TimerReactor().Timers().Len() },
	}
}

// Shutdown performs the graceful teardown of spec.md §8 scenario 6:
// decommission every handler (which cascades to ERROR(BROKEN_CONNECTION)
// on every pending request and DISCONNECT on every default dispatch),
// wait for every handler to be physically purged, then stop and close
// every reactor.
func (f *CommFacade) Shutdown() error {
	f.hm.DecommissionAll()
	f.hm.WaitEmpty()
	f.pool.Stop()
	return f.pool.Close()
}

// Listen creates a non-blocking TCP listener on address, binds with
// retry on EADDRINUSE, and registers a listen handler with the pool
// (spec.md §4.7 listen()).
func (f *CommFacade) Listen(address wire.Address, connFactory ConnectionFactory, defaultDispatch iohandler.DispatchFunc) error {
	fd, err := iohandler.NewNonblockingTCPSocket()
	if err != nil {
		return newError(PollError, err.Error())
	}
	if err := iohandler.ApplyListenSocketOptions(fd); err != nil {
		_ = unix.Close(fd)
		return newError(PollError, err.Error())
	}

	retry := f.retry.Load()
	var bindErr error
	for attempt := 0; attempt < retry.BindRetryAttempts; attempt++ {
		bindErr = iohandler.BindInet4(fd, address.IP, int(address.Port))
		if bindErr == nil {
			break
		}
		if !errors.Is(bindErr, unix.EADDRINUSE) {
			_ = unix.Close(fd)
			return newError(BindError, bindErr.Error())
		}
		time.Sleep(retry.BindRetryInterval)
	}
	if bindErr != nil {
		_ = unix.Close(fd)
		return newError(BindError, fmt.Sprintf("bind: %s still in use after %d attempts", address.String(), retry.BindRetryAttempts))
	}

	if err := unix.Listen(fd, f.cfg.ListenBacklog); err != nil {
		_ = unix.Close(fd)
		return newError(ListenError, err.Error())
	}

	accept := func(nfd int, remote wire.Address) (*iohandler.Handle, error) {
		dispatch := defaultDispatch
		if connFactory != nil {
			if d := connFactory(remote); d != nil {
				dispatch = d
			}
		}
		h := iohandler.NewStream(nfd, remote, f.wrapDispatch(dispatch), 0)
		if err := f.pool.Assign(h, pollbackend.InterestRead); err != nil {
			return nil, err
		}
		return h, nil
	}

	lh := iohandler.NewListen(fd, address, accept, iohandler.ListenOptions{
		SndBuf:        f.cfg.AcceptSndBuf,
		RcvBuf:        f.cfg.AcceptRcvBuf,
		IsProxyMaster: func() bool { return f.cfg.IsProxyMaster },
		ProxyMapBuf:   f.proxyMapCommBuf,
	})
	if err := f.pool.Assign(lh, pollbackend.InterestRead); err != nil {
		_ = unix.Close(fd)
		return newError(PollError, err.Error())
	}
	return nil
}

// Connect allocates an outbound TCP socket, binds it to an ephemeral
// local port, and initiates a non-blocking connect (spec.md §4.7
// connect()).
func (f *CommFacade) Connect(remote wire.Address, dispatch iohandler.DispatchFunc) error {
	resolved, err := f.resolveAddress(remote)
	if err != nil {
		return err
	}

	if h, err := f.hm.Checkout(resolved); err == nil {
		f.hm.Release(h)
		return newError(AlreadyConnected, "remote already has a live stream handler", resolved.String())
	}

	fd, err := iohandler.NewNonblockingTCPSocket()
	if err != nil {
		return newError(ConnectError, err.Error())
	}
	if err := f.bindEphemeral(fd); err != nil {
		_ = unix.Close(fd)
		return newError(ConnectError, fmt.Sprintf("bind ephemeral: %v", err))
	}

	sa, err := iohandler.SockaddrFromAddress(resolved)
	if err != nil {
		_ = unix.Close(fd)
		return newError(ConnectError, err.Error())
	}

	for {
		cerr := unix.Connect(fd, sa)
		if cerr == nil || cerr == unix.EINPROGRESS {
			break
		}
		if cerr == unix.EINTR {
			time.Sleep(time.Second)
			continue
		}
		_ = unix.Close(fd)
		return newError(ConnectError, fmt.Sprintf("connect: %v", cerr))
	}

	h := iohandler.NewStream(fd, resolved, f.wrapDispatch(dispatch), 0)
	if err := f.pool.Assign(h, pollbackend.InterestRead|pollbackend.InterestWrite); err != nil {
		_ = unix.Close(fd)
		return newError(PollError, err.Error())
	}
	return nil
}

// resolveAddress translates a proxy-form address through the local
// ProxyMap (spec.md §3: "Proxy forms must be resolved through the
// proxy map before any socket operation"). Inet addresses pass
// through unchanged.
func (f *CommFacade) resolveAddress(address wire.Address) (wire.Address, error) {
	if !address.IsProxy() {
		return address, nil
	}
	resolved, ok := f.proxy.TranslateProxy(address.Proxy)
	if !ok {
		return wire.Address{}, newError(InvalidProxy, "no current binding for proxy name", address.Proxy)
	}
	return resolved, nil
}

// bindEphemeral binds fd to a free port in
// [EphemeralPortLow, EphemeralPortHigh], starting at a per-facade
// rotating offset and trying the next port on EADDRINUSE.
func (f *CommFacade) bindEphemeral(fd int) error {
	retry := f.retry.Load()
	span := int(retry.EphemeralPortHigh) - int(retry.EphemeralPortLow) + 1
	start := int(atomic.AddUint64(&f.ephemeralCursor, 1)-1) % span

	var lastErr error
	for i := 0; i < span; i++ {
		port := int(retry.EphemeralPortLow) + (start+i)%span
		err := iohandler.BindInet4(fd, nil, port)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, unix.EADDRINUSE) {
			return err
		}
	}
	return lastErr
}

// BindDatagram creates and registers a non-blocking UDP handler bound
// to local, so later SendDatagram calls can target it by address.
// Supplements spec.md §4.7: send_datagram operates "on the datagram
// handler identified by local_address", which must already exist.
func (f *CommFacade) BindDatagram(local wire.Address, dispatch iohandler.DispatchFunc) error {
	fd, err := iohandler.NewNonblockingUDPSocket()
	if err != nil {
		return newError(PollError, err.Error())
	}
	if err := iohandler.BindInet4(fd, local.IP, int(local.Port)); err != nil {
		_ = unix.Close(fd)
		return newError(PollError, err.Error())
	}
	h := iohandler.NewDatagram(fd, local, dispatch)
	if err := f.pool.Assign(h, pollbackend.InterestRead); err != nil {
		_ = unix.Close(fd)
		return newError(PollError, err.Error())
	}
	return nil
}

// SendRequest checks out the stream handler bound at address, assigns
// a request id (unless cb is nil, in which case IGNORE_RESPONSE is set
// and id 0 is used), registers the pending entry in that handler's
// owning reactor's RequestCache, and enqueues the framed message
// (spec.md §4.7 send_request()).
func (f *CommFacade) SendRequest(address wire.Address, timeoutMs uint32, payload []byte, cb reqcache.Callback) (uint32, error) {
	address, rerr := f.resolveAddress(address)
	if rerr != nil {
		return 0, rerr
	}
	h, err := f.hm.Checkout(address)
	if err != nil {
		return 0, newError(NotConnected, err.Error(), address.String())
	}
	defer f.hm.Release(h)

	r := f.pool.ReactorByID(h.ReactorID())
	if r == nil {
		return 0, newError(PollError, "handler has no owning reactor", address.String())
	}

	var reqID uint32
	flags := wire.FlagRequest
	if cb == nil {
		flags |= wire.FlagIgnoreResponse
	} else {
		reqID = r.RequestCache().NextID()
		r.RequestCache().Insert(reqID, h, cb, time.Now().Add(time.Duration(timeoutMs)*time.Millisecond))
	}

	if err := f.enqueueMessage(h, reqID, flags, timeoutMs, payload); err != nil {
		if cb != nil {
			r.RequestCache().Remove(reqID)
		}
		f.hm.Decommission(h)
		return reqID, newError(SendError, err.Error())
	}
	return reqID, nil
}

// SendResponse enqueues a response to requestID on the stream handler
// bound at address, with the REQUEST flag cleared (spec.md §4.7
// send_response()).
func (f *CommFacade) SendResponse(address wire.Address, requestID uint32, payload []byte) error {
	address, rerr := f.resolveAddress(address)
	if rerr != nil {
		return rerr
	}
	h, err := f.hm.Checkout(address)
	if err != nil {
		return newError(NotConnected, err.Error(), address.String())
	}
	defer f.hm.Release(h)

	if err := f.enqueueMessage(h, requestID, 0, 0, payload); err != nil {
		f.hm.Decommission(h)
		return newError(SendError, err.Error())
	}
	return nil
}

// SendDatagram enqueues a framed datagram addressed to address on the
// datagram handler bound at localAddress (spec.md §4.7 send_datagram()).
func (f *CommFacade) SendDatagram(address, localAddress wire.Address, payload []byte) error {
	address, rerr := f.resolveAddress(address)
	if rerr != nil {
		return rerr
	}
	h, err := f.hm.Checkout(localAddress)
	if err != nil {
		return newError(NotConnected, err.Error(), localAddress.String())
	}
	defer f.hm.Release(h)

	if h.Variant() != iohandler.VariantDatagram {
		return newError(SendError, "handler is not a datagram handler", localAddress.String())
	}

	hdr := wire.Header{
		Version:         1,
		HeaderLength:    wire.HeaderSize,
		TotalLength:     uint32(wire.HeaderSize + len(payload)),
		PayloadChecksum: wire.PayloadChecksum(payload),
	}
	hdrBuf := make([]byte, wire.HeaderSize)
	if err := hdr.Encode(hdrBuf); err != nil {
		f.hm.Decommission(h)
		return newError(SendError, err.Error())
	}
	h.EnqueueTo(address, wire.NewCommBuf(hdrBuf, payload))
	return nil
}

func (f *CommFacade) enqueueMessage(h *iohandler.Handle, requestID uint32, flags wire.Flags, timeoutMs uint32, payload []byte) error {
	hdr := wire.Header{
		Version:         1,
		HeaderLength:    wire.HeaderSize,
		Flags:           flags,
		RequestID:       requestID,
		TotalLength:     uint32(wire.HeaderSize + len(payload)),
		TimeoutMs:       timeoutMs,
		PayloadChecksum: wire.PayloadChecksum(payload),
	}
	hdrBuf := make([]byte, wire.HeaderSize)
	if err := hdr.Encode(hdrBuf); err != nil {
		return err
	}
	h.Enqueue(wire.NewCommBuf(hdrBuf, payload))
	return nil
}

// SetTimer inserts a relative timer into the dedicated timer reactor's
// TimerHeap and wakes it (spec.md §4.7 set_timer()).
func (f *CommFacade) SetTimer(durationMs uint32, cb timerheap.Callback) timerheap.Token {
	return f.SetTimerAt(time.Now().Add(time.Duration(durationMs)*time.Millisecond), cb)
}

// SetTimerAt inserts an absolute-deadline timer, the other half of
// spec.md §4.7's "duration_ms | absolute_time" set_timer contract.
func (f *CommFacade) SetTimerAt(deadline time.Time, cb timerheap.Callback) timerheap.Token {
	r := f.pool.TimerReactor()
	tok := r.Timers().Insert(deadline, cb)
	r.Interrupt()
	return tok
}

// CancelTimer best-effort cancels a previously set timer (spec.md §4.7
// cancel_timer(), realized via Token per DESIGN.md's Open Question 3).
func (f *CommFacade) CancelTimer(tok timerheap.Token) {
	f.pool.TimerReactor().Timers().Cancel(tok)
}

// Close finds the handler registered at address and decommissions it
// (spec.md §4.7 close()).
func (f *CommFacade) Close(address wire.Address) error {
	address, rerr := f.resolveAddress(address)
	if rerr != nil {
		return rerr
	}
	h, err := f.hm.Checkout(address)
	if err != nil {
		return newError(NotConnected, err.Error(), address.String())
	}
	f.hm.Decommission(h)
	f.hm.Release(h)
	return nil
}

// RegisterSocket inserts a raw handler delegating to cb, failing with
// AlreadyExists if address is already bound (spec.md §4.7
// register_socket()).
func (f *CommFacade) RegisterSocket(fd int, address wire.Address, cb iohandler.RawCallback) error {
	if h, err := f.hm.Checkout(address); err == nil {
		f.hm.Release(h)
		return newError(AlreadyExists, "address already registered", address.String())
	}
	h := iohandler.NewRaw(fd, address, cb)
	if err := f.pool.Assign(h, cb.DesiredInterest()); err != nil {
		return newError(PollError, err.Error())
	}
	return nil
}

// AddProxy binds name to address; only legal on the proxy master
// (spec.md §4.7 add_proxy()).
func (f *CommFacade) AddProxy(name, hostname string, address wire.Address) error {
	_, err := f.proxy.AddProxy(name, hostname, address)
	return f.translateProxyMasterErr(err)
}

// RemoveProxy unbinds name; only legal on the proxy master (spec.md
// §4.7 remove_proxy()).
func (f *CommFacade) RemoveProxy(name string) error {
	return f.translateProxyMasterErr(f.proxy.RemoveProxy(name))
}

func (f *CommFacade) translateProxyMasterErr(err error) error {
	if err == handlermap.ErrNotProxyMaster {
		return newError(NotProxyMaster, "proxy admin op called on non-master node")
	}
	return err
}

// TranslateProxy resolves a logical proxy name to its current address
// (spec.md §4.7 translate_proxy()).
func (f *CommFacade) TranslateProxy(name string) (wire.Address, bool) {
	return f.proxy.TranslateProxy(name)
}

// WaitForProxyLoad blocks until the proxy map has been loaded at least
// once, or done fires first (spec.md §4.7 wait_for_proxy_load()).
func (f *CommFacade) WaitForProxyLoad(done <-chan struct{}) bool {
	return f.proxy.WaitForProxyLoad(done)
}

// BroadcastProxyMapUpdate implements handlermap.Broadcaster: it frames
// diff as a PROXY_MAP_UPDATE message and enqueues it on every live
// stream handler (spec.md §4.6 "gossiped via diffs").
func (f *CommFacade) BroadcastProxyMapUpdate(diff handlermap.ProxyDiff) {
	payload := encodeProxyDiffWire(diff.Invalidated, diff.New)
	hdrBuf := f.proxyMapHeaderBytes(payload)

	f.hm.Range(func(h *iohandler.Handle) {
		if h.Variant() != iohandler.VariantStream {
			return
		}
		h.Enqueue(wire.NewCommBuf(hdrBuf, payload))
	})
}

// proxyMapCommBuf builds the full-snapshot PROXY_MAP_UPDATE message a
// listen handler pushes to a newly accepted connection (spec.md §4.9).
func (f *CommFacade) proxyMapCommBuf() *wire.CommBuf {
	payload := encodeProxyDiffWire(nil, f.proxy.Snapshot())
	return wire.NewCommBuf(f.proxyMapHeaderBytes(payload), payload)
}

func (f *CommFacade) proxyMapHeaderBytes(payload []byte) []byte {
	hdr := wire.Header{
		Version:         1,
		HeaderLength:    wire.HeaderSize,
		Flags:           wire.FlagProxyMapUpdate,
		TotalLength:     uint32(wire.HeaderSize + len(payload)),
		PayloadChecksum: wire.PayloadChecksum(payload),
	}
	hdrBuf := make([]byte, wire.HeaderSize)
	_ = hdr.Encode(hdrBuf)
	return hdrBuf
}

// wrapDispatch intercepts two kinds of delivery before (if ever)
// forwarding anything to the caller-supplied dispatch, so both are
// transparent to application code: EventProxyMapUpdate (spec.md §8
// scenario 4) and responses to a request this process itself sent
// (spec.md §4.3/§4.7 — a MESSAGE whose REQUEST flag is clear and
// whose request id is non-zero is matched against the owning
// reactor's RequestCache and delivered to the pending callback rather
// than the handler's default dispatch; a response whose request has
// already timed out finds its id absent and is forwarded to the
// caller-supplied dispatch like any other MESSAGE, per spec.md §5's
// "whichever reaches the cache first wins").
func (f *CommFacade) wrapDispatch(user iohandler.DispatchFunc) iohandler.DispatchFunc {
	return func(ev iohandler.Event) {
		switch {
		case ev.Kind == iohandler.EventProxyMapUpdate:
			f.applyReceivedProxyDiff(ev.Payload)
			return
		case ev.Kind == iohandler.EventMessage && ev.Header.RequestID != 0 && ev.Header.Flags&wire.FlagRequest == 0:
			if f.deliverResponse(ev) {
				return
			}
		}
		if user != nil {
			user(ev)
		}
	}
}

// deliverResponse looks up ev.Header.RequestID in ev.Handler's owning
// reactor's RequestCache and, if still pending, removes it and invokes
// its callback with the received payload. Reports whether it was a
// correlated response (true) so wrapDispatch does not also forward the
// event to the caller-supplied dispatch.
func (f *CommFacade) deliverResponse(ev iohandler.Event) bool {
	if ev.Handler == nil {
		return false
	}
	r := f.pool.ReactorByID(ev.Handler.ReactorID())
	if r == nil {
		return false
	}
	cb, ok := r.RequestCache().Remove(ev.Header.RequestID)
	if !ok || cb == nil {
		return false
	}
	cb(reqcache.Event{Kind: reqcache.EventMessage, RequestID: ev.Header.RequestID, Payload: ev.Payload})
	return true
}

func (f *CommFacade) applyReceivedProxyDiff(payload []byte) {
	diff, err := decodeProxyDiffWire(payload)
	if err != nil {
		f.log.Warn("malformed proxy map update payload", zap.Error(err))
		return
	}
	f.proxy.UpdateProxyMap(handlermap.ProxyDiff{Invalidated: diff.Invalidated, New: diff.New})
}
