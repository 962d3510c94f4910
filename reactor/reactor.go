//go:build unix

// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Reactor is one poll loop bound to one OS thread (a goroutine pinned
// via runtime.LockOSThread), running the six-step cycle of spec.md
// §4.2 over a PollBackend, a RequestCache, and a TimerHeap.

package reactor

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/asynccomm/internal/handlermap"
	"github.com/momentics/asynccomm/internal/iohandler"
	"github.com/momentics/asynccomm/internal/pollbackend"
	"github.com/momentics/asynccomm/internal/reqcache"
	"github.com/momentics/asynccomm/internal/selfpipe"
	"github.com/momentics/asynccomm/internal/timerheap"
)

// watchdogInterval is the schedule-removal watchdog of spec.md §4.4:
// a 200ms ceiling on how long step 6 can go unvisited even if no other
// event fires.
const watchdogInterval = 200 * time.Millisecond

// Reactor owns one PollBackend, one RequestCache, one TimerHeap, and
// the self-pipe wakeup mechanism, and runs the loop of spec.md §4.2.
type Reactor struct {
	id      int
	backend pollbackend.Backend
	pipe    *selfpipe.SelfPipe
	reqs    *reqcache.Cache
	timers  *timerheap.Heap
	log     *zap.Logger

	handlersMu sync.Mutex
	byFd       map[int]*iohandler.Handle

	removalMu sync.Mutex
	removal   []*iohandler.Handle

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	waitHook func(time.Duration)
}

// New constructs a Reactor with a fresh self-pipe and the requested
// poll mechanism, registering the self-pipe for read.
func New(id int, mechanism pollbackend.Mechanism, log *zap.Logger) (*Reactor, error) {
	backend, err := pollbackend.Select(mechanism)
	if err != nil {
		return nil, fmt.Errorf("reactor: select backend: %w", err)
	}
	pipe, err := selfpipe.New()
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("reactor: new selfpipe: %w", err)
	}
	if err := backend.Add(pipe.Fd(), pollbackend.InterestRead); err != nil {
		_ = pipe.Close()
		_ = backend.Close()
		return nil, fmt.Errorf("reactor: register selfpipe: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Reactor{
		id:      id,
		backend: backend,
		pipe:    pipe,
		reqs:    reqcache.New(),
		timers:  timerheap.New(),
		log:     log.With(zap.Int("reactor_id", id), zap.String("backend", backend.Name())),
		byFd:    make(map[int]*iohandler.Handle),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// ID reports this Reactor's index within its owning pool.
func (r *Reactor) ID() int { return r.id }

// SetWaitLatencyHook installs a callback invoked with the observed
// duration of each PollBackend.Wait call, used by
// control.Exporter.ObserveWaitLatency to feed the Prometheus
// histogram (SPEC_FULL.md §3 "Metrics"). Passing nil disables it.
func (r *Reactor) SetWaitLatencyHook(hook func(time.Duration)) { r.waitHook = hook }

// RequestCache exposes the per-Reactor request correlation table, used
// by comm.CommFacade's send_request path.
func (r *Reactor) RequestCache() *reqcache.Cache { return r.reqs }

// Timers exposes the per-Reactor timer heap. The dedicated timer
// reactor in a ReactorPool is the only one comm.CommFacade ever
// inserts user timers into; every reactor still runs its own watchdog
// timer to drive step 6.
func (r *Reactor) Timers() *timerheap.Heap { return r.timers }

// Interrupt wakes this Reactor's blocked Wait call. Safe from any
// goroutine; collapses concurrent interrupts per spec.md §4.2.
func (r *Reactor) Interrupt() {
	if err := r.pipe.Interrupt(); err != nil {
		r.log.Warn("interrupt failed", zap.Error(err))
	}
}

// RegisterHandler binds h to this Reactor (backend + interrupt path)
// and adds its fd to the poll backend with the given interest.
func (r *Reactor) RegisterHandler(h *iohandler.Handle, interest pollbackend.Interest) error {
	h.Bind(r.backend, r.Interrupt, r.id)
	if err := r.backend.Add(h.Fd(), interest); err != nil {
		return fmt.Errorf("reactor: add handler fd=%d: %w", h.Fd(), err)
	}
	r.handlersMu.Lock()
	r.byFd[h.Fd()] = h
	r.handlersMu.Unlock()
	return nil
}

// ScheduleRemoval implements handlermap.Remover: a handler whose
// refcount reached zero after decommission is queued for step 6's
// physical teardown on this Reactor's next loop iteration.
func (r *Reactor) ScheduleRemoval(h *iohandler.Handle) {
	r.removalMu.Lock()
	r.removal = append(r.removal, h)
	r.removalMu.Unlock()
	r.Interrupt()
}

// armWatchdog installs a one-shot timer that, on firing, re-arms
// itself — a self-rescheduling watchdog keeping step 6 visited every
// watchdogInterval even when nothing else wakes the loop.
func (r *Reactor) armWatchdog(from time.Time) {
	r.timers.Insert(from.Add(watchdogInterval), func(deadline time.Time) {
		r.armWatchdog(deadline)
	})
}

// Run executes the six-step loop of spec.md §4.2 until Stop is called.
// hm is consulted in step 6 to physically purge removed handlers.
func (r *Reactor) Run(hm *handlermap.HandlerMap) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.doneCh)

	r.armWatchdog(time.Now())

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		// step 1: compute wait_until
		reqDeadline, reqOK := r.reqs.NextDeadline()
		timerDeadline, timerOK := r.timers.NextDeadline()
		var deadlines []time.Time
		if reqOK {
			deadlines = append(deadlines, reqDeadline)
		}
		if timerOK {
			deadlines = append(deadlines, timerDeadline)
		}
		timeout := pollbackend.Min(time.Now(), deadlines...)

		// step 2: block in PollBackend.Wait
		waitStart := time.Now()
		events, err := r.backend.Wait(timeout)
		now := time.Now()
		if r.waitHook != nil {
			r.waitHook(now.Sub(waitStart))
		}
		if err != nil {
			r.log.Error("poll wait failed", zap.Error(err))
			continue
		}

		// step 3: dispatch ready events
		for _, ev := range events {
			if ev.Fd == r.pipe.Fd() {
				if err := r.pipe.Drain(); err != nil {
					r.log.Warn("selfpipe drain failed", zap.Error(err))
				}
				continue
			}

			r.handlersMu.Lock()
			h := r.byFd[ev.Fd]
			r.handlersMu.Unlock()
			if h == nil || h.Decommissioned() {
				continue
			}

			closeNow := func() (closeNow bool) {
				defer func() {
					if p := recover(); p != nil {
						r.log.Error("handler dispatch panicked", zap.Int("fd", ev.Fd), zap.Any("panic", p))
						closeNow = true
					}
				}()
				return h.HandleEvent(ev.Events)
			}()
			if closeNow {
				hm.Decommission(h)
			}
		}

		// step 4: RequestCache expirations
		r.reqs.AdvanceExpirations(now)

		// step 5: TimerHeap expirations (the watchdog re-arms itself here if it fired)
		r.timers.Advance(now)

		// step 6: drain scheduled-for-removal set
		r.drainRemovals(hm)
	}
}

func (r *Reactor) drainRemovals(hm *handlermap.HandlerMap) {
	r.removalMu.Lock()
	pending := r.removal
	r.removal = nil
	r.removalMu.Unlock()

	for _, h := range pending {
		r.reqs.PurgeByHandler(h, fmt.Errorf("reactor: broken connection"))

		if err := r.backend.Remove(h.Fd()); err != nil {
			r.log.Debug("remove from backend failed", zap.Int("fd", h.Fd()), zap.Error(err))
		}
		r.handlersMu.Lock()
		delete(r.byFd, h.Fd())
		r.handlersMu.Unlock()

		hm.Purge(h)
		_ = h.Close()
	}
}

// Stop signals the loop to exit after its current iteration and blocks
// until it has.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.Interrupt()
	})
	<-r.doneCh
}

// Close releases the backend and self-pipe. Call only after Stop has returned.
func (r *Reactor) Close() error {
	if err := r.pipe.Close(); err != nil {
		return err
	}
	return r.backend.Close()
}
