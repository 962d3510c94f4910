//go:build unix

// File: reactor/reactorpool.go
// Author: momentics <momentics@gmail.com>
//
// ReactorPool owns N I/O reactors plus one dedicated timer reactor
// (spec.md §5), assigning handlers to I/O reactors round-robin and
// routing every user-facing set_timer/cancel_timer call to the
// dedicated reactor's TimerHeap.

package reactor

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/momentics/asynccomm/internal/handlermap"
	"github.com/momentics/asynccomm/internal/iohandler"
	"github.com/momentics/asynccomm/internal/pollbackend"
)

// ReactorPool runs n I/O reactors and one dedicated timer reactor, all
// sharing a single HandlerMap. ReactorPool itself implements
// handlermap.Remover, routing each removal to the I/O reactor that
// owns the handler (tracked via iohandler.Handle.ReactorID) rather
// than any single reactor, since handlers are spread round-robin
// across the pool.
type ReactorPool struct {
	io    []*Reactor
	timer *Reactor
	hm    *handlermap.HandlerMap

	next uint64 // round-robin cursor, atomic
}

// NewPool constructs n I/O reactors and one dedicated timer reactor,
// all using mechanism for their poll backend, and the HandlerMap they
// share (whose Remover is this pool itself).
func NewPool(n int, mechanism pollbackend.Mechanism, log *zap.Logger) (*ReactorPool, error) {
	if n < 1 {
		return nil, fmt.Errorf("reactor: pool size must be at least 1, got %d", n)
	}

	io := make([]*Reactor, n)
	for i := range io {
		r, err := New(i, mechanism, log)
		if err != nil {
			for _, created := range io[:i] {
				_ = created.Close()
			}
			return nil, fmt.Errorf("reactor: construct io reactor %d: %w", i, err)
		}
		io[i] = r
	}

	timer, err := New(n, mechanism, log)
	if err != nil {
		for _, created := range io {
			_ = created.Close()
		}
		return nil, fmt.Errorf("reactor: construct timer reactor: %w", err)
	}

	p := &ReactorPool{io: io, timer: timer}
	p.hm = handlermap.New(p)
	return p, nil
}

// HandlerMap returns the pool's shared HandlerMap.
func (p *ReactorPool) HandlerMap() *handlermap.HandlerMap { return p.hm }

// ScheduleRemoval implements handlermap.Remover, routing to the I/O
// reactor that owns h. A handler never assigned to a reactor (should
// not happen in practice) falls back to reactor 0.
func (p *ReactorPool) ScheduleRemoval(h *iohandler.Handle) {
	r := p.ReactorByID(h.ReactorID())
	if r == nil {
		r = p.io[0]
	}
	r.ScheduleRemoval(h)
}

// Start launches every reactor's loop in its own goroutine.
func (p *ReactorPool) Start() {
	for _, r := range p.io {
		go r.Run(p.hm)
	}
	go p.timer.Run(p.hm)
}

// Stop signals every reactor to exit its loop and waits for all of them.
func (p *ReactorPool) Stop() {
	for _, r := range p.io {
		r.Stop()
	}
	p.timer.Stop()
}

// Close releases every reactor's backend and self-pipe. Call only
// after Stop has returned.
func (p *ReactorPool) Close() error {
	var firstErr error
	for _, r := range p.io {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.timer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// TimerReactor returns the dedicated reactor whose TimerHeap backs
// CommFacade.SetTimer/CancelTimer.
func (p *ReactorPool) TimerReactor() *Reactor { return p.timer }

// Assign picks the next I/O reactor round-robin and registers h with
// it under the given poll interest.
func (p *ReactorPool) Assign(h *iohandler.Handle, interest pollbackend.Interest) error {
	idx := atomic.AddUint64(&p.next, 1) % uint64(len(p.io))
	r := p.io[idx]
	if err := r.RegisterHandler(h, interest); err != nil {
		return err
	}
	p.hm.Insert(h)
	return nil
}

// ReactorByID returns the I/O reactor with the given index, or nil if out of range.
func (p *ReactorPool) ReactorByID(id int) *Reactor {
	if id < 0 || id >= len(p.io) {
		return nil
	}
	return p.io[id]
}

// IOReactors returns the pool's fixed set of I/O reactors, for callers
// that need to aggregate per-reactor state (e.g. control.Sizers summing
// RequestCache occupancy for metrics export). The dedicated timer
// reactor is not included; use TimerReactor for that.
func (p *ReactorPool) IOReactors() []*Reactor {
	out := make([]*Reactor, len(p.io))
	copy(out, p.io)
	return out
}
