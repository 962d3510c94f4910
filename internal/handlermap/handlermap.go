//go:build unix

// File: internal/handlermap/handlermap.go
// Author: momentics <momentics@gmail.com>
//
// HandlerMap is the single registry of live IoHandlers, keyed by
// address (and optionally a secondary alias), with the two-phase
// decommission/purge lifecycle of spec.md §4.6. One lock serializes
// every operation below — the same leaf-lock discipline the teacher
// uses for its own shared maps (control/config.go's ConfigStore).

package handlermap

import (
	"errors"
	"sync"

	"github.com/momentics/asynccomm/internal/iohandler"
	"github.com/momentics/asynccomm/wire"
)

// ErrNotConnected is returned by Checkout when no handler is bound to the requested address.
var ErrNotConnected = errors.New("handlermap: not connected")

// ErrConflictingAddress is returned by SetAlias when the alias is already bound to a different handler.
var ErrConflictingAddress = errors.New("handlermap: conflicting address")

// Remover is the owning Reactor's removal-scheduling mechanism,
// invoked by Release when a decommissioned handler's refcount hits
// zero (spec.md §4.6).
type Remover interface {
	ScheduleRemoval(h *iohandler.Handle)
}

// HandlerMap registers live handlers keyed by primary address and an
// optional secondary alias, plus the decommissioned set used to drive
// graceful shutdown.
type HandlerMap struct {
	mu sync.Mutex

	byAddress map[string]*iohandler.Handle
	byAlias   map[string]*iohandler.Handle

	decommissioned map[*iohandler.Handle]struct{}
	emptyCond      *sync.Cond

	remover Remover

	onDecommission func()
}

// SetDecommissionHook installs a callback invoked once per
// Decommission call, used by control.Exporter.IncDecommission to feed
// the Prometheus counter (SPEC_FULL.md §3 "Metrics"). Passing nil
// disables it.
func (hm *HandlerMap) SetDecommissionHook(hook func()) {
	hm.mu.Lock()
	hm.onDecommission = hook
	hm.mu.Unlock()
}

// New builds an empty HandlerMap. remover receives handlers whose
// refcount reaches zero after decommission.
func New(remover Remover) *HandlerMap {
	hm := &HandlerMap{
		byAddress:      make(map[string]*iohandler.Handle),
		byAlias:        make(map[string]*iohandler.Handle),
		decommissioned: make(map[*iohandler.Handle]struct{}),
		remover:        remover,
	}
	hm.emptyCond = sync.NewCond(&hm.mu)
	return hm
}

// Insert registers h under its primary address and does nothing else;
// on a proxy master, the proxy-map-update enqueue for a newly accepted
// connection is done by the iohandler listen handler after its accept
// factory returns, since HandlerMap has no knowledge of proxy state.
func (hm *HandlerMap) Insert(h *iohandler.Handle) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.byAddress[h.Address().String()] = h
}

// Checkout returns h with its refcount incremented. Fails with
// ErrNotConnected if absent or already decommissioned.
func (hm *HandlerMap) Checkout(addr wire.Address) (*iohandler.Handle, error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	h, ok := hm.lookupLocked(addr)
	if !ok || h.Decommissioned() {
		return nil, ErrNotConnected
	}
	h.IncRef()
	return h, nil
}

func (hm *HandlerMap) lookupLocked(addr wire.Address) (*iohandler.Handle, bool) {
	key := addr.String()
	if h, ok := hm.byAddress[key]; ok {
		return h, true
	}
	h, ok := hm.byAlias[key]
	return h, ok
}

// Release decrements h's refcount. If it reaches zero and h is
// decommissioned, h is handed to the owning Reactor's removal
// mechanism for purge.
func (hm *HandlerMap) Release(h *iohandler.Handle) {
	remaining := h.DecRef()
	if remaining != 0 || !h.Decommissioned() {
		return
	}
	if hm.remover != nil {
		hm.remover.ScheduleRemoval(h)
	}
}

// SetAlias registers a second lookup key resolving to the handler
// currently bound at primary. Fails with ErrConflictingAddress if
// alias already names a different handler.
func (hm *HandlerMap) SetAlias(primary, alias wire.Address) error {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	h, ok := hm.byAddress[primary.String()]
	if !ok {
		return ErrNotConnected
	}
	key := alias.String()
	if existing, ok := hm.byAlias[key]; ok && existing != h {
		return ErrConflictingAddress
	}
	hm.byAlias[key] = h
	h.SetAlias(alias)
	return nil
}

// Decommission removes h from both lookup maps, marks it
// decommissioned, and — if its refcount is already zero — schedules
// immediate removal.
func (hm *HandlerMap) Decommission(h *iohandler.Handle) {
	hm.mu.Lock()
	delete(hm.byAddress, h.Address().String())
	if alias, ok := h.Alias(); ok {
		delete(hm.byAlias, alias.String())
	}
	h.MarkDecommissioned()
	hm.decommissioned[h] = struct{}{}
	hook := hm.onDecommission
	hm.mu.Unlock()

	if hook != nil {
		hook()
	}
	if h.RefCount() == 0 && hm.remover != nil {
		hm.remover.ScheduleRemoval(h)
	}
}

// DecommissionAll sweeps every registered handler; used at shutdown.
func (hm *HandlerMap) DecommissionAll() {
	hm.mu.Lock()
	all := make([]*iohandler.Handle, 0, len(hm.byAddress))
	for _, h := range hm.byAddress {
		all = append(all, h)
	}
	hm.mu.Unlock()

	for _, h := range all {
		hm.Decommission(h)
	}
}

// WaitEmpty blocks until the decommissioned set is empty.
func (hm *HandlerMap) WaitEmpty() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	for len(hm.decommissioned) > 0 {
		hm.emptyCond.Wait()
	}
}

// Purge is invoked by a Reactor once it has physically torn h down.
// Preconditions: h is in the decommissioned set and has refcount zero.
func (hm *HandlerMap) Purge(h *iohandler.Handle) {
	hm.mu.Lock()
	if _, ok := hm.decommissioned[h]; !ok {
		hm.mu.Unlock()
		panic("handlermap: purge of handler not in decommissioned set")
	}
	if h.RefCount() != 0 {
		hm.mu.Unlock()
		panic("handlermap: purge of handler with nonzero refcount")
	}
	delete(hm.decommissioned, h)
	empty := len(hm.decommissioned) == 0
	hm.mu.Unlock()

	if empty {
		hm.emptyCond.Broadcast()
	}

	h.Disconnect()
}

// Len reports the number of handlers currently registered by primary address.
func (hm *HandlerMap) Len() int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return len(hm.byAddress)
}

// Range invokes fn once per handler currently registered by primary
// address, on a snapshot taken under the lock (fn itself runs
// unlocked, e.g. comm.CommFacade's proxy-map broadcast walk).
func (hm *HandlerMap) Range(fn func(h *iohandler.Handle)) {
	hm.mu.Lock()
	all := make([]*iohandler.Handle, 0, len(hm.byAddress))
	for _, h := range hm.byAddress {
		all = append(all, h)
	}
	hm.mu.Unlock()

	for _, h := range all {
		fn(h)
	}
}
