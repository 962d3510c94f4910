//go:build unix

// File: internal/handlermap/proxymap.go
// Author: momentics <momentics@gmail.com>
//
// ProxyMap is the logical-name indirection layer of spec.md §4.6: a
// name resolves to a resolved address, with diffs gossiped to every
// stream handler on update.

package handlermap

import (
	"fmt"
	"sync"

	"github.com/momentics/asynccomm/internal/iohandler"
	"github.com/momentics/asynccomm/wire"
)

// ErrNotProxyMaster is returned by proxy-admin operations invoked off the master.
var ErrNotProxyMaster = fmt.Errorf("handlermap: not the proxy master")

// ProxyDiff is the set of changes produced by AddProxy: addresses
// whose proxy binding was cleared, and addresses that gained one.
type ProxyDiff struct {
	Invalidated map[string]string // address string -> name cleared
	New         map[string]string // address string -> name assigned
}

// Broadcaster pushes a proxy-map diff out to every live stream
// handler, used by AddProxy once the local map is updated.
type Broadcaster interface {
	BroadcastProxyMapUpdate(diff ProxyDiff)
}

// ProxyMap tracks the name->address bindings and, on the master,
// arbitrates updates.
type ProxyMap struct {
	mu        sync.RWMutex
	isMaster  bool
	nameToAddr map[string]wire.Address
	addrToName map[string]string

	handlers    *HandlerMap
	broadcaster Broadcaster

	loaded   bool
	loadedCh chan struct{}

	onUpdate func()
}

// SetUpdateHook installs a callback invoked once per applied
// generation change (master AddProxy/RemoveProxy or a received
// UpdateProxyMap), used by control.Exporter.IncProxyMapUpdate
// (SPEC_FULL.md §3 "Metrics"). Passing nil disables it.
func (pm *ProxyMap) SetUpdateHook(hook func()) {
	pm.mu.Lock()
	pm.onUpdate = hook
	pm.mu.Unlock()
}

// NewProxyMap builds a ProxyMap. isMaster marks this node as the sole
// authority allowed to call AddProxy/RemoveProxy.
func NewProxyMap(isMaster bool, handlers *HandlerMap, broadcaster Broadcaster) *ProxyMap {
	return &ProxyMap{
		isMaster:    isMaster,
		nameToAddr:  make(map[string]wire.Address),
		addrToName:  make(map[string]string),
		handlers:    handlers,
		broadcaster: broadcaster,
		loadedCh:    make(chan struct{}),
	}
}

// AddProxy binds name to address, only legal on the proxy master. It
// computes invalidated/new diffs, applies them to any handler
// currently bound to the affected addresses, and broadcasts the diff
// as a PROXY_MAP_UPDATE message on every registered stream handler.
func (pm *ProxyMap) AddProxy(name, hostname string, address wire.Address) (ProxyDiff, error) {
	if !pm.isMaster {
		return ProxyDiff{}, ErrNotProxyMaster
	}

	pm.mu.Lock()
	diff := ProxyDiff{Invalidated: map[string]string{}, New: map[string]string{}}

	if oldAddr, ok := pm.nameToAddr[name]; ok {
		delete(pm.addrToName, oldAddr.String())
		diff.Invalidated[oldAddr.String()] = name
	}
	if oldName, ok := pm.addrToName[address.String()]; ok && oldName != name {
		if oldAddr, ok2 := pm.nameToAddr[oldName]; ok2 {
			diff.Invalidated[oldAddr.String()] = oldName
		}
		delete(pm.nameToAddr, oldName)
	}

	pm.nameToAddr[name] = address
	pm.addrToName[address.String()] = name
	diff.New[address.String()] = name
	pm.mu.Unlock()

	pm.applyDiffToHandlers(diff)

	if pm.broadcaster != nil {
		pm.broadcaster.BroadcastProxyMapUpdate(diff)
	}
	if pm.onUpdate != nil {
		pm.onUpdate()
	}
	return diff, nil
}

// RemoveProxy unbinds name, only legal on the proxy master.
func (pm *ProxyMap) RemoveProxy(name string) error {
	if !pm.isMaster {
		return ErrNotProxyMaster
	}

	pm.mu.Lock()
	addr, ok := pm.nameToAddr[name]
	if !ok {
		pm.mu.Unlock()
		return nil
	}
	delete(pm.nameToAddr, name)
	delete(pm.addrToName, addr.String())
	pm.mu.Unlock()

	diff := ProxyDiff{Invalidated: map[string]string{addr.String(): name}, New: map[string]string{}}
	pm.applyDiffToHandlers(diff)
	if pm.broadcaster != nil {
		pm.broadcaster.BroadcastProxyMapUpdate(diff)
	}
	if pm.onUpdate != nil {
		pm.onUpdate()
	}
	return nil
}

func (pm *ProxyMap) applyDiffToHandlers(diff ProxyDiff) {
	if pm.handlers == nil {
		return
	}
	for addrStr := range diff.Invalidated {
		if h, ok := pm.handlers.byAddress[addrStr]; ok {
			h.SetProxyName("")
		}
	}
	for addrStr, name := range diff.New {
		if h, ok := pm.handlers.byAddress[addrStr]; ok {
			h.SetProxyName(name)
		}
	}
}

// UpdateProxyMap is the non-master receiving side: it rebuilds the
// local map from a decoded diff payload, records that proxies have
// been loaded, and wakes anyone blocked in WaitForProxyLoad.
func (pm *ProxyMap) UpdateProxyMap(diff ProxyDiff) {
	pm.mu.Lock()
	for addrStr, name := range diff.Invalidated {
		if pm.addrToName[addrStr] == name {
			delete(pm.addrToName, addrStr)
			delete(pm.nameToAddr, name)
		}
	}
	for addrStr, name := range diff.New {
		addr, err := wire.ParseInet(addrStr)
		if err != nil {
			continue
		}
		pm.addrToName[addrStr] = name
		pm.nameToAddr[name] = addr
	}
	firstLoad := !pm.loaded
	pm.loaded = true
	hook := pm.onUpdate
	pm.mu.Unlock()
	if firstLoad {
		close(pm.loadedCh)
	}
	if hook != nil {
		hook()
	}
}

// Snapshot returns the current address-string->name bindings, used by
// comm.CommFacade to push the full map to a newly accepted connection
// and to seed a broadcast payload.
func (pm *ProxyMap) Snapshot() map[string]string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make(map[string]string, len(pm.addrToName))
	for k, v := range pm.addrToName {
		out[k] = v
	}
	return out
}

// TranslateProxy resolves name to its current address, if bound.
func (pm *ProxyMap) TranslateProxy(name string) (wire.Address, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	addr, ok := pm.nameToAddr[name]
	return addr, ok
}

// WaitForProxyLoad blocks until at least one proxy-map update has been
// applied, or the done channel fires, whichever happens first.
// Returns true if the map was loaded before done fired.
func (pm *ProxyMap) WaitForProxyLoad(done <-chan struct{}) bool {
	select {
	case <-pm.loadedCh:
		return true
	case <-done:
		return false
	}
}
