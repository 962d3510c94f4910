//go:build unix

package handlermap

import (
	"testing"

	"github.com/momentics/asynccomm/internal/iohandler"
)

type fakeBroadcaster struct {
	diffs []ProxyDiff
}

func (f *fakeBroadcaster) BroadcastProxyMapUpdate(diff ProxyDiff) {
	f.diffs = append(f.diffs, diff)
}

func TestAddProxyBindsAndBroadcasts(t *testing.T) {
	hm := New(&fakeRemover{})
	h := iohandler.NewStream(3, addr(1), func(iohandler.Event) {}, 0)
	hm.Insert(h)

	bc := &fakeBroadcaster{}
	pm := NewProxyMap(true, hm, bc)

	diff, err := pm.AddProxy("rs1", "host1", addr(1))
	if err != nil {
		t.Fatalf("add proxy: %v", err)
	}
	if len(diff.New) != 1 {
		t.Fatalf("expected one new binding, got %d", len(diff.New))
	}
	if len(bc.diffs) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(bc.diffs))
	}

	got, ok := pm.TranslateProxy("rs1")
	if !ok || !got.Equal(addr(1)) {
		t.Fatalf("unexpected translation: %+v ok=%v", got, ok)
	}
	if name, ok := h.ProxyName(); !ok || name != "rs1" {
		t.Fatalf("expected handler proxy name set, got %q ok=%v", name, ok)
	}
}

func TestAddProxyRebindingInvalidatesOld(t *testing.T) {
	hm := New(&fakeRemover{})
	h1 := iohandler.NewStream(3, addr(1), func(iohandler.Event) {}, 0)
	h2 := iohandler.NewStream(4, addr(2), func(iohandler.Event) {}, 0)
	hm.Insert(h1)
	hm.Insert(h2)

	pm := NewProxyMap(true, hm, nil)
	if _, err := pm.AddProxy("rs1", "host1", addr(1)); err != nil {
		t.Fatalf("add proxy: %v", err)
	}
	diff, err := pm.AddProxy("rs1", "host1", addr(2))
	if err != nil {
		t.Fatalf("rebind proxy: %v", err)
	}
	if _, ok := diff.Invalidated[addr(1).String()]; !ok {
		t.Fatalf("expected old address invalidated")
	}
	if name, ok := h1.ProxyName(); ok && name == "rs1" {
		t.Fatalf("expected old handler's proxy name cleared")
	}
}

func TestAddProxyNotMasterFails(t *testing.T) {
	pm := NewProxyMap(false, nil, nil)
	if _, err := pm.AddProxy("rs1", "host1", addr(1)); err != ErrNotProxyMaster {
		t.Fatalf("expected ErrNotProxyMaster, got %v", err)
	}
}

func TestWaitForProxyLoadUnblocksOnUpdate(t *testing.T) {
	pm := NewProxyMap(false, nil, nil)
	done := make(chan struct{})

	result := make(chan bool, 1)
	go func() { result <- pm.WaitForProxyLoad(done) }()

	pm.UpdateProxyMap(ProxyDiff{New: map[string]string{addr(1).String(): "rs1"}})

	if !<-result {
		t.Fatalf("expected WaitForProxyLoad to report true")
	}
}

func TestWaitForProxyLoadUnblocksOnDone(t *testing.T) {
	pm := NewProxyMap(false, nil, nil)
	done := make(chan struct{})
	close(done)

	if pm.WaitForProxyLoad(done) {
		t.Fatalf("expected WaitForProxyLoad to report false when done fires first")
	}
}
