//go:build unix

package reactor

import (
	"testing"
	"time"

	"github.com/momentics/asynccomm/internal/handlermap"
	"github.com/momentics/asynccomm/internal/iohandler"
	"github.com/momentics/asynccomm/internal/pollbackend"
	"github.com/momentics/asynccomm/wire"
	"golang.org/x/sys/unix"
)

func newTestReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New(0, pollbackend.Auto, nil)
	if err != nil {
		t.Fatalf("new reactor: %v", err)
	}
	return r
}

func TestReactorDeliversMessageAndStops(t *testing.T) {
	r := newTestReactor(t)
	hm := handlermap.New(r)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	for _, fd := range fds {
		_ = unix.SetNonblock(fd, true)
	}
	defer unix.Close(fds[1])

	delivered := make(chan struct{}, 1)
	h := iohandler.NewStream(fds[0], wire.Address{}, func(ev iohandler.Event) {
		if ev.Kind == iohandler.EventMessage {
			delivered <- struct{}{}
		}
	}, 0)
	if err := r.RegisterHandler(h, pollbackend.InterestRead); err != nil {
		t.Fatalf("register: %v", err)
	}
	hm.Insert(h)

	go r.Run(hm)
	defer r.Close()
	defer r.Stop()

	hdr := make([]byte, wire.HeaderSize)
	(&wire.Header{Version: 1, HeaderLength: wire.HeaderSize, TotalLength: wire.HeaderSize + 2}).Encode(hdr)
	if _, err := unix.Write(fds[1], append(hdr, []byte("hi")...)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("message never delivered")
	}
}

func TestReactorInterruptWakesIdleWait(t *testing.T) {
	r := newTestReactor(t)
	hm := handlermap.New(r)

	go r.Run(hm)
	defer r.Close()

	r.Interrupt()
	time.Sleep(50 * time.Millisecond)
	r.Stop()
}

func TestReactorPurgesDecommissionedHandler(t *testing.T) {
	r := newTestReactor(t)
	hm := handlermap.New(r)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	for _, fd := range fds {
		_ = unix.SetNonblock(fd, true)
	}

	disconnected := make(chan struct{}, 1)
	h := iohandler.NewStream(fds[0], wire.Address{}, func(ev iohandler.Event) {
		if ev.Kind == iohandler.EventDisconnect {
			disconnected <- struct{}{}
		}
	}, 0)
	if err := r.RegisterHandler(h, pollbackend.InterestRead); err != nil {
		t.Fatalf("register: %v", err)
	}
	hm.Insert(h)

	go r.Run(hm)
	defer r.Close()
	defer r.Stop()

	unix.Close(fds[1]) // peer closes -> stream handler sees EOF, Reactor decommissions it

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatalf("disconnect never fired")
	}
	if hm.Len() != 0 {
		t.Fatalf("expected handler removed from map, Len=%d", hm.Len())
	}
}
