//go:build unix

package iohandler

import (
	"testing"

	"github.com/momentics/asynccomm/internal/pollbackend"
	"github.com/momentics/asynccomm/wire"
)

type fakeRawCallback struct {
	calls   int
	close   bool
	want    pollbackend.Interest
}

func (f *fakeRawCallback) HandleEvent(fd int, events pollbackend.EventMask) bool {
	f.calls++
	return f.close
}

func (f *fakeRawCallback) DesiredInterest() pollbackend.Interest { return f.want }

func TestRawDelegatesToCallback(t *testing.T) {
	cb := &fakeRawCallback{want: pollbackend.InterestRead}
	h := NewRaw(3, wire.Address{}, cb)

	if closeNow := h.HandleEvent(pollbackend.EventRead); closeNow {
		t.Fatalf("unexpected close")
	}
	if cb.calls != 1 {
		t.Fatalf("expected callback invoked once, got %d", cb.calls)
	}
}

func TestRawReconcilesInterestAfterCallback(t *testing.T) {
	cb := &fakeRawCallback{want: pollbackend.InterestRead}
	h := NewRaw(3, wire.Address{}, cb)

	cb.want = pollbackend.InterestRead | pollbackend.InterestWrite
	h.HandleEvent(pollbackend.EventRead)
	if h.Interest() != pollbackend.InterestRead|pollbackend.InterestWrite {
		t.Fatalf("expected interest updated to %v, got %v", pollbackend.InterestRead|pollbackend.InterestWrite, h.Interest())
	}
}

func TestRawCloseRequestedPropagates(t *testing.T) {
	cb := &fakeRawCallback{close: true}
	h := NewRaw(3, wire.Address{}, cb)

	if closeNow := h.HandleEvent(pollbackend.EventRead); !closeNow {
		t.Fatalf("expected close propagated")
	}
}
