//go:build unix

package pollbackend

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestPollGenericReportsReadability(t *testing.T) {
	fds, err := unixSocketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	b, err := newPollGeneric()
	if err != nil {
		t.Fatalf("newPollGeneric: %v", err)
	}
	defer b.Close()

	if err := b.Add(fds[0], InterestRead); err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := unix.Write(fds[1], []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	events, err := b.Wait(Until(time.Now(), time.Now().Add(time.Second)))
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(events) != 1 || events[0].Fd != fds[0] || events[0].Events&EventRead == 0 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestPollGenericShrinksOnLargestFdRemoved(t *testing.T) {
	fds, err := unixSocketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	b := &pollGenericBackend{}
	if err := b.Add(fds[0], InterestRead); err != nil {
		t.Fatalf("add: %v", err)
	}
	before := len(b.fds)
	if err := b.Remove(fds[0]); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(b.fds) >= before {
		t.Fatalf("expected vector to shrink: before=%d after=%d", before, len(b.fds))
	}
}

func unixSocketpair() ([2]int, error) {
	return unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
}
