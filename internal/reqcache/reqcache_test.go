package reqcache

import (
	"errors"
	"testing"
	"time"
)

func TestNextIDSkipsZeroOnWrap(t *testing.T) {
	c := New()
	c.nextID = ^uint32(0) // one increment away from wrapping to 0
	if got := c.NextID(); got != 1 {
		t.Fatalf("expected wrap to skip 0 and land on 1, got %d", got)
	}
}

func TestInsertRemoveDelivery(t *testing.T) {
	c := New()
	var got Event
	id := c.NextID()
	c.Insert(id, "handlerA", func(ev Event) { got = ev }, time.Now().Add(time.Hour))

	cb, ok := c.Remove(id)
	if !ok {
		t.Fatalf("expected entry present")
	}
	cb(Event{Kind: EventMessage, RequestID: id, Payload: []byte("pong")})
	if got.Kind != EventMessage || string(got.Payload) != "pong" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if c.Len() != 0 {
		t.Fatalf("expected cache empty after remove, got %d", c.Len())
	}
}

func TestRemoveMissingReturnsFalse(t *testing.T) {
	c := New()
	if _, ok := c.Remove(999); ok {
		t.Fatalf("expected missing id to report ok=false")
	}
}

func TestAdvanceExpirationsDeliversErrorInDeadlineOrder(t *testing.T) {
	c := New()
	var order []uint32
	now := time.Now()

	id1 := c.NextID()
	c.Insert(id1, "h", func(ev Event) { order = append(order, ev.RequestID) }, now.Add(-2*time.Second))
	id2 := c.NextID()
	c.Insert(id2, "h", func(ev Event) { order = append(order, ev.RequestID) }, now.Add(-1*time.Second))
	id3 := c.NextID()
	c.Insert(id3, "h", func(ev Event) { order = append(order, ev.RequestID) }, now.Add(time.Hour))

	c.AdvanceExpirations(now)

	if len(order) != 2 || order[0] != id1 || order[1] != id2 {
		t.Fatalf("unexpected expiry order: %v", order)
	}
	if c.Len() != 1 {
		t.Fatalf("expected only the non-expired entry to remain, got %d", c.Len())
	}
}

func TestAdvanceExpirationsSkipsAlreadyRemoved(t *testing.T) {
	c := New()
	called := false
	now := time.Now()
	id := c.NextID()
	c.Insert(id, "h", func(ev Event) { called = true }, now.Add(-time.Second))
	c.Remove(id)

	c.AdvanceExpirations(now)
	if called {
		t.Fatalf("callback must not fire for an entry already removed")
	}
}

func TestPurgeByHandlerDeliversBrokenConnectionToAllOwnedEntries(t *testing.T) {
	c := New()
	var delivered []uint32
	now := time.Now()

	id1 := c.NextID()
	c.Insert(id1, "victim", func(ev Event) { delivered = append(delivered, ev.RequestID) }, now.Add(time.Hour))
	id2 := c.NextID()
	c.Insert(id2, "victim", func(ev Event) { delivered = append(delivered, ev.RequestID) }, now.Add(time.Hour))
	id3 := c.NextID()
	c.Insert(id3, "other", func(ev Event) { delivered = append(delivered, ev.RequestID) }, now.Add(time.Hour))

	errBroken := errors.New("broken connection")
	c.PurgeByHandler("victim", errBroken)

	if len(delivered) != 2 {
		t.Fatalf("expected exactly the two victim-owned entries notified, got %v", delivered)
	}
	if c.Len() != 1 {
		t.Fatalf("expected only the other-owned entry to remain, got %d", c.Len())
	}
}

func TestDuplicateInsertPanics(t *testing.T) {
	c := New()
	id := c.NextID()
	c.Insert(id, "h", nil, time.Now().Add(time.Hour))
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate id insert")
		}
	}()
	c.Insert(id, "h", nil, time.Now().Add(time.Hour))
}

func TestNextDeadlineReportsHeadOfInsertionOrder(t *testing.T) {
	// RequestCache uses an insertion-ordered list, not a deadline-sorted
	// one (spec.md §3/§4.3): NextDeadline reports the head of that
	// list, which is the earliest-inserted live entry.
	c := New()
	if _, ok := c.NextDeadline(); ok {
		t.Fatalf("expected no deadline on empty cache")
	}
	now := time.Now()
	id1 := c.NextID()
	c.Insert(id1, "h", nil, now.Add(1*time.Second))
	id2 := c.NextID()
	c.Insert(id2, "h", nil, now.Add(2*time.Second))

	d, ok := c.NextDeadline()
	if !ok || !d.Equal(now.Add(time.Second)) {
		t.Fatalf("expected head-of-queue deadline, got %v ok=%v", d, ok)
	}

	c.Remove(id1)
	d, ok = c.NextDeadline()
	if !ok || !d.Equal(now.Add(2*time.Second)) {
		t.Fatalf("expected next head deadline after removal, got %v ok=%v", d, ok)
	}
}
