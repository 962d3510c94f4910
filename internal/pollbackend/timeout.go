// File: internal/pollbackend/timeout.go
// Author: momentics <momentics@gmail.com>
//
// PollTimeout computes the next wake-up in the form required by the
// active backend (spec.md's PollTimeout component): epoll/poll() want
// a millisecond int, kqueue wants a *unix.Timespec, event ports want a
// similar timespec. PollTimeout stores a duration and each backend
// converts it to its own native form at the Wait call site.

package pollbackend

import "time"

// PollTimeout is either "wait forever" or "wait at most D".
type PollTimeout struct {
	d       time.Duration
	forever bool
}

// Forever is the +∞ wait used when no request or timer deadline is pending.
func Forever() PollTimeout { return PollTimeout{forever: true} }

// Until builds a PollTimeout counting down to deadline, clamped to zero.
func Until(now, deadline time.Time) PollTimeout {
	d := deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	return PollTimeout{d: d}
}

// Min combines two deadlines (spec.md §4.2 step 1: "wait_until =
// min(earliest RequestCache deadline, earliest TimerHeap deadline,
// +∞)"). A zero Time argument means "no deadline pending".
func Min(now time.Time, deadlines ...time.Time) PollTimeout {
	var earliest time.Time
	for _, d := range deadlines {
		if d.IsZero() {
			continue
		}
		if earliest.IsZero() || d.Before(earliest) {
			earliest = d
		}
	}
	if earliest.IsZero() {
		return Forever()
	}
	return Until(now, earliest)
}

// IsForever reports whether this timeout never expires on its own.
func (t PollTimeout) IsForever() bool { return t.forever }

// Millis renders the timeout as the millisecond int epoll_wait/poll()
// expect, -1 meaning block indefinitely.
func (t PollTimeout) Millis() int {
	if t.forever {
		return -1
	}
	ms := t.d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	if ms > int64(^uint32(0)>>1) {
		ms = int64(^uint32(0) >> 1)
	}
	return int(ms)
}

// Duration exposes the raw duration, for backends (kqueue, event
// ports) that build their own native timespec from it.
func (t PollTimeout) Duration() (time.Duration, bool) {
	return t.d, t.forever
}
