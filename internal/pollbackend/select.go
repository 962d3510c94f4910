// File: internal/pollbackend/select.go
// Author: momentics <momentics@gmail.com>
//
// Select picks the platform-appropriate Backend at startup. Callers
// never see which implementation is active (spec.md §4.1).

package pollbackend

import "runtime"

// Mechanism names a specific backend explicitly, used by tests and by
// the generic-poll fallback override flag in cmd/asynccommd.
type Mechanism string

const (
	// Auto selects the best mechanism for runtime.GOOS.
	Auto Mechanism = ""
	// Epoll forces the Linux epoll backend.
	Epoll Mechanism = "epoll"
	// Kqueue forces the BSD kqueue backend.
	Kqueue Mechanism = "kqueue"
	// EventPort forces the Solaris event ports backend.
	EventPort Mechanism = "eventport"
	// Poll forces the POSIX poll() fallback.
	Poll Mechanism = "poll"
)

// Select constructs a Backend for the given mechanism, or the
// platform default when mechanism is Auto.
func Select(mechanism Mechanism) (Backend, error) {
	switch mechanism {
	case Epoll:
		return newEpoll()
	case Kqueue:
		return newKqueue()
	case EventPort:
		return newEventPort()
	case Poll:
		return newPollGeneric()
	case Auto:
		return selectAuto()
	default:
		return nil, ErrUnsupportedBackend
	}
}

func selectAuto() (Backend, error) {
	switch runtime.GOOS {
	case "linux":
		return newEpoll()
	case "darwin", "freebsd", "dragonfly", "netbsd", "openbsd":
		return newKqueue()
	case "solaris", "illumos":
		return newEventPort()
	default:
		return newPollGeneric()
	}
}
