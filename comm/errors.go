// File: comm/errors.go
// Author: momentics <momentics@gmail.com>
//
// Status codes returned by CommFacade's caller-level operations
// (spec.md §4.7, §7 "Caller-level" errors). Shaped after the teacher's
// api/errors.go Error{Code, Message, Context} envelope, with the code
// set renamed to this domain's taxonomy.

package comm

import "fmt"

// Code enumerates CommFacade's caller-visible status codes.
type Code int

const (
	// OK indicates success; CommFacade operations that return only an
	// error use nil instead of this code.
	OK Code = iota
	// NotConnected reports an address with no live handler in HandlerMap.
	NotConnected
	// BrokenConnection reports a handler that died while a request was outstanding.
	BrokenConnection
	// SendError reports a queuing or socket-level send failure.
	SendError
	// PollError reports a poll-backend registration failure.
	PollError
	// AlreadyConnected reports Connect called against an address already bound to a stream handler.
	AlreadyConnected
	// AlreadyExists reports RegisterSocket called against an address already taken.
	AlreadyExists
	// ConflictingAddress reports SetAlias called with an alias bound to a different handler.
	ConflictingAddress
	// NotProxyMaster reports a proxy-admin call on a non-master node.
	NotProxyMaster
	// BindError reports a socket bind() failure (spec.md §6 BIND_ERROR).
	BindError
	// ListenError reports a socket listen() failure (spec.md §6 LISTEN_ERROR).
	ListenError
	// ConnectError reports a socket connect() failure (spec.md §6 CONNECT_ERROR).
	ConnectError
	// ReceiveError reports a fatal read-side failure (spec.md §6 RECEIVE_ERROR).
	ReceiveError
	// InvalidProxy reports a proxy name with no current binding (spec.md §6 INVALID_PROXY).
	InvalidProxy
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case NotConnected:
		return "NOT_CONNECTED"
	case BrokenConnection:
		return "BROKEN_CONNECTION"
	case SendError:
		return "SEND_ERROR"
	case PollError:
		return "POLL_ERROR"
	case AlreadyConnected:
		return "ALREADY_CONNECTED"
	case AlreadyExists:
		return "ALREADY_EXISTS"
	case ConflictingAddress:
		return "CONFLICTING_ADDRESS"
	case NotProxyMaster:
		return "NOT_PROXY_MASTER"
	case BindError:
		return "BIND_ERROR"
	case ListenError:
		return "LISTEN_ERROR"
	case ConnectError:
		return "CONNECT_ERROR"
	case ReceiveError:
		return "RECEIVE_ERROR"
	case InvalidProxy:
		return "INVALID_PROXY"
	default:
		return "UNKNOWN"
	}
}

// Error is CommFacade's caller-level error envelope.
type Error struct {
	Code    Code
	Message string
	// Context carries extra diagnostic detail, e.g. the address an
	// AlreadyConnected or NotConnected error refers to.
	Context string
}

func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("comm: %s: %s (%s)", e.Code, e.Message, e.Context)
	}
	return fmt.Sprintf("comm: %s: %s", e.Code, e.Message)
}

func newError(code Code, message string, context ...string) *Error {
	e := &Error{Code: code, Message: message}
	if len(context) > 0 {
		e.Context = context[0]
	}
	return e
}
