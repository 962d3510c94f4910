// File: wire/address.go
// Author: momentics <momentics@gmail.com>
//
// Endpoint addressing: either a resolved IPv4 socket address or an
// unresolved logical proxy name. Proxy addresses must be translated
// through a proxy map before any socket operation is attempted.

package wire

import (
	"fmt"
	"net"
	"strconv"
)

// Kind tags which form an Address holds.
type Kind int

const (
	// KindInet is a resolved IPv4 host:port pair.
	KindInet Kind = iota
	// KindProxy is a logical name requiring proxy-map translation.
	KindProxy
)

// Address is a tagged union over a resolved inet address and a proxy name.
type Address struct {
	Kind  Kind
	IP    net.IP
	Port  uint16
	Proxy string
}

// Inet builds a resolved IPv4 address.
func Inet(ip net.IP, port uint16) Address {
	return Address{Kind: KindInet, IP: ip.To4(), Port: port}
}

// NamedProxy builds an unresolved proxy address.
func NamedProxy(name string) Address {
	return Address{Kind: KindProxy, Proxy: name}
}

// IsProxy reports whether this address still requires proxy-map translation.
func (a Address) IsProxy() bool { return a.Kind == KindProxy }

// String renders the address for logging and as a handler-map lookup key.
func (a Address) String() string {
	if a.Kind == KindProxy {
		return "proxy:" + a.Proxy
	}
	return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
}

// TCPAddr renders the resolved form as a *net.TCPAddr. Panics if called on a proxy address.
func (a Address) TCPAddr() *net.TCPAddr {
	if a.Kind != KindInet {
		panic("wire: TCPAddr called on unresolved proxy address")
	}
	return &net.TCPAddr{IP: a.IP, Port: int(a.Port)}
}

// UDPAddr renders the resolved form as a *net.UDPAddr. Panics if called on a proxy address.
func (a Address) UDPAddr() *net.UDPAddr {
	if a.Kind != KindInet {
		panic("wire: UDPAddr called on unresolved proxy address")
	}
	return &net.UDPAddr{IP: a.IP, Port: int(a.Port)}
}

// ParseInet parses a literal "host:port" string into a resolved
// KindInet address, for CLI flags and config files where a proxy name
// is never accepted (cmd/asynccommd's --listen flag, for instance).
func ParseInet(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("wire: parse address %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("wire: parse port in %q: %w", hostport, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return Address{}, fmt.Errorf("wire: resolve host %q: %w", host, err)
		}
		ip = ips[0]
	}
	return Inet(ip, uint16(port)), nil
}

// Equal compares two addresses for map-key purposes.
func (a Address) Equal(b Address) bool {
	return a.String() == b.String()
}
