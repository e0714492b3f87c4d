// Package mapping holds the data types shared by the UDP/TCP mappers,
// the UPnP gateway and the per-mapping supervisor. The supervisor
// itself lives in internal/supervisor.
package mapping

import (
	"fmt"
	"net"
)

// MappedAddress is the (IP, port) pair a STUN server reports back to
// us as our reflexive transport address. It is IPv4-only by design —
// see spec.md's Non-goals.
type MappedAddress struct {
	IP   net.IP
	Port uint16
}

// String renders the address the same way the supervisor's topology
// log and the {ip}/{port} notifier templates expect: "ip:port".
func (a MappedAddress) String() string {
	return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
}

// Equal reports whether two addresses carry the same IP and port.
func (a MappedAddress) Equal(b MappedAddress) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// Protocol identifies a transport protocol a mapping is created for.
type Protocol int

const (
	TCP Protocol = 6
	UDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Mapper is the contract both the UDP and TCP mappers satisfy. A
// mapper owns exactly one local socket/port and runs in the
// background from construction until Close.
type Mapper interface {
	// Name is the configured mapping name (the map key from config).
	Name() string

	// LocalAddr is the local address the mapper bound to. Its port is
	// never zero once the mapper has been constructed.
	LocalAddr() MappedAddress

	// Addresses delivers a MappedAddress every time the mapper
	// observes one. Each send blocks until the value is read or Close
	// is called. The channel is closed once the mapper has stopped
	// after Close.
	Addresses() <-chan MappedAddress

	// Close tears the mapper down. Non-blocking.
	Close()
}
