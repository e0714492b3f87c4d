//go:build !linux && !windows

package localip

import (
	"errors"
	"net"
)

var errNotSupported = errors.New("localip: DefaultGatewayIPs is not supported on this platform")

// getGatewayAddrs has no portable implementation outside Linux and
// Windows. DefaultGatewayIPs' callers (upnpgw.New, for telling a real
// IGD apart from unrelated routers on a multi-homed host) treat this
// as "no gateway hint available" and fall back to SSDP discovery
// alone rather than failing outright.
func getGatewayAddrs() ([]net.IP, error) {
	return nil, errNotSupported
}
