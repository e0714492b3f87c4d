// Package localip determines the machine's own IPv4 address from the
// local network's point of view, and the IPv4 addresses of its default
// gateways.
//
// Both facts are used by internal/upnpgw: the local address fills in a
// forward address when the caller leaves it unspecified, and the
// gateway addresses are compared against the IGD that SSDP discovery
// found.
package localip

import "net"

// BestLocalIPv4 returns the IPv4 address this host would use to reach
// the public internet, without sending any traffic.
//
// This is the classic "connect a UDP socket, never send, read back
// LocalAddr" trick: the kernel picks the outgoing interface as part of
// route resolution during connect, with no packets actually leaving
// the host.
func BestLocalIPv4() (net.IP, error) {
	c, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer c.Close()

	return c.LocalAddr().(*net.UDPAddr).IP, nil
}

// DefaultGatewayIPs returns the IPv4 addresses of the default gateways
// configured on this host. There may be more than one if the host has
// multiple active network interfaces.
//
// Support is platform-specific; see getGatewayAddrs.
func DefaultGatewayIPs() ([]net.IP, error) {
	return getGatewayAddrs()
}
