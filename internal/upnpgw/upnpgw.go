// Package upnpgw discovers a UPnP Internet Gateway Device on the local
// network and requests, renews, and removes a single port mapping on
// it.
//
// Discovery and the SOAP calls themselves are delegated to
// github.com/huin/goupnp's internetgateway1/internetgateway2 clients;
// this package only adds the add-any-port / permanent-lease-fallback
// / renewal-threshold policy spec.md §4.2 asks for.
package upnpgw

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"

	"github.com/hlandau/nat2/internal/localip"
	"github.com/hlandau/nat2/internal/mapping"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("nat2.upnpgw")

// MappingDuration is the lease length requested for a timed port
// mapping, in seconds.
const MappingDuration = 3600

// renewThreshold is how long a lease is allowed to go un-renewed
// before RenewPort re-issues it: half of MappingDuration, per spec.md
// §5/§8.
const renewThreshold = MappingDuration / 2

// ErrNoGateway is returned by New when no IGD answered SSDP discovery.
var ErrNoGateway = errors.New("no available upnp server in this network")

// wanIPClient is the subset of the IGDv1/IGDv2 WANIPConnection client
// API this package needs; internetgateway1.WANIPConnection1 and
// internetgateway2.WANIPConnection2 both satisfy it.
type wanIPClient interface {
	AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error
	GetExternalIPAddress() (string, error)
}

// anyPortClient is implemented only by IGDv2 gateways.
type anyPortClient interface {
	AddAnyPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) (uint16, error)
}

// Gateway is a concurrent-safe handle to a single discovered IGD.
// It is shared read-only across every supervisor that requested a
// UPnP mapping; the only mutable state lives in the *PortMap values
// callers pass back in, not in the Gateway itself.
type Gateway struct {
	localIP net.IP
	client  wanIPClient
	anyPort anyPortClient // nil if the gateway doesn't support IGDv2's AddAnyPortMapping

	mu sync.Mutex // serializes SOAP calls; the underlying HTTP client is not guaranteed concurrent-safe
}

// PortMap describes one active (or formerly active) port mapping on
// the gateway. Zero value is not meaningful; always obtained from
// Gateway.AddPort.
type PortMap struct {
	Protocol        mapping.Protocol
	ForwardAddr     mapping.MappedAddress
	ExternalPort    uint16
	LeaseSeconds    uint32
	LastRenewedUnix int64
}

// LocalAddr is the address a mapper should bind to once its port has
// been forwarded by the gateway: the NAT keeps the external port
// stable, so the mapper's own socket just listens on it on all
// interfaces.
func (pm *PortMap) LocalAddr() mapping.MappedAddress {
	return mapping.MappedAddress{IP: net.IPv4zero, Port: pm.ExternalPort}
}

// New discovers an IGD with an SSDP search and records the best local
// IPv4 address, which AddPort uses as the forward address when none is
// given. The SSDP search itself is not restricted to that address's
// interface.
//
// SSDP discovery trusts whatever answers the multicast M-SEARCH, which
// on a multi-homed host or a LAN with a rogue UPnP responder may not be
// our actual default gateway. When the host's default gateway IPs are
// available (localip.DefaultGatewayIPs), a discovered device whose
// Location host doesn't match any of them is logged as suspect but
// still used, since SSDP found it and a real reply beats a guess.
func New(ctx context.Context) (*Gateway, error) {
	ip, err := localip.BestLocalIPv4()
	if err != nil {
		return nil, fmt.Errorf("upnpgw: determining local ip: %w", err)
	}
	gwIPs, gwErr := localip.DefaultGatewayIPs()

	if clients, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx); err == nil && len(clients) > 0 {
		logIfNotDefaultGateway(clients[0].Location, gwIPs, gwErr)
		log.Debugf("discovered IGDv2 gateway at %s", clients[0].Location)
		return &Gateway{localIP: ip, client: clients[0], anyPort: clients[0]}, nil
	}

	if clients, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
		logIfNotDefaultGateway(clients[0].Location, gwIPs, gwErr)
		log.Debugf("discovered IGDv1 gateway at %s", clients[0].Location)
		return &Gateway{localIP: ip, client: clients[0]}, nil
	}

	return nil, ErrNoGateway
}

// logIfNotDefaultGateway warns when an SSDP-discovered device's host
// doesn't match any known default gateway IP, which can happen if a
// rogue device on the LAN answers M-SEARCH.
func logIfNotDefaultGateway(location *url.URL, gwIPs []net.IP, gwErr error) {
	if gwErr != nil || location == nil {
		return
	}
	host := location.Hostname()
	for _, ip := range gwIPs {
		if ip.String() == host {
			return
		}
	}
	log.Errorf("discovered IGD at %s does not match any known default gateway address", location)
}

func description() string {
	if name, err := os.Hostname(); err == nil {
		return "NAT2 - " + name
	}
	return "NAT2"
}

// AddPort requests a forward of an external port to forwardAddr. On
// IGDv2 gateways the gateway picks the port; on IGDv1 gateways a
// pseudo-random candidate is used (see addAnyPort). If forwardAddr's IP
// is unspecified, the best local IPv4 recorded by New is substituted
// (spec.md §4.2).
func (gw *Gateway) AddPort(protocol mapping.Protocol, forwardAddr mapping.MappedAddress) (*PortMap, error) {
	if forwardAddr.IP == nil || forwardAddr.IP.IsUnspecified() {
		forwardAddr.IP = gw.localIP
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()

	leaseSeconds := uint32(MappingDuration)
	externalPort, err := gw.addAnyPort(protocol, forwardAddr, leaseSeconds)
	if err != nil && isOnlyPermanentLeasesSupported(err) {
		leaseSeconds = 0
		externalPort, err = gw.addAnyPort(protocol, forwardAddr, leaseSeconds)
	}
	if err != nil {
		return nil, fmt.Errorf("upnpgw: add port mapping: %w", err)
	}

	return &PortMap{
		Protocol:        protocol,
		ForwardAddr:     forwardAddr,
		ExternalPort:    externalPort,
		LeaseSeconds:    leaseSeconds,
		LastRenewedUnix: time.Now().Unix(),
	}, nil
}

// addAnyPort prefers the gateway's AddAnyPortMapping (IGDv2) which
// lets the gateway itself pick a free external port; gateways that
// only speak IGDv1 don't have this operation, so we pick a pseudo-random
// candidate port ourselves and fall back to a plain AddPortMapping.
func (gw *Gateway) addAnyPort(protocol mapping.Protocol, forwardAddr mapping.MappedAddress, lease uint32) (uint16, error) {
	desc := description()
	proto := protocol.String()
	if gw.anyPort != nil {
		return gw.anyPort.AddAnyPortMapping("", 0, upnpProtocol(protocol), forwardAddr.Port, forwardAddr.IP.String(), true, desc, lease)
	}

	candidate := randomPort()
	err := gw.client.AddPortMapping("", candidate, upnpProtocol(protocol), forwardAddr.Port, forwardAddr.IP.String(), true, desc, lease)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", proto, err)
	}
	return candidate, nil
}

// RenewPort re-issues the port mapping if it's a timed lease and we're
// past the renewal threshold; a no-op otherwise (spec.md §4.2/§8).
func (gw *Gateway) RenewPort(pm *PortMap) error {
	if pm.LeaseSeconds == 0 {
		return nil
	}
	if time.Now().Unix()-pm.LastRenewedUnix < renewThreshold {
		return nil
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()

	err := gw.client.AddPortMapping("", pm.ExternalPort, upnpProtocol(pm.Protocol), pm.ForwardAddr.Port, pm.ForwardAddr.IP.String(), true, description(), pm.LeaseSeconds)
	if err != nil {
		return fmt.Errorf("upnpgw: renew port mapping: %w", err)
	}

	pm.LastRenewedUnix = time.Now().Unix()
	return nil
}

// RemovePort deletes the mapping. Idempotent: calling it again after
// ExternalPort has been zeroed is a no-op.
func (gw *Gateway) RemovePort(pm *PortMap) error {
	if pm.ExternalPort == 0 {
		return nil
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()

	err := gw.client.DeletePortMapping("", pm.ExternalPort, upnpProtocol(pm.Protocol))
	pm.ExternalPort = 0
	pm.LastRenewedUnix = 0
	if err != nil {
		return fmt.Errorf("upnpgw: remove port mapping: %w", err)
	}
	return nil
}

// ExternalIP returns the gateway's public IPv4 address.
func (gw *Gateway) ExternalIP() (net.IP, error) {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	s, err := gw.client.GetExternalIPAddress()
	if err != nil {
		return nil, fmt.Errorf("upnpgw: get external ip: %w", err)
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("upnpgw: gateway returned unparseable ip %q", s)
	}
	return ip, nil
}

func upnpProtocol(p mapping.Protocol) string {
	switch p {
	case mapping.TCP:
		return "TCP"
	case mapping.UDP:
		return "UDP"
	default:
		return "TCP"
	}
}
