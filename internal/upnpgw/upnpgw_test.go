package upnpgw

import (
	"errors"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/hlandau/nat2/internal/mapping"
)

type fakeWANIPClient struct {
	addCalls    int
	addErr      error
	addLease    uint32
	deleteCalls int
	deleteErr   error
	externalIP  string
	externalErr error
}

func (f *fakeWANIPClient) AddPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error {
	f.addCalls++
	f.addLease = leaseDuration
	return f.addErr
}

func (f *fakeWANIPClient) DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error {
	f.deleteCalls++
	return f.deleteErr
}

func (f *fakeWANIPClient) GetExternalIPAddress() (string, error) {
	return f.externalIP, f.externalErr
}

type fakeAnyPortClient struct {
	err                error
	onlyPermanentFirst bool
	calls              int
	gotPort            uint16
}

func (f *fakeAnyPortClient) AddAnyPortMapping(remoteHost string, externalPort uint16, protocol string, internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) (uint16, error) {
	f.calls++
	if f.onlyPermanentFirst && leaseDuration != 0 {
		return 0, errors.New("UPnPError 725: OnlyPermanentLeasesSupported")
	}
	f.gotPort = 40000
	return 40000, f.err
}

func TestAddPortPrefersAnyPortMapping(t *testing.T) {
	anyClient := &fakeAnyPortClient{}
	gw := &Gateway{localIP: net.ParseIP("192.168.1.5"), client: &fakeWANIPClient{}, anyPort: anyClient}

	pm, err := gw.AddPort(mapping.TCP, mapping.MappedAddress{IP: net.ParseIP("192.168.1.10"), Port: 5000})
	if err != nil {
		t.Fatalf("AddPort: %v", err)
	}
	if anyClient.calls != 1 {
		t.Fatalf("expected AddAnyPortMapping to be called once, got %d", anyClient.calls)
	}
	if pm.ExternalPort != 40000 {
		t.Errorf("ExternalPort = %d, want 40000", pm.ExternalPort)
	}
	if pm.LeaseSeconds != MappingDuration {
		t.Errorf("LeaseSeconds = %d, want %d", pm.LeaseSeconds, MappingDuration)
	}
}

func TestAddPortFallsBackToPermanentLease(t *testing.T) {
	anyClient := &fakeAnyPortClient{onlyPermanentFirst: true}
	gw := &Gateway{localIP: net.ParseIP("192.168.1.5"), client: &fakeWANIPClient{}, anyPort: anyClient}

	pm, err := gw.AddPort(mapping.UDP, mapping.MappedAddress{IP: net.ParseIP("192.168.1.10"), Port: 5000})
	if err != nil {
		t.Fatalf("AddPort: %v", err)
	}
	if anyClient.calls != 2 {
		t.Fatalf("expected AddAnyPortMapping to be retried once, got %d calls", anyClient.calls)
	}
	if pm.LeaseSeconds != 0 {
		t.Errorf("LeaseSeconds = %d, want 0 (permanent)", pm.LeaseSeconds)
	}
}

func TestAddPortSubstitutesLocalIPWhenUnspecified(t *testing.T) {
	anyClient := &fakeAnyPortClient{}
	gw := &Gateway{localIP: net.ParseIP("192.168.1.5"), client: &fakeWANIPClient{}, anyPort: anyClient}

	pm, err := gw.AddPort(mapping.TCP, mapping.MappedAddress{IP: net.IPv4zero, Port: 5000})
	if err != nil {
		t.Fatalf("AddPort: %v", err)
	}
	if !pm.ForwardAddr.IP.Equal(gw.localIP) {
		t.Errorf("ForwardAddr.IP = %s, want %s", pm.ForwardAddr.IP, gw.localIP)
	}
}

func TestAddPortFallsBackToIGDv1WhenNoAnyPort(t *testing.T) {
	client := &fakeWANIPClient{}
	gw := &Gateway{localIP: net.ParseIP("192.168.1.5"), client: client}

	pm, err := gw.AddPort(mapping.TCP, mapping.MappedAddress{IP: net.ParseIP("192.168.1.10"), Port: 5000})
	if err != nil {
		t.Fatalf("AddPort: %v", err)
	}
	if client.addCalls != 1 {
		t.Fatalf("expected AddPortMapping to be called once, got %d", client.addCalls)
	}
	if pm.ExternalPort == 0 {
		t.Error("expected a non-zero randomly-chosen external port")
	}
}

func TestRenewPortSkipsPermanentLease(t *testing.T) {
	client := &fakeWANIPClient{}
	gw := &Gateway{localIP: net.ParseIP("192.168.1.5"), client: client}
	pm := &PortMap{LeaseSeconds: 0, LastRenewedUnix: 0}

	if err := gw.RenewPort(pm); err != nil {
		t.Fatalf("RenewPort: %v", err)
	}
	if client.addCalls != 0 {
		t.Errorf("expected no renewal call for permanent lease, got %d", client.addCalls)
	}
}

func TestRenewPortSkipsWhenNotDue(t *testing.T) {
	client := &fakeWANIPClient{}
	gw := &Gateway{localIP: net.ParseIP("192.168.1.5"), client: client}
	pm := &PortMap{LeaseSeconds: MappingDuration, LastRenewedUnix: time.Now().Unix()}

	if err := gw.RenewPort(pm); err != nil {
		t.Fatalf("RenewPort: %v", err)
	}
	if client.addCalls != 0 {
		t.Errorf("expected no renewal call before threshold, got %d", client.addCalls)
	}
}

func TestRenewPortRenewsWhenDue(t *testing.T) {
	client := &fakeWANIPClient{}
	gw := &Gateway{localIP: net.ParseIP("192.168.1.5"), client: client}
	pm := &PortMap{
		Protocol:        mapping.TCP,
		ForwardAddr:     mapping.MappedAddress{IP: net.ParseIP("192.168.1.10"), Port: 5000},
		ExternalPort:    6000,
		LeaseSeconds:    MappingDuration,
		LastRenewedUnix: time.Now().Unix() - renewThreshold - 1,
	}

	if err := gw.RenewPort(pm); err != nil {
		t.Fatalf("RenewPort: %v", err)
	}
	if client.addCalls != 1 {
		t.Fatalf("expected a renewal call when past the threshold, got %d", client.addCalls)
	}
	if client.addLease != MappingDuration {
		t.Errorf("renewal lease = %d, want %d", client.addLease, MappingDuration)
	}
}

func TestRemovePortIsIdempotent(t *testing.T) {
	client := &fakeWANIPClient{}
	gw := &Gateway{localIP: net.ParseIP("192.168.1.5"), client: client}
	pm := &PortMap{ExternalPort: 6000}

	if err := gw.RemovePort(pm); err != nil {
		t.Fatalf("RemovePort: %v", err)
	}
	if client.deleteCalls != 1 {
		t.Fatalf("expected 1 delete call, got %d", client.deleteCalls)
	}
	if pm.ExternalPort != 0 {
		t.Errorf("expected ExternalPort to be zeroed, got %d", pm.ExternalPort)
	}

	if err := gw.RemovePort(pm); err != nil {
		t.Fatalf("RemovePort (second call): %v", err)
	}
	if client.deleteCalls != 1 {
		t.Errorf("expected no additional delete call for an already-removed mapping, got %d", client.deleteCalls)
	}
}

func TestExternalIP(t *testing.T) {
	client := &fakeWANIPClient{externalIP: "203.0.113.99"}
	gw := &Gateway{localIP: net.ParseIP("192.168.1.5"), client: client}

	ip, err := gw.ExternalIP()
	if err != nil {
		t.Fatalf("ExternalIP: %v", err)
	}
	if ip.String() != "203.0.113.99" {
		t.Errorf("ExternalIP() = %s, want 203.0.113.99", ip)
	}
}

func TestExternalIPRejectsUnparseable(t *testing.T) {
	client := &fakeWANIPClient{externalIP: "not-an-ip"}
	gw := &Gateway{localIP: net.ParseIP("192.168.1.5"), client: client}

	if _, err := gw.ExternalIP(); err == nil {
		t.Fatal("expected error for unparseable external ip")
	}
}

func TestUpnpProtocol(t *testing.T) {
	if got := upnpProtocol(mapping.TCP); got != "TCP" {
		t.Errorf("upnpProtocol(TCP) = %q, want TCP", got)
	}
	if got := upnpProtocol(mapping.UDP); got != "UDP" {
		t.Errorf("upnpProtocol(UDP) = %q, want UDP", got)
	}
}

func TestLogIfNotDefaultGatewayDoesNotPanic(t *testing.T) {
	loc, err := url.Parse("http://192.168.1.1:1900/rootDesc.xml")
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}

	// Matching gateway: no warning expected, but nothing to assert on
	// beyond "it doesn't panic" since this path only logs.
	logIfNotDefaultGateway(loc, []net.IP{net.ParseIP("192.168.1.1")}, nil)

	// Mismatched gateway.
	logIfNotDefaultGateway(loc, []net.IP{net.ParseIP("10.0.0.1")}, nil)

	// DefaultGatewayIPs itself failed: nothing to compare against.
	logIfNotDefaultGateway(loc, nil, errors.New("not supported on this platform"))

	// No location: nothing to compare.
	logIfNotDefaultGateway(nil, []net.IP{net.ParseIP("192.168.1.1")}, nil)
}

func TestPortMapLocalAddr(t *testing.T) {
	pm := &PortMap{ExternalPort: 7000}
	addr := pm.LocalAddr()
	if !addr.IP.Equal(net.IPv4zero) {
		t.Errorf("LocalAddr().IP = %s, want 0.0.0.0", addr.IP)
	}
	if addr.Port != 7000 {
		t.Errorf("LocalAddr().Port = %d, want 7000", addr.Port)
	}
}
