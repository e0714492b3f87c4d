package orchestrator

import (
	"net"
	"testing"

	"github.com/hlandau/nat2/internal/config"
	"github.com/hlandau/nat2/internal/mapping"
)

func localAddrForTest() mapping.MappedAddress {
	return mapping.MappedAddress{IP: net.ParseIP("127.0.0.1"), Port: 5000}
}

func TestParseScheme(t *testing.T) {
	cases := []struct {
		scheme    string
		wantBase  string
		wantUPnP  bool
	}{
		{"tcp", "tcp", false},
		{"udp", "udp", false},
		{"tcp+upnp", "tcp", true},
		{"upnp+tcp", "tcp", true},
		{"udp+upnp", "udp", true},
		{"upnp+udp", "udp", true},
		{"ftp", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		base, upnp := parseScheme(c.scheme)
		if base != c.wantBase || upnp != c.wantUPnP {
			t.Errorf("parseScheme(%q) = (%q, %v), want (%q, %v)", c.scheme, base, upnp, c.wantBase, c.wantUPnP)
		}
	}
}

func TestBuildNotifiersRejectsDuplicateNames(t *testing.T) {
	cfg := &config.Config{
		DnsPod: map[string]config.DnsPod{
			"shared": {SecretID: "a", SecretKey: "b"},
		},
		Cloudflare: map[string]config.Cloudflare{
			"shared": {Token: "tok"},
		},
	}
	if _, err := buildNotifiers(cfg); err == nil {
		t.Fatal("expected error for duplicate notifier name across kinds")
	}
}

func TestBuildNotifiersBuildsEveryKind(t *testing.T) {
	body := "x"
	cfg := &config.Config{
		DnsPod:     map[string]config.DnsPod{"a": {}},
		AliDNS:     map[string]config.AliDNS{"b": {}},
		Cloudflare: map[string]config.Cloudflare{"c": {}},
		Http:       map[string]config.Http{"d": {URL: "http://example.com", Body: &body}},
		Script:     map[string]config.Script{"e": {Path: "/bin/true"}},
	}
	out, err := buildNotifiers(cfg)
	if err != nil {
		t.Fatalf("buildNotifiers: %v", err)
	}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		if _, ok := out[name]; !ok {
			t.Errorf("expected notifier %q to be built", name)
		}
	}
}

func TestResolveUDPServers(t *testing.T) {
	servers, err := resolveUDPServers([]string{"203.0.113.1:3478", "203.0.113.2:3479"})
	if err != nil {
		t.Fatalf("resolveUDPServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if servers[0].Port != 3478 || servers[1].Port != 3479 {
		t.Errorf("unexpected resolved ports: %+v", servers)
	}
}

func TestResolveUDPServersRejectsInvalid(t *testing.T) {
	if _, err := resolveUDPServers([]string{"not-a-hostport"}); err == nil {
		t.Fatal("expected error for invalid stun server")
	}
}

func TestResolveTCPServers(t *testing.T) {
	servers, err := resolveTCPServers([]string{"203.0.113.1:3478"})
	if err != nil {
		t.Fatalf("resolveTCPServers: %v", err)
	}
	if len(servers) != 1 || servers[0].Port != 3478 {
		t.Fatalf("unexpected resolved servers: %+v", servers)
	}
}

func TestBuildUDPMapperRequiresStunServers(t *testing.T) {
	if _, err := buildUDPMapper("test", localAddrForTest(), nil); err == nil {
		t.Fatal("expected error when udp config is nil")
	}
	if _, err := buildUDPMapper("test", localAddrForTest(), &config.Udp{}); err == nil {
		t.Fatal("expected error when udp.stun is empty")
	}
}

func TestBuildTCPMapperRequiresStunAndKeepalive(t *testing.T) {
	if _, err := buildTCPMapper("test", localAddrForTest(), nil); err == nil {
		t.Fatal("expected error when tcp config is nil")
	}
	if _, err := buildTCPMapper("test", localAddrForTest(), &config.Tcp{Stun: []string{"203.0.113.1:3478"}}); err == nil {
		t.Fatal("expected error when tcp.keepalive is missing")
	}
}
