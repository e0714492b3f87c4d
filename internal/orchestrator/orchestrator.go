// Package orchestrator wires a loaded configuration into running
// mappers and supervisors, per spec.md §4.7: build every notifier
// instance, build the shared UPnP gateway lazily, then spin up one
// supervisor per configured mapping.
package orchestrator

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hlandau/nat2/internal/config"
	"github.com/hlandau/nat2/internal/mapping"
	"github.com/hlandau/nat2/internal/notifier"
	"github.com/hlandau/nat2/internal/supervisor"
	"github.com/hlandau/nat2/internal/tcpmapper"
	"github.com/hlandau/nat2/internal/udpmapper"
	"github.com/hlandau/nat2/internal/upnpgw"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("nat2.orchestrator")

// Orchestrator owns every running supervisor and the shared UPnP
// gateway, if one was needed.
type Orchestrator struct {
	gateway     *upnpgw.Gateway
	supervisors []*supervisor.Supervisor
	wg          sync.WaitGroup
}

// New builds and starts every mapping described by cfg. It returns an
// error (fatal at startup, per spec.md §7's ConfigError/UPnPUnavailable
// kinds) on the first invalid mapping, notifier reference, or required
// UPnP gateway that can't be found.
func New(ctx context.Context, cfg *config.Config) (*Orchestrator, error) {
	notifiers, err := buildNotifiers(cfg)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{}

	for key, mdList := range cfg.Map {
		sup, err := o.buildMapping(ctx, cfg, key, mdList, notifiers)
		if err != nil {
			o.Shutdown(context.Background())
			return nil, err
		}
		o.supervisors = append(o.supervisors, sup)
		o.wg.Add(1)
		sup.WaitGroupDone(&o.wg)
	}

	return o, nil
}

func buildNotifiers(cfg *config.Config) (map[string]notifier.Notifier, error) {
	out := make(map[string]notifier.Notifier)

	add := func(name string, n notifier.Notifier) error {
		if _, exists := out[name]; exists {
			return fmt.Errorf("orchestrator: duplicate notifier name %q", name)
		}
		out[name] = n
		return nil
	}

	for name, c := range cfg.DnsPod {
		if err := add(name, notifier.NewDnsPod(name, c)); err != nil {
			return nil, err
		}
	}
	for name, c := range cfg.AliDNS {
		n, err := notifier.NewAliDNS(name, c)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: alidns %s: %w", name, err)
		}
		if err := add(name, n); err != nil {
			return nil, err
		}
	}
	for name, c := range cfg.Cloudflare {
		if err := add(name, notifier.NewCloudflare(name, c)); err != nil {
			return nil, err
		}
	}
	for name, c := range cfg.Http {
		n, err := notifier.NewHttp(name, c)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: http %s: %w", name, err)
		}
		if err := add(name, n); err != nil {
			return nil, err
		}
	}
	for name, c := range cfg.Script {
		if err := add(name, notifier.NewScript(name, c)); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// parseScheme splits a mapping URL's scheme into its base transport
// ("tcp"/"udp") and whether it explicitly requests UPnP regardless of
// the global setting (a `+upnp` suffix in either order).
func parseScheme(scheme string) (base string, upnpRequested bool) {
	switch scheme {
	case "tcp":
		return "tcp", false
	case "udp":
		return "udp", false
	case "tcp+upnp", "upnp+tcp":
		return "tcp", true
	case "udp+upnp", "upnp+udp":
		return "udp", true
	default:
		return "", false
	}
}

func (o *Orchestrator) buildMapping(ctx context.Context, cfg *config.Config, key string, mdList []config.Metadata, notifiers map[string]notifier.Notifier) (*supervisor.Supervisor, error) {
	u, err := url.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: invalid mapping url %q: %w", key, err)
	}
	base, upnpRequested := parseScheme(u.Scheme)
	if base == "" {
		return nil, fmt.Errorf("orchestrator: unsupported scheme %q in %q", u.Scheme, key)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("orchestrator: %q has no host", key)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("orchestrator: %q has an unparseable host", key)
	}
	portStr := u.Port()
	if portStr == "" {
		return nil, fmt.Errorf("orchestrator: %q has no port", key)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %q has an invalid port: %w", key, err)
	}

	bindings := make([]supervisor.NotifierBinding, 0, len(mdList))
	for i, md := range mdList {
		n, ok := notifiers[md.Name]
		if !ok {
			return nil, fmt.Errorf("orchestrator: no notifier named %q in %q at index %d", md.Name, key, i)
		}
		if err := n.Validate(md); err != nil {
			return nil, fmt.Errorf("orchestrator: %w in %q at index %d", err, key, i)
		}
		bindings = append(bindings, supervisor.NotifierBinding{Notifier: n, Metadata: md})
	}

	var proto mapping.Protocol
	if base == "tcp" {
		proto = mapping.TCP
	} else {
		proto = mapping.UDP
	}

	localAddr := mapping.MappedAddress{IP: ip, Port: uint16(port)}

	var gw *upnpgw.Gateway
	var lease *upnpgw.PortMap
	if upnpRequested || cfg.UPnPEnabled() {
		if o.gateway == nil {
			gw2, err := upnpgw.New(ctx)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: mapping %q: %w", key, err)
			}
			o.gateway = gw2
		}
		gw = o.gateway
		lease, err = gw.AddPort(proto, localAddr)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: mapping %q: %w", key, err)
		}
		localAddr = lease.LocalAddr()
	}

	var m mapping.Mapper
	if base == "tcp" {
		m, err = buildTCPMapper(key, localAddr, cfg.Tcp)
	} else {
		m, err = buildUDPMapper(key, localAddr, cfg.Udp)
	}
	if err != nil {
		if gw != nil && lease != nil {
			_ = gw.RemovePort(lease)
		}
		return nil, fmt.Errorf("orchestrator: mapping %q: %w", key, err)
	}

	return supervisor.New(key, base, m, gw, lease, bindings), nil
}

func buildUDPMapper(name string, localAddr mapping.MappedAddress, cfg *config.Udp) (mapping.Mapper, error) {
	if cfg == nil || len(cfg.Stun) == 0 {
		return nil, fmt.Errorf("udp mapping requires a top-level `udp.stun` server list")
	}
	servers, err := resolveUDPServers(cfg.Stun)
	if err != nil {
		return nil, err
	}

	mcfg := udpmapper.Config{
		Name:      name,
		LocalAddr: &net.UDPAddr{IP: localAddr.IP, Port: int(localAddr.Port)},
		Servers:   servers,
	}
	if cfg.Interval != nil {
		mcfg.Interval = time.Duration(*cfg.Interval) * time.Second
	}

	return udpmapper.New(mcfg)
}

func buildTCPMapper(name string, localAddr mapping.MappedAddress, cfg *config.Tcp) (mapping.Mapper, error) {
	if cfg == nil || len(cfg.Stun) == 0 {
		return nil, fmt.Errorf("tcp mapping requires a top-level `tcp.stun` server list")
	}
	if cfg.Keepalive == "" {
		return nil, fmt.Errorf("tcp mapping requires a top-level `tcp.keepalive` url")
	}
	servers, err := resolveTCPServers(cfg.Stun)
	if err != nil {
		return nil, err
	}
	keepaliveURL, err := url.Parse(cfg.Keepalive)
	if err != nil {
		return nil, fmt.Errorf("invalid tcp.keepalive url: %w", err)
	}
	if !strings.Contains(keepaliveURL.Host, ":") {
		keepaliveURL.Host += ":80"
	}

	mcfg := tcpmapper.Config{
		Name:         name,
		LocalAddr:    &net.TCPAddr{IP: localAddr.IP, Port: int(localAddr.Port)},
		KeepaliveURL: keepaliveURL,
		Servers:      servers,
	}
	if cfg.Interval != nil {
		mcfg.Interval = time.Duration(*cfg.Interval) * time.Second
	}
	if cfg.StunInterval != nil {
		mcfg.StunInterval = time.Duration(*cfg.StunInterval) * time.Second
	}

	return tcpmapper.New(mcfg)
}

func resolveUDPServers(hostports []string) ([]*net.UDPAddr, error) {
	out := make([]*net.UDPAddr, 0, len(hostports))
	for _, hp := range hostports {
		addr, err := net.ResolveUDPAddr("udp4", hp)
		if err != nil {
			return nil, fmt.Errorf("invalid stun server %q: %w", hp, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func resolveTCPServers(hostports []string) ([]*net.TCPAddr, error) {
	out := make([]*net.TCPAddr, 0, len(hostports))
	for _, hp := range hostports {
		addr, err := net.ResolveTCPAddr("tcp4", hp)
		if err != nil {
			return nil, fmt.Errorf("invalid stun server %q: %w", hp, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// Shutdown broadcasts shutdown to every supervisor and waits (up to
// ctx) for each to finish its own UPnP cleanup and mapper teardown.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range o.supervisors {
		wg.Add(1)
		go func(s *supervisor.Supervisor) {
			defer wg.Done()
			s.Shutdown(ctx)
		}(s)
	}
	wg.Wait()
}

// Wait blocks until every supervisor task has returned on its own
// (mapper channel closed) — not part of the normal shutdown path, but
// useful for tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}
