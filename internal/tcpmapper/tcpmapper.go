// Package tcpmapper implements the TCP half of spec.md §4.4: a
// keepalive connection that pins a NAT mapping open plus a STUN-over-TCP
// prober that periodically re-observes the mapping, with the first
// observed address in a keepalive session treated as canonical.
package tcpmapper

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hlandau/nat2/internal/mapping"
	"github.com/hlandau/nat2/internal/stunprobe"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("nat2.tcpmapper")

// Defaults mirror spec.md §4.4.
const (
	DefaultInterval      = 50 * time.Second
	DefaultStunInterval  = 300 * time.Second
	DefaultRetryInterval = 10 * time.Second
)

// Config configures a single TCP mapper.
type Config struct {
	Name string

	// LocalAddr is the address the mapper's port is acquired on. Port
	// may be zero; the resolved ephemeral port is then reused for every
	// keepalive and probe connection.
	LocalAddr *net.TCPAddr

	// KeepaliveURL identifies the keepalive peer; only its host and
	// path are used. A HEAD request is issued against Path.
	KeepaliveURL *url.URL

	// Servers is the round-robin STUN-over-TCP server pool.
	Servers []*net.TCPAddr

	Interval      time.Duration
	StunInterval  time.Duration
	RetryInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.StunInterval <= 0 {
		c.StunInterval = DefaultStunInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
}

// Mapper owns one reusable local TCP port and runs until Close is
// called.
type Mapper struct {
	name      string
	localAddr mapping.MappedAddress
	tcpAddr   *net.TCPAddr

	out       chan mapping.MappedAddress
	closeOnce sync.Once
	closeCh   chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

var _ mapping.Mapper = (*Mapper)(nil)

// New resolves the mapper's local port and starts its two background
// tasks.
func New(cfg Config) (*Mapper, error) {
	cfg.setDefaults()
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("tcpmapper: no stun servers configured")
	}
	if cfg.KeepaliveURL == nil {
		return nil, fmt.Errorf("tcpmapper: no keepalive url configured")
	}

	resolved, err := resolveLocalPort(cfg.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("tcpmapper: acquire local port: %w", err)
	}
	cfg.LocalAddr = resolved

	ctx, cancel := context.WithCancel(context.Background())
	m := &Mapper{
		name:      cfg.Name,
		localAddr: mapping.MappedAddress{IP: resolved.IP, Port: uint16(resolved.Port)},
		tcpAddr:   resolved,
		out:       make(chan mapping.MappedAddress),
		closeCh:   make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	probeNowCh := make(chan struct{}, 1)
	cancelCh := make(chan struct{}, 1)
	addrChangeCh := make(chan mapping.MappedAddress, 1)

	go m.taskB(cfg, probeNowCh, cancelCh, addrChangeCh)
	go m.taskA(cfg, probeNowCh, cancelCh, addrChangeCh)

	return m, nil
}

func (m *Mapper) Name() string                           { return m.name }
func (m *Mapper) LocalAddr() mapping.MappedAddress        { return m.localAddr }
func (m *Mapper) Addresses() <-chan mapping.MappedAddress { return m.out }

func (m *Mapper) Close() {
	m.closeOnce.Do(func() {
		close(m.closeCh)
		m.cancel()
	})
}

// resolveLocalPort binds a throwaway listener to learn a free port
// (or confirm a configured one), then releases it. SO_REUSEADDR (set
// by the platform dial helper at connection time) is what then lets
// that same port be rebound by outbound connections.
func resolveLocalPort(addr *net.TCPAddr) (*net.TCPAddr, error) {
	l, err := net.ListenTCP("tcp4", addr)
	if err != nil {
		return nil, err
	}
	resolved := l.Addr().(*net.TCPAddr)
	l.Close()
	return resolved, nil
}

func latchSignal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func latchAddr(ch chan mapping.MappedAddress, v mapping.MappedAddress) {
	select {
	case ch <- v:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

func drainSignal(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

// taskB is the STUN prober: round-robins the server pool, probing on
// request and discarding stale requests on cancellation.
func (m *Mapper) taskB(cfg Config, probeNowCh, cancelCh chan struct{}, addrChangeCh chan mapping.MappedAddress) {
	idx := 0
	for {
		select {
		case <-m.closeCh:
			return

		case <-cancelCh:
			drainSignal(probeNowCh)

		case <-probeNowCh:
			server := cfg.Servers[idx]
			addr, err := stunprobe.ProbeTCP(m.ctx, cfg.LocalAddr, server)
			if err != nil {
				log.Errorf("mapper %s: stun probe against %s failed: %v", m.name, server, err)
			} else {
				latchAddr(addrChangeCh, addr)
			}
			idx = (idx + 1) % len(cfg.Servers)
		}
	}
}

// taskA is the keepalive connection and coordinator described in
// spec.md §4.4.
func (m *Mapper) taskA(cfg Config, probeNowCh, cancelCh chan struct{}, addrChangeCh chan mapping.MappedAddress) {
	defer close(m.out)

	host := cfg.KeepaliveURL.Host
	if !strings.Contains(host, ":") {
		host += ":80"
	}
	path := cfg.KeepaliveURL.Path
	if path == "" {
		path = "/"
	}

	for {
		select {
		case <-m.closeCh:
			return
		default:
		}

		conn, err := m.dial(cfg, host)
		if err != nil {
			log.Errorf("mapper %s: keepalive dial %s failed: %v", m.name, host, err)
			if !m.sleepOrClose(cfg.RetryInterval) {
				return
			}
			continue
		}

		var canonical *mapping.MappedAddress
		m.runInnerLoop(cfg, conn, host, path, probeNowCh, addrChangeCh, &canonical)

		conn.Close()
		latchSignal(cancelCh)

		if !m.sleepOrClose(cfg.RetryInterval) {
			return
		}
	}
}

func (m *Mapper) dial(cfg Config, host string) (net.Conn, error) {
	remote, err := net.ResolveTCPAddr("tcp4", host)
	if err != nil {
		return nil, err
	}
	return stunprobe.DialReuse(m.ctx, cfg.LocalAddr, remote)
}

func (m *Mapper) sleepOrClose(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-m.closeCh:
		return false
	}
}

type readEvent struct {
	n   int
	err error
}

// runInnerLoop drives one keepalive connection's lifetime until it is
// torn down (peer closed it, a timeout fired, or the mapped address
// changed), per spec.md §4.4 branches 1-5.
func (m *Mapper) runInnerLoop(cfg Config, conn net.Conn, host, path string, probeNowCh chan struct{}, addrChangeCh chan mapping.MappedAddress, canonical **mapping.MappedAddress) {
	readCh := make(chan readEvent)
	readDone := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			select {
			case readCh <- readEvent{n: n, err: err}:
			case <-readDone:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	defer close(readDone)

	keepaliveTicker := time.NewTicker(cfg.Interval)
	defer keepaliveTicker.Stop()
	stunTicker := time.NewTicker(cfg.StunInterval)
	defer stunTicker.Stop()

	var deadlineTimer *time.Timer
	var deadlineC <-chan time.Time
	pending := false

	armDeadline := func() {
		if deadlineTimer != nil {
			deadlineTimer.Stop()
		}
		deadlineTimer = time.NewTimer(cfg.RetryInterval)
		deadlineC = deadlineTimer.C
		pending = true
	}
	clearDeadline := func() {
		if deadlineTimer != nil {
			deadlineTimer.Stop()
		}
		deadlineC = nil
		pending = false
	}
	defer func() {
		if deadlineTimer != nil {
			deadlineTimer.Stop()
		}
	}()

	for {
		select {
		case <-m.closeCh:
			return

		case ev := <-readCh:
			if ev.err != nil || ev.n == 0 {
				log.Errorf("mapper %s: connection unexpectedly closed with %d bytes received", m.name, ev.n)
				return
			}
			clearDeadline()

		case <-keepaliveTicker.C:
			if pending {
				continue
			}
			req := fmt.Sprintf("HEAD %s HTTP/1.1\r\nHost: %s\r\nConnection: keep-alive\r\n\r\n", path, host)
			if _, err := conn.Write([]byte(req)); err != nil {
				log.Errorf("mapper %s: keepalive write failed: %v", m.name, err)
				return
			}
			armDeadline()

		case <-deadlineC:
			log.Errorf("mapper %s: timed out waiting for a response from keepalive server", m.name)
			return

		case <-stunTicker.C:
			latchSignal(probeNowCh)

		case addr := <-addrChangeCh:
			if *canonical == nil {
				c := addr
				*canonical = &c
				select {
				case m.out <- addr:
				case <-m.closeCh:
					return
				}
				continue
			}
			if !(*canonical).Equal(addr) {
				log.Errorf("mapper %s: connection is closing because mapped address has changed", m.name)
				return
			}
		}
	}
}
