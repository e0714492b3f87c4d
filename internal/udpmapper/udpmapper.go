// Package udpmapper implements the UDP half of spec.md §4.3: one UDP
// socket, one outstanding STUN transaction at a time, a timer driving
// probes at a fixed interval, and a server pool that rotates after
// every tick but the first.
package udpmapper

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"

	"github.com/hlandau/nat2/internal/mapping"
	"github.com/hlandau/nat2/internal/stunprobe"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("nat2.udpmapper")

// DefaultInterval is how often a Binding Request is sent when Config
// doesn't specify one.
const DefaultInterval = 20 * time.Second

// Config configures a single UDP mapper.
type Config struct {
	// Name is the mapping's configured name, used only for logging.
	Name string

	// LocalAddr is the address to bind the UDP socket to. Port may be
	// zero to let the OS choose.
	LocalAddr *net.UDPAddr

	// Servers is the STUN server pool to rotate through. Must be
	// non-empty.
	Servers []*net.UDPAddr

	// Interval is how often a Binding Request is sent. Defaults to
	// DefaultInterval.
	Interval time.Duration
}

// Mapper owns one UDP socket and runs until Close is called.
type Mapper struct {
	name      string
	conn      *net.UDPConn
	localAddr mapping.MappedAddress

	out       chan mapping.MappedAddress
	closeOnce sync.Once
	closeCh   chan struct{}
}

var _ mapping.Mapper = (*Mapper)(nil)

// New binds the mapper's socket and starts its background loop.
func New(cfg Config) (*Mapper, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("udpmapper: no stun servers configured")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	conn, err := net.ListenUDP("udp4", cfg.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("udpmapper: bind %s: %w", cfg.LocalAddr, err)
	}

	local := conn.LocalAddr().(*net.UDPAddr)
	m := &Mapper{
		name:      cfg.Name,
		conn:      conn,
		localAddr: mapping.MappedAddress{IP: local.IP, Port: uint16(local.Port)},
		out:       make(chan mapping.MappedAddress),
		closeCh:   make(chan struct{}),
	}

	go m.run(cfg)

	return m, nil
}

func (m *Mapper) Name() string                          { return m.name }
func (m *Mapper) LocalAddr() mapping.MappedAddress       { return m.localAddr }
func (m *Mapper) Addresses() <-chan mapping.MappedAddress { return m.out }

func (m *Mapper) Close() {
	m.closeOnce.Do(func() {
		close(m.closeCh)
		m.conn.Close()
	})
}

type datagram struct {
	data []byte
}

func (m *Mapper) run(cfg Config) {
	defer close(m.out)

	recvCh := make(chan datagram)
	go m.recvLoop(recvCh)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	servers := cfg.Servers
	serverIdx := 0
	firstTick := true
	var outstanding *stun.TransactionID

	for {
		select {
		case <-m.closeCh:
			return

		case dg := <-recvCh:
			ti, addr, err := stunprobe.DecodeUDPReply(dg.data)
			if err != nil {
				continue
			}
			if outstanding == nil || ti != *outstanding {
				continue
			}
			outstanding = nil
			select {
			case m.out <- addr:
			case <-m.closeCh:
				return
			}

		case <-ticker.C:
			if outstanding != nil {
				log.Errorf("mapper %s: no response from stun server %s", m.name, servers[serverIdx])
			}
			if !firstTick {
				serverIdx = (serverIdx + 1) % len(servers)
			}
			firstTick = false

			ti, err := stunprobe.ProbeUDP(m.conn, servers[serverIdx])
			if err != nil {
				log.Errorf("mapper %s: %v", m.name, err)
				continue
			}
			outstanding = &ti
		}
	}
}

func (m *Mapper) recvLoop(recvCh chan<- datagram) {
	buf := make([]byte, 1024)
	for {
		n, _, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case recvCh <- datagram{data: cp}:
		case <-m.closeCh:
			return
		}
	}
}
