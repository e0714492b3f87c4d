// Package supervisor implements spec.md §4.6: one task per configured
// mapping that watches its mapper's address stream, keeps an optional
// UPnP lease renewed, logs the NAT topology, and walks the configured
// notifier chain with resume-on-failure semantics.
package supervisor

import (
	"context"
	"sync"

	"github.com/hlandau/nat2/internal/config"
	"github.com/hlandau/nat2/internal/mapping"
	"github.com/hlandau/nat2/internal/notifier"
	"github.com/hlandau/nat2/internal/upnpgw"
	"github.com/hlandau/xlog"
)

var log, Log = xlog.NewQuiet("nat2.supervisor")

// NotifierBinding pairs a notifier instance with the metadata to pass
// it on every address change, preserving configured order.
type NotifierBinding struct {
	Notifier notifier.Notifier
	Metadata config.Metadata
}

// Supervisor owns one mapping's lifecycle: it never outlives its
// mapper, and it is the only thing that calls RemovePort on a UPnP
// lease it holds.
type Supervisor struct {
	name      string
	scheme    string
	mapper    mapping.Mapper
	gateway   *upnpgw.Gateway // nil if this mapping has no UPnP lease
	lease     *upnpgw.PortMap // nil if this mapping has no UPnP lease
	notifiers []NotifierBinding

	lastPublic   string
	failedCursor int // -1 means "no pending resume"

	done chan struct{}
}

// New constructs a supervisor and starts its task. scheme is the
// mapping URL's scheme ("tcp" or "udp"), used only for topology
// logging.
func New(name, scheme string, m mapping.Mapper, gw *upnpgw.Gateway, lease *upnpgw.PortMap, notifiers []NotifierBinding) *Supervisor {
	s := &Supervisor{
		name:         name,
		scheme:       scheme,
		mapper:       m,
		gateway:      gw,
		lease:        lease,
		notifiers:    notifiers,
		failedCursor: -1,
		done:         make(chan struct{}),
	}
	go s.run()
	return s
}

// Shutdown tears the supervisor down: it closes the mapper, which ends
// the task's address loop; the task then removes any held UPnP lease
// (best-effort) before exiting. Shutdown waits for the task to exit or
// for ctx to end, whichever comes first.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mapper.Close()
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer s.teardownUPnP()

	for addr := range s.mapper.Addresses() {
		s.handleAddress(addr)
	}
}

func (s *Supervisor) teardownUPnP() {
	if s.gateway == nil || s.lease == nil {
		return
	}
	if err := s.gateway.RemovePort(s.lease); err != nil {
		log.Errorf("mapping %s: removing upnp lease: %v", s.name, err)
	}
}

func (s *Supervisor) handleAddress(addr mapping.MappedAddress) {
	if s.gateway != nil && s.lease != nil {
		if err := s.gateway.RenewPort(s.lease); err != nil {
			log.Errorf("mapping %s: renewing upnp lease: %v", s.name, err)
		}
	}

	formatted := addr.String()
	changed := formatted != s.lastPublic
	s.lastPublic = formatted

	s.logTopology(addr)

	var startIdx int
	switch {
	case changed:
		startIdx = 0
	case s.failedCursor >= 0:
		startIdx = s.failedCursor
	default:
		return
	}

	s.deliver(addr, startIdx)
}

func (s *Supervisor) logTopology(addr mapping.MappedAddress) {
	local := s.mapper.LocalAddr()
	if s.gateway != nil && s.lease != nil {
		gwIP := "unknown"
		if ip, err := s.gateway.ExternalIP(); err == nil {
			gwIP = ip.String()
		}
		log.Infof("mapping %s: %s://%s <-- upnp://%s:%d --> %s://%s",
			s.name, s.scheme, local, gwIP, s.lease.ExternalPort, s.scheme, addr)
		return
	}
	log.Infof("mapping %s: %s://%s <--> %s://%s", s.name, s.scheme, local, s.scheme, addr)
}

// deliver walks the notifier chain starting at idx; on the first
// failure it records the index to resume from next time and stops.
func (s *Supervisor) deliver(addr mapping.MappedAddress, idx int) {
	for j := idx; j < len(s.notifiers); j++ {
		b := s.notifiers[j]
		if err := b.Notifier.Publish(addr, b.Metadata); err != nil {
			log.Errorf("mapping %s: notifier %s/%s failed: %v", s.name, b.Notifier.Kind(), b.Notifier.Name(), err)
			s.failedCursor = j
			return
		}
	}
	s.failedCursor = -1
}

// WaitGroupDone lets the orchestrator block on every supervisor's
// final exit without each one needing to know about a shared
// sync.WaitGroup directly.
func (s *Supervisor) WaitGroupDone(wg *sync.WaitGroup) {
	go func() {
		<-s.done
		wg.Done()
	}()
}
