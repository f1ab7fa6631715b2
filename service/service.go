// Package service keeps the virtual-server registry: services addressable
// by (mark, protocol, address, port), their destinations with live
// connection counters, the schedulers that pick a backend, and the local
// address pool used by full NAT.
package service

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/yl2chen/cidranger"
)

// NoDestPolicy is a service's verdict policy when scheduling finds no
// usable destination.
type NoDestPolicy int

const (
	NoDestDrop NoDestPolicy = iota
	NoDestBypass
)

// Dest is one real server behind a service.
type Dest struct {
	ID     uuid.UUID
	Addr   net.IP
	Port   uint16
	Weight int32

	activeConns atomic.Int64
	inactConns  atomic.Int64
}

func (d *Dest) IncActive()         { d.activeConns.Add(1) }
func (d *Dest) DecActive()         { d.activeConns.Add(-1) }
func (d *Dest) IncInactive()       { d.inactConns.Add(1) }
func (d *Dest) DecInactive()       { d.inactConns.Add(-1) }
func (d *Dest) ActiveConns() int64 { return d.activeConns.Load() }
func (d *Dest) InactConns() int64  { return d.inactConns.Load() }

// localAddr is one entry of the full-NAT local address pool. Ports are
// handed out from a per-address rotor. A pair that is still in use is not
// detected, and the connection table does not retry: an insert with a
// colliding pair replaces the earlier entry's keys.
type localAddr struct {
	addr net.IP
	port atomic.Uint32
}

const (
	localPortMin  = 1024
	localPortSpan = 64511 // 65535 - 1024
)

func (l *localAddr) next() (net.IP, uint16) {
	n := l.port.Add(1)
	return l.addr, uint16(localPortMin + n%localPortSpan)
}

// Service is one virtual server.
type Service struct {
	ID       uuid.UUID
	AF       int
	Proto    uint8
	Addr     net.IP
	Port     uint16
	Mark     uint32
	FullNAT  bool
	Sched    string
	OnNoDest NoDestPolicy

	mu     sync.RWMutex
	dests  []*Dest
	locals []*localAddr
	rr     atomic.Uint32
}

// AddDest registers a destination. Weight 0 keeps it out of scheduling.
func (s *Service) AddDest(addr net.IP, port uint16, weight int32) *Dest {
	d := &Dest{ID: uuid.New(), Addr: addr, Port: port, Weight: weight}
	s.mu.Lock()
	s.dests = append(s.dests, d)
	s.mu.Unlock()
	return d
}

// AddLocal registers a full-NAT local address.
func (s *Service) AddLocal(addr net.IP) {
	s.mu.Lock()
	s.locals = append(s.locals, &localAddr{addr: addr})
	s.mu.Unlock()
}

// Dests returns a snapshot of the destination list.
func (s *Service) Dests() []*Dest {
	s.mu.RLock()
	out := make([]*Dest, len(s.dests))
	copy(out, s.dests)
	s.mu.RUnlock()
	return out
}

// Schedule picks a destination according to the service's scheduler, or
// nil when none is usable.
func (s *Service) Schedule() *Dest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.Sched {
	case "wlc":
		return s.scheduleWLC()
	default:
		return s.scheduleRR()
	}
}

func (s *Service) scheduleRR() *Dest {
	n := len(s.dests)
	if n == 0 {
		return nil
	}
	start := int(s.rr.Add(1))
	for i := 0; i < n; i++ {
		d := s.dests[(start+i)%n]
		if d.Weight > 0 {
			return d
		}
	}
	return nil
}

// scheduleWLC is weighted least-connection: minimize
// (active*256 + inactive) / weight.
func (s *Service) scheduleWLC() *Dest {
	var best *Dest
	var bestCost int64
	for _, d := range s.dests {
		if d.Weight <= 0 {
			continue
		}
		cost := (d.ActiveConns()*256 + d.InactConns()) / int64(d.Weight)
		if best == nil || cost < bestCost {
			best, bestCost = d, cost
		}
	}
	return best
}

// LocalPair hands out a local address and port for a new full-NAT
// connection.
func (s *Service) LocalPair() (net.IP, uint16, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.locals) == 0 {
		return nil, 0, false
	}
	n := s.rr.Load()
	l := s.locals[int(n)%len(s.locals)]
	ip, port := l.next()
	return ip, port, true
}

type svcKey struct {
	af    int
	proto uint8
	addr  string
	port  uint16
	mark  uint32
}

// Registry resolves packets to services and owns the VIP table used by
// the drop-stray policy.
type Registry struct {
	mu       sync.RWMutex
	services map[svcKey]*Service
	vips     cidranger.Ranger

	connCount atomic.Int64
	MaxConns  int64
}

func NewRegistry() *Registry {
	return &Registry{
		services: make(map[svcKey]*Service),
		vips:     cidranger.NewPCTrieRanger(),
	}
}

// Add registers a service and its VIP in the ranger.
func (r *Registry) Add(s *Service) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	k := svcKey{s.AF, s.Proto, string(s.Addr.To16()), s.Port, s.Mark}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.services[k]; dup {
		return fmt.Errorf("service %s:%d already registered", s.Addr, s.Port)
	}
	r.services[k] = s
	bits := 32
	if s.AF == 6 || s.Addr.To4() == nil {
		bits = 128
	}
	ipnet := net.IPNet{IP: s.Addr, Mask: net.CIDRMask(bits, bits)}
	if err := r.vips.Insert(cidranger.NewBasicRangerEntry(ipnet)); err != nil {
		delete(r.services, k)
		return err
	}
	return nil
}

// Lookup finds the service owning (mark, proto, daddr, dport). A service
// registered with mark 0 matches any mark.
func (r *Registry) Lookup(af int, mark uint32, proto uint8, daddr net.IP, dport uint16) *Service {
	k := svcKey{af, proto, string(daddr.To16()), dport, mark}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s := r.services[k]; s != nil {
		return s
	}
	if mark != 0 {
		k.mark = 0
		return r.services[k]
	}
	return nil
}

// IsVIP reports whether daddr belongs to any registered virtual address,
// regardless of port.
func (r *Registry) IsVIP(daddr net.IP) bool {
	ok, err := r.vips.Contains(daddr)
	return err == nil && ok
}

// Services returns a snapshot of all registered services.
func (r *Registry) Services() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Service, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s)
	}
	return out
}

// ConnOpened, ConnClosed, and ToDrop implement the admission check: once
// MaxConns is reached new connections are shed.
func (r *Registry) ConnOpened() { r.connCount.Add(1) }
func (r *Registry) ConnClosed() { r.connCount.Add(-1) }

func (r *Registry) ToDrop() bool {
	return r.MaxConns > 0 && r.connCount.Load() >= r.MaxConns
}
