package tcpvs

import (
	"net"

	"github.com/daniellavrushin/lb4/conn"
	"github.com/daniellavrushin/lb4/log"
	"github.com/daniellavrushin/lb4/metrics"
	"github.com/daniellavrushin/lb4/packet"
	"github.com/daniellavrushin/lb4/service"
)

// ConnSchedule decides whether a packet with no existing connection opens
// a new balanced one. handled=true means the verdict is final; otherwise
// cp, when non-nil, is the freshly created connection and processing
// continues with it.
func (t *TCP) ConnSchedule(af int, p *packet.Packet) (handled bool, v Verdict, cp *conn.Conn) {
	if !p.TCPOK() {
		return true, Drop, nil
	}
	th := p.TCP()

	// SYN-proxy step 2: the client's handshake ACK may complete a
	// proxied connection before any scheduling happens.
	if h, drop, pcp := t.proxy.AckRcv(af, p); h {
		if drop {
			return true, Drop, nil
		}
		return true, Accept, pcp
	}

	if th.SYN() && !th.ACK() && !th.FIN() && !th.RST() {
		svc := t.registry.Lookup(af, p.Mark, p.Proto, p.DstIP(), th.DstPort())
		if svc != nil {
			if t.registry.ToDrop() {
				// Shedding load: this SYN loses.
				return true, Drop, nil
			}
			cp = t.newConn(svc, p, th)
			if cp == nil {
				if svc.OnNoDest == service.NoDestBypass {
					return true, Accept, nil
				}
				return true, Drop, nil
			}
			return false, Accept, cp
		}
	}

	// Stray TCP toward a virtual address with no service on that port.
	if t.opts.DropEntry && t.registry.IsVIP(p.DstIP()) {
		metrics.Get().Inc(metrics.DefenceTCPDrop)
		return true, Drop, nil
	}

	return false, Accept, nil
}

// newConn asks the service's scheduler for a destination and builds the
// connection record around it. Returns nil when no destination is usable.
func (t *TCP) newConn(svc *service.Service, p *packet.Packet, th packet.TCPHeader) *conn.Conn {
	dest := svc.Schedule()
	if dest == nil {
		log.Tracef("no destination for %s:%d", svc.Addr, svc.Port)
		return nil
	}

	cp := &conn.Conn{
		AF:    p.AF,
		Proto: p.Proto,
		CAddr: cloneIP(p.SrcIP()),
		VAddr: cloneIP(p.DstIP()),
		DAddr: dest.Addr,
		CPort: th.SrcPort(),
		VPort: th.DstPort(),
		DPort: dest.Port,
		State: conn.SNone,
		Dest:  dest,
	}
	cp.Timeout = t.timeouts[conn.SNone]

	if svc.FullNAT {
		laddr, lport, ok := svc.LocalPair()
		if !ok {
			log.Errorf("fullnat service %s:%d has no local addresses", svc.Addr, svc.Port)
			return nil
		}
		cp.LAddr = laddr
		cp.LPort = lport
		cp.Flags = conn.FFullNAT | conn.FNoOutput | conn.FInactive
	} else {
		cp.Flags = conn.FMasq | conn.FNoOutput | conn.FInactive
	}

	// A new connection starts outside ESTABLISHED.
	dest.IncInactive()
	t.registry.ConnOpened()
	metrics.Get().Inc(metrics.ConnsCreated)
	return cp
}

// ConnClosed releases the registry and destination accounting when the
// framework destroys a connection.
func (t *TCP) ConnClosed(cp *conn.Conn) {
	if d := cp.Dest; d != nil {
		if cp.Flags&conn.FInactive != 0 {
			d.DecInactive()
		} else {
			d.DecActive()
		}
	}
	t.registry.ConnClosed()
	metrics.Get().Inc(metrics.ConnsExpired)
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}
