package tcpvs

import (
	"net"

	"github.com/daniellavrushin/lb4/conn"
	"github.com/daniellavrushin/lb4/csum"
	"github.com/daniellavrushin/lb4/packet"
)

// wireAddr returns ip in the on-wire width for the family, so the
// checksum primitives pick the right diff width.
func wireAddr(af int, ip net.IP) net.IP {
	if af == packet.AFInet6 {
		return ip.To16()
	}
	return ip.To4()
}

// fullChecksum recomputes the TCP checksum over the whole segment against
// the pseudo-header for the given address pair.
func fullChecksum(p *packet.Packet, saddr, daddr net.IP) {
	th := p.TCP()
	th.ZeroChecksum()
	th.SetChecksum(csum.TCPChecksum(wireAddr(p.AF, saddr), wireAddr(p.AF, daddr),
		p.Proto, p.Data[p.L4Off:]))
}

// appBeforeMangle runs the checksum verification and the app helper's
// callback for connections with a bound helper. in selects PktIn vs
// PktOut.
func (t *TCP) appBeforeMangle(p *packet.Packet, cp *conn.Conn, in bool) bool {
	if cp.App == nil {
		return true
	}
	if !t.CsumCheck(cp.AF, p) {
		return false
	}
	if in {
		return cp.App.PktIn(cp, p)
	}
	return cp.App.PktOut(cp, p)
}

// SnatHandler translates a backend-to-client packet for classic NAT and
// the direct-routing return path: source port becomes the virtual port.
func (t *TCP) SnatHandler(p *packet.Packet, cp *conn.Conn) bool {
	if !p.TCPOK() {
		return false
	}
	oldlen := p.L4Len()

	if !t.appBeforeMangle(p, cp, false) {
		return false
	}

	th := p.TCP()
	t.saveOutSeq(cp, th)
	th.SetSrcPort(cp.VPort)

	// The SYN proxy sees every return packet; for non-proxied
	// connections this is a no-op.
	if !t.proxy.SnatHandler(th, cp) {
		return false
	}

	switch {
	case p.Csum == packet.CsumPartial:
		th.SetChecksum(csum.UpdatePartial(th.Checksum(),
			wireAddr(cp.AF, cp.DAddr), wireAddr(cp.AF, cp.VAddr),
			uint16(oldlen), uint16(p.L4Len())))
	case cp.App == nil:
		th.SetChecksum(csum.UpdatePorts(th.Checksum(),
			wireAddr(cp.AF, cp.DAddr), wireAddr(cp.AF, cp.VAddr),
			cp.DPort, cp.VPort))
		if p.Csum == packet.CsumComplete {
			p.Csum = packet.CsumNone
		}
	default:
		fullChecksum(p, cp.VAddr, cp.CAddr)
	}
	return true
}

// DnatHandler translates a client-to-backend packet for classic NAT:
// destination port becomes the backend port.
func (t *TCP) DnatHandler(p *packet.Packet, cp *conn.Conn) bool {
	if !p.TCPOK() {
		return false
	}
	oldlen := p.L4Len()

	if !t.appBeforeMangle(p, cp, true) {
		return false
	}

	th := p.TCP()
	th.SetDstPort(cp.DPort)

	t.proxy.DnatHandler(th, &cp.SynProxySeq)

	switch {
	case p.Csum == packet.CsumPartial:
		th.SetChecksum(csum.UpdatePartial(th.Checksum(),
			wireAddr(cp.AF, cp.VAddr), wireAddr(cp.AF, cp.DAddr),
			uint16(oldlen), uint16(p.L4Len())))
	case cp.App == nil:
		th.SetChecksum(csum.UpdatePorts(th.Checksum(),
			wireAddr(cp.AF, cp.VAddr), wireAddr(cp.AF, cp.DAddr),
			cp.VPort, cp.DPort))
		if p.Csum == packet.CsumComplete {
			p.Csum = packet.CsumNone
		}
	default:
		fullChecksum(p, cp.CAddr, cp.DAddr)
		p.Csum = packet.CsumUnnecessary
	}
	return true
}

// FnatInHandler translates a client-to-backend packet for full NAT. The
// option injector may grow the buffer, so the caller must continue with
// the returned packet.
func (t *TCP) FnatInHandler(p *packet.Packet, cp *conn.Conn) (*packet.Packet, bool) {
	if !p.TCPOK() {
		return p, false
	}

	if !t.appBeforeMangle(p, cp, true) {
		return p, false
	}

	th := p.TCP()
	th.SetSrcPort(cp.LPort)
	th.SetDstPort(cp.DPort)

	// A fresh handshake: strip the timestamp option (local addresses
	// shared across clients would present inconsistent values) and pick
	// the sequence mapping toward the backend.
	if th.SYN() && !th.ACK() {
		t.removeTimestamp(th)
		t.inInitSeq(cp, th)
	}

	if t.opts.TOA && cp.Flags&conn.FCIPInserted == 0 &&
		!th.RST() && !th.FIN() && th.PayloadLen() > 0 {
		p = t.addClientAddr(p, cp)
		th = p.TCP()
	}

	t.inAdjustSeq(cp, th)

	fullChecksum(p, cp.LAddr, cp.DAddr)
	p.Csum = packet.CsumUnnecessary
	return p, true
}

// FnatOutHandler translates a backend-to-client packet for full NAT.
func (t *TCP) FnatOutHandler(p *packet.Packet, cp *conn.Conn) bool {
	if !p.TCPOK() {
		return false
	}

	if !t.appBeforeMangle(p, cp, false) {
		return false
	}

	th := p.TCP()
	t.saveOutSeq(cp, th)
	th.SetSrcPort(cp.VPort)
	th.SetDstPort(cp.CPort)

	if th.SYN() && th.ACK() {
		t.adjustMSS(th)
	}

	if !t.outAdjustSeq(cp, th) {
		return false
	}

	fullChecksum(p, cp.VAddr, cp.CAddr)
	return true
}
