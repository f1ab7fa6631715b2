package tcpvs

import (
	"encoding/binary"
	"net"

	"github.com/daniellavrushin/lb4/conn"
	"github.com/daniellavrushin/lb4/csum"
	"github.com/daniellavrushin/lb4/log"
	"github.com/daniellavrushin/lb4/metrics"
	"github.com/daniellavrushin/lb4/packet"
)

const defaultTTL = 64

// buildRst assembles a minimum-size packet carrying a bare RST: IP header
// plus a 20-byte TCP header, full checksum computed over the saddr/daddr
// pseudo-header.
func buildRst(af int, saddr, daddr net.IP, sport, dport uint16, seq uint32) *packet.Packet {
	var raw []byte
	var l4off int

	if af == packet.AFInet6 {
		l4off = packet.IPv6HeaderLen
		raw = make([]byte, l4off+packet.TCPHeaderMinLen)
		raw[0] = 0x60
		binary.BigEndian.PutUint16(raw[4:6], packet.TCPHeaderMinLen)
		raw[6] = 6 // next header TCP
		raw[7] = defaultTTL
		copy(raw[8:24], saddr.To16())
		copy(raw[24:40], daddr.To16())
	} else {
		l4off = 20
		raw = make([]byte, l4off+packet.TCPHeaderMinLen)
		raw[0] = 0x45
		binary.BigEndian.PutUint16(raw[2:4], uint16(len(raw)))
		binary.BigEndian.PutUint16(raw[6:8], 0x4000) // DF
		raw[8] = defaultTTL
		raw[9] = 6
		copy(raw[12:16], saddr.To4())
		copy(raw[16:20], daddr.To4())
		csum.IPv4HeaderChecksum(raw[:l4off])
	}

	tcp := raw[l4off:]
	binary.BigEndian.PutUint16(tcp[0:2], sport)
	binary.BigEndian.PutUint16(tcp[2:4], dport)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	// ack_seq stays zero
	tcp[12] = 5 << 4 // data offset 5 words
	tcp[13] = 0x04   // RST

	p := &packet.Packet{Data: raw, AF: af, L4Off: l4off, Proto: 6}
	fullChecksum(p, saddr, daddr)
	return p
}

// sendRstIn synthesizes the RST toward the backend. The transmit path
// applies the connection's NAT on the way out, so the header carries the
// client-side identities.
func (t *TCP) sendRstIn(cp *conn.Conn) {
	var seq uint32

	switch {
	case cp.State == conn.SSynSent && cp.AckPkt.Peek() != nil:
		ap := cp.AckPkt.Peek()
		seq = ap.TCP().Seq()
	case cp.State == conn.SEstablished:
		seq = cp.RsAckSeq
		if cp.IsFullNAT() {
			seq -= cp.FnatSeq.Delta
		}
	default:
		log.Tracef("rst to backend skipped, state %s", cp.State)
		return
	}

	// The RST carries the client-side identities; the in-direction
	// translator applies the connection's NAT exactly as it would for a
	// forwarded packet.
	p := buildRst(cp.AF, cp.CAddr, cp.VAddr, cp.CPort, cp.VPort, seq)
	if cp.IsFullNAT() {
		var ok bool
		if p, ok = t.FnatInHandler(p, cp); !ok {
			return
		}
	} else if !t.DnatHandler(p, cp) {
		return
	}

	log.Tracef("rst to backend seq=%d", seq)
	if err := t.xmit.XmitPacket(p, cp); err != nil {
		log.Tracef("rst to backend: %v", err)
		return
	}
	metrics.Get().Inc(metrics.RSTIn)
}

// sendRstOut synthesizes the RST toward the client, symmetric to
// sendRstIn: full NAT addresses it to the local identity, classic NAT
// to the client-facing one; the response path rewrites either way.
func (t *TCP) sendRstOut(cp *conn.Conn) {
	daddr, dport := cp.CAddr, cp.CPort
	if cp.IsFullNAT() {
		daddr, dport = cp.LAddr, cp.LPort
	}

	var seq uint32
	switch {
	case cp.State == conn.SSynSent && cp.AckPkt.Peek() != nil:
		ap := cp.AckPkt.Peek()
		seq = ap.TCP().AckSeq() - cp.SynProxySeq.Delta
	case cp.State == conn.SEstablished:
		seq = cp.RsEndSeq
	default:
		log.Tracef("rst to client skipped, state %s", cp.State)
		return
	}

	p := buildRst(cp.AF, cp.DAddr, daddr, cp.DPort, dport, seq)

	// Symmetrically, the out-direction translator restores the
	// client-facing identities before the response path sends it.
	var err error
	if cp.IsFullNAT() {
		if !t.FnatOutHandler(p, cp) {
			return
		}
		err = t.xmit.FnatResponse(p, cp)
	} else {
		if !t.SnatHandler(p, cp) {
			return
		}
		err = t.xmit.NormalResponse(p, cp)
	}
	log.Tracef("rst to client seq=%d", seq)
	if err != nil {
		log.Tracef("rst to client: %v", err)
		return
	}
	metrics.Get().Inc(metrics.RSTOut)
}

// ConnExpire runs when the framework expires a connection: classic-NAT
// and full-NAT connections get a RST pair so both peers drop the flow
// immediately.
func (t *TCP) ConnExpire(cp *conn.Conn) {
	if !t.opts.ExpireRST {
		return
	}
	if cp.Flags&(conn.FFullNAT|conn.FMasq) == 0 {
		return
	}
	t.sendRstIn(cp)
	t.sendRstOut(cp)
}
