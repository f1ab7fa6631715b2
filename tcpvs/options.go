package tcpvs

import (
	"encoding/binary"

	"github.com/daniellavrushin/lb4/conn"
	"github.com/daniellavrushin/lb4/metrics"
	"github.com/daniellavrushin/lb4/packet"
)

// adjustMSS shrinks the advertised MSS by the on-wire size of the
// client-address option, so the backend's segments still fit after
// injection. Runs on backend-to-client SYN|ACK only.
func (t *TCP) adjustMSS(th packet.TCPHeader) {
	if !t.opts.MSSAdjust {
		return
	}
	opts := th.Options()
	packet.WalkOptions(opts, func(kind byte, body []byte, off int) bool {
		if kind == packet.OptMSS && len(body) == packet.OptLenMSS-2 {
			mss := binary.BigEndian.Uint16(body)
			binary.BigEndian.PutUint16(body, mss-packet.OptLenAddr)
			return false
		}
		return true
	})
}

// removeTimestamp rewrites the timestamp option to NOPs in place. Local
// addresses shared across clients would otherwise present inconsistent
// timestamps to the backend. The caller recomputes the full checksum.
func (t *TCP) removeTimestamp(th packet.TCPHeader) {
	if !t.opts.TimestampRemove {
		return
	}
	opts := th.Options()
	packet.WalkOptions(opts, func(kind byte, body []byte, off int) bool {
		if kind == packet.OptTimestamp && len(body) == packet.OptLenTimestamp-2 {
			for i := 0; i < packet.OptLenTimestamp; i++ {
				opts[off+i] = packet.OptNOP
			}
			return false
		}
		return true
	})
}

// adjustSACK subtracts delta from every sequence value of every SACK
// block. Used on the backend-to-client path in full NAT.
func (t *TCP) adjustSACK(th packet.TCPHeader, delta uint32) {
	if delta == 0 {
		return
	}
	opts := th.Options()
	packet.WalkOptions(opts, func(kind byte, body []byte, off int) bool {
		if kind == packet.OptSACK &&
			len(body) >= packet.OptLenSACKPerBlk &&
			len(body)%packet.OptLenSACKPerBlk == 0 {
			for i := 0; i+4 <= len(body); i += 4 {
				seq := binary.BigEndian.Uint32(body[i : i+4])
				binary.BigEndian.PutUint32(body[i:i+4], seq-delta)
			}
			return false
		}
		return true
	})
}

// addClientAddr injects the 8-byte client-address option into the first
// data-carrying segment toward the backend, growing the packet in place.
// Returns the packet to use afterwards; injection failures deliver the
// original packet untouched.
func (t *TCP) addClientAddr(p *packet.Packet, cp *conn.Conn) *packet.Packet {
	th := p.TCP()

	if cp.AF != packet.AFInet {
		metrics.Get().Inc(metrics.TOAFailProto)
		return p
	}

	// Only the first data segment gets the option; anything later means
	// the chance has passed for good.
	if after(th.Seq(), cp.FnatSeq.FdataSeq) {
		cp.Flags |= conn.FCIPInserted
		return p
	}

	// No room within the path MTU: give up on this connection for good
	// rather than probing again on every segment.
	if p.MTU > 0 && len(p.Data) > p.MTU-packet.OptLenAddr {
		cp.Flags |= conn.FCIPInserted
		metrics.Get().Inc(metrics.TOAFailLen)
		return p
	}

	// The wire format caps the TCP header at 60 bytes.
	doff := th.DataOff()
	if doff > 60-packet.OptLenAddr {
		metrics.Get().Inc(metrics.TOAFailLen)
		return p
	}

	old := p.Data
	grown := make([]byte, len(old)+packet.OptLenAddr)
	optStart := p.L4Off + packet.TCPHeaderMinLen

	// Headers up to the base TCP header, then the new option, then the
	// old options and payload shifted right.
	copy(grown, old[:optStart])
	copy(grown[optStart+packet.OptLenAddr:], old[optStart:])

	opt := grown[optStart : optStart+packet.OptLenAddr]
	opt[0] = packet.OptAddr
	opt[1] = packet.OptLenAddr
	binary.BigEndian.PutUint16(opt[2:4], cp.CPort)
	copy(opt[4:8], cp.CAddr.To4())

	np := *p
	np.Data = grown
	nth := np.TCP()
	nth.SetDataOff(doff/4 + packet.OptLenAddr/4)
	np.SetTotalLen(len(grown))
	np.FinalizeIP()

	cp.Flags |= conn.FCIPInserted
	metrics.Get().Inc(metrics.TOAOK)
	return &np
}
