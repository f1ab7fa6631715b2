// Package packet provides a fixed-offset view over a raw IP packet buffer
// for the TCP data plane: address family resolution, the L4 header window,
// and field accessors that mutate the buffer in place.
package packet

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/daniellavrushin/lb4/csum"
)

const (
	AFInet  = 4
	AFInet6 = 6

	IPv6HeaderLen   = 40
	TCPHeaderMinLen = 20
)

// CsumState mirrors the framework's view of how much of the checksum the
// hardware already took care of.
type CsumState uint8

const (
	CsumNone CsumState = iota
	CsumPartial
	CsumComplete
	CsumUnnecessary
)

var (
	ErrTruncated  = errors.New("packet: truncated header")
	ErrFragment   = errors.New("packet: fragmented")
	ErrBadVersion = errors.New("packet: not IPv4 or IPv6")
)

// Packet is a single-owner view of one raw IP packet. Handlers require
// exclusive write access to Data for their whole run; the worker copies
// the kernel buffer before constructing one.
type Packet struct {
	Data  []byte
	AF    int
	L4Off int
	Proto uint8
	Csum  CsumState
	MTU   int
	Mark  uint32
}

// Parse locates the L4 header window. Fragments are rejected: the
// framework is expected to deliver a reassembled header window.
func Parse(raw []byte, mtu int) (*Packet, error) {
	if len(raw) < 1 {
		return nil, ErrTruncated
	}
	switch raw[0] >> 4 {
	case 4:
		if len(raw) < 20 {
			return nil, ErrTruncated
		}
		ihl := int(raw[0]&0x0f) * 4
		if ihl < 20 || len(raw) < ihl {
			return nil, ErrTruncated
		}
		frag := binary.BigEndian.Uint16(raw[6:8])
		if frag&0x1fff != 0 || frag&0x2000 != 0 {
			return nil, ErrFragment
		}
		return &Packet{Data: raw, AF: AFInet, L4Off: ihl, Proto: raw[9], MTU: mtu}, nil
	case 6:
		if len(raw) < IPv6HeaderLen {
			return nil, ErrTruncated
		}
		next := raw[6]
		off := IPv6HeaderLen
		for {
			switch next {
			case 0, 43, 60:
				if len(raw) < off+2 {
					return nil, ErrTruncated
				}
				h := int(raw[off+1])*8 + 8
				next = raw[off]
				off += h
			case 44:
				return nil, ErrFragment
			default:
				return &Packet{Data: raw, AF: AFInet6, L4Off: off, Proto: next, MTU: mtu}, nil
			}
		}
	}
	return nil, ErrBadVersion
}

// Clone returns a deep copy sharing no bytes with p.
func (p *Packet) Clone() *Packet {
	q := *p
	q.Data = make([]byte, len(p.Data))
	copy(q.Data, p.Data)
	return &q
}

// L4Len is the number of bytes from the TCP header to the end of the
// packet.
func (p *Packet) L4Len() int {
	return len(p.Data) - p.L4Off
}

// TCPOK reports whether the buffer holds at least a full base TCP header
// and the advertised data offset fits.
func (p *Packet) TCPOK() bool {
	if p.L4Len() < TCPHeaderMinLen {
		return false
	}
	doff := int(p.Data[p.L4Off+12]>>4) * 4
	return doff >= TCPHeaderMinLen && p.L4Len() >= doff
}

// TCP returns the L4 window as a header view. Callers must have checked
// TCPOK.
func (p *Packet) TCP() TCPHeader {
	return TCPHeader{b: p.Data[p.L4Off:]}
}

// SrcIP and DstIP return aliases into the buffer in on-wire width.

func (p *Packet) SrcIP() net.IP {
	if p.AF == AFInet6 {
		return net.IP(p.Data[8:24])
	}
	return net.IP(p.Data[12:16])
}

func (p *Packet) DstIP() net.IP {
	if p.AF == AFInet6 {
		return net.IP(p.Data[24:40])
	}
	return net.IP(p.Data[16:20])
}

func (p *Packet) SetSrcIP(ip net.IP) {
	if p.AF == AFInet6 {
		copy(p.Data[8:24], ip.To16())
	} else {
		copy(p.Data[12:16], ip.To4())
	}
}

func (p *Packet) SetDstIP(ip net.IP) {
	if p.AF == AFInet6 {
		copy(p.Data[24:40], ip.To16())
	} else {
		copy(p.Data[16:20], ip.To4())
	}
}

// SetTotalLen rewrites the length field appropriate to the family: the
// IPv4 total length, or the IPv6 payload length.
func (p *Packet) SetTotalLen(total int) {
	if p.AF == AFInet6 {
		binary.BigEndian.PutUint16(p.Data[4:6], uint16(total-IPv6HeaderLen))
	} else {
		binary.BigEndian.PutUint16(p.Data[2:4], uint16(total))
	}
}

// FinalizeIP recomputes the IPv4 header checksum. IPv6 has none.
func (p *Packet) FinalizeIP() {
	if p.AF == AFInet {
		csum.IPv4HeaderChecksum(p.Data[:p.L4Off])
	}
}

// TCPHeader is a mutable view of a TCP segment (header plus payload).
type TCPHeader struct {
	b []byte
}

func (t TCPHeader) SrcPort() uint16     { return binary.BigEndian.Uint16(t.b[0:2]) }
func (t TCPHeader) DstPort() uint16     { return binary.BigEndian.Uint16(t.b[2:4]) }
func (t TCPHeader) SetSrcPort(p uint16) { binary.BigEndian.PutUint16(t.b[0:2], p) }
func (t TCPHeader) SetDstPort(p uint16) { binary.BigEndian.PutUint16(t.b[2:4], p) }

func (t TCPHeader) Seq() uint32        { return binary.BigEndian.Uint32(t.b[4:8]) }
func (t TCPHeader) AckSeq() uint32     { return binary.BigEndian.Uint32(t.b[8:12]) }
func (t TCPHeader) SetSeq(v uint32)    { binary.BigEndian.PutUint32(t.b[4:8], v) }
func (t TCPHeader) SetAckSeq(v uint32) { binary.BigEndian.PutUint32(t.b[8:12], v) }

// DataOff is the header length in bytes.
func (t TCPHeader) DataOff() int { return int(t.b[12]>>4) * 4 }

// SetDataOff sets the header length, given in 32-bit words.
func (t TCPHeader) SetDataOff(words int) { t.b[12] = byte(words)<<4 | t.b[12]&0x0f }

func (t TCPHeader) SYN() bool { return t.b[13]&0x02 != 0 }
func (t TCPHeader) FIN() bool { return t.b[13]&0x01 != 0 }
func (t TCPHeader) RST() bool { return t.b[13]&0x04 != 0 }
func (t TCPHeader) ACK() bool { return t.b[13]&0x10 != 0 }

func (t TCPHeader) Checksum() uint16     { return binary.BigEndian.Uint16(t.b[16:18]) }
func (t TCPHeader) SetChecksum(c uint16) { binary.BigEndian.PutUint16(t.b[16:18], c) }
func (t TCPHeader) ZeroChecksum()        { t.b[16], t.b[17] = 0, 0 }

// Options returns the option bytes between the base header and the data
// offset.
func (t TCPHeader) Options() []byte {
	return t.b[TCPHeaderMinLen:t.DataOff()]
}

// Segment is the whole L4 window.
func (t TCPHeader) Segment() []byte { return t.b }

// PayloadLen is the number of data bytes after the header.
func (t TCPHeader) PayloadLen() int { return len(t.b) - t.DataOff() }
