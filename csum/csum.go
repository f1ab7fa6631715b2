// Package csum implements the ones-complement checksum arithmetic used by
// the TCP translators: full pseudo-header checksums for IPv4 and IPv6,
// incremental updates for address/port rewrites, and the partial-mode
// update applied to hardware-offloaded packets.
package csum

import (
	"encoding/binary"
	"net"
)

// Fold collapses a 32-bit partial sum into the final complemented 16-bit
// checksum value.
func Fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// Unfold widens a stored 16-bit checksum back into a 32-bit partial sum.
func Unfold(cs uint16) uint32 {
	return uint32(cs)
}

// Add combines two partial sums, wrapping the carry back in.
func Add(a, b uint32) uint32 {
	s := a + b
	if s < b {
		s++
	}
	return s
}

// Diff2 feeds a 16-bit field change into sum: the old value is removed,
// the new value added.
func Diff2(old, new uint16, sum uint32) uint32 {
	return Add(Add(sum, uint32(^old)), uint32(new))
}

// Diff4 feeds a 4-byte (IPv4 address) change into sum.
func Diff4(old, new []byte, sum uint32) uint32 {
	for i := 0; i < 4; i += 2 {
		sum = Diff2(binary.BigEndian.Uint16(old[i:i+2]),
			binary.BigEndian.Uint16(new[i:i+2]), sum)
	}
	return sum
}

// Diff16 feeds a 16-byte (IPv6 address) change into sum.
func Diff16(old, new []byte, sum uint32) uint32 {
	for i := 0; i < 16; i += 2 {
		sum = Diff2(binary.BigEndian.Uint16(old[i:i+2]),
			binary.BigEndian.Uint16(new[i:i+2]), sum)
	}
	return sum
}

// Sum accumulates the 16-bit big-endian words of b into a partial sum. An
// odd trailing byte is padded with zero on the right.
func Sum(b []byte, sum uint32) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum = Add(sum, uint32(binary.BigEndian.Uint16(b[i:i+2])))
	}
	if n%2 == 1 {
		sum = Add(sum, uint32(b[n-1])<<8)
	}
	return sum
}

// PseudoSum returns the partial sum of the TCP/UDP pseudo-header for the
// given address pair. Addresses must be in their on-wire width (4 bytes
// for IPv4, 16 for IPv6).
func PseudoSum(saddr, daddr net.IP, proto uint8, l4len int) uint32 {
	var sum uint32
	sum = Sum(saddr, sum)
	sum = Sum(daddr, sum)
	sum = Add(sum, uint32(proto))
	sum = Add(sum, uint32(l4len))
	return sum
}

// TCPChecksum computes the full TCP checksum of seg (header plus payload,
// with the checksum field zeroed by the caller) against the pseudo-header
// for the saddr/daddr pair.
func TCPChecksum(saddr, daddr net.IP, proto uint8, seg []byte) uint16 {
	return Fold(Sum(seg, PseudoSum(saddr, daddr, proto, len(seg))))
}

// VerifyTCP reports whether seg carries a valid TCP checksum for the
// saddr/daddr pair. The stored checksum field participates in the sum, so
// a valid segment folds to zero.
func VerifyTCP(saddr, daddr net.IP, proto uint8, seg []byte) bool {
	return Fold(Sum(seg, PseudoSum(saddr, daddr, proto, len(seg)))) == 0
}

// UpdatePorts applies the incremental update for a rewrite that changed
// only one address and one port, returning the new stored checksum.
func UpdatePorts(check uint16, oldAddr, newAddr net.IP, oldPort, newPort uint16) uint16 {
	sum := ^Unfold(check)
	sum = Diff2(oldPort, newPort, sum)
	if len(oldAddr) == net.IPv6len && len(newAddr) == net.IPv6len {
		sum = Diff16(oldAddr, newAddr, sum)
	} else {
		sum = Diff4(oldAddr.To4(), newAddr.To4(), sum)
	}
	return Fold(sum)
}

// UpdatePartial adjusts a partial-mode checksum, where the stored value
// covers only the pseudo-header. Only the address pair and the L4 length
// can have changed.
func UpdatePartial(check uint16, oldAddr, newAddr net.IP, oldLen, newLen uint16) uint16 {
	sum := Unfold(check)
	sum = Diff2(oldLen, newLen, sum)
	if len(oldAddr) == net.IPv6len && len(newAddr) == net.IPv6len {
		sum = Diff16(oldAddr, newAddr, sum)
	} else {
		sum = Diff4(oldAddr.To4(), newAddr.To4(), sum)
	}
	return ^Fold(sum)
}

// IPv4HeaderChecksum recomputes the header checksum over hdr in place.
func IPv4HeaderChecksum(hdr []byte) {
	if len(hdr) < 20 {
		return
	}
	hdr[10], hdr[11] = 0, 0
	ihl := int(hdr[0]&0x0f) * 4
	if ihl > len(hdr) {
		ihl = len(hdr)
	}
	binary.BigEndian.PutUint16(hdr[10:12], Fold(Sum(hdr[:ihl], 0)))
}
