package tcpvs

import (
	"crypto/rand"
	"encoding/binary"
	"net"

	"golang.org/x/crypto/blake2b"
)

// newSecureISN builds the default initial-sequence-number generator: a
// keyed hash over the (laddr, daddr, lport, dport) tuple, keyed once per
// process so the same tuple maps to the same ISN for the process
// lifetime.
func newSecureISN() ISNFunc {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		panic(err)
	}
	return func(laddr, daddr net.IP, lport, dport uint16) uint32 {
		h, _ := blake2b.New256(key[:])
		h.Write(laddr.To16())
		h.Write(daddr.To16())
		var ports [4]byte
		binary.BigEndian.PutUint16(ports[0:2], lport)
		binary.BigEndian.PutUint16(ports[2:4], dport)
		h.Write(ports[:])
		return binary.BigEndian.Uint32(h.Sum(nil)[:4])
	}
}
