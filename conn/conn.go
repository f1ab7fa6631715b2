// Package conn holds the per-connection record mutated by the TCP data
// plane: addresses and ports for the client, virtual, local, and backend
// identities, mode flags, tracking state, and the sequence contexts used
// by full NAT and the SYN proxy.
package conn

import (
	"net"
	"sync"
	"time"

	"github.com/daniellavrushin/lb4/packet"
	"github.com/daniellavrushin/lb4/service"
)

// Mode and bookkeeping flags.
const (
	FMasq        uint32 = 1 << 0 // classic NAT forwarding
	FFullNAT     uint32 = 1 << 1 // both source and destination rewritten
	FNoOutput    uint32 = 1 << 2 // no egress packet observed yet
	FInactive    uint32 = 1 << 3 // not counted as an active connection
	FCIPInserted uint32 = 1 << 4 // client-address option already sent
)

// Seq is the full-NAT sequence context. Delta is fixed for the lifetime
// of the connection once the first SYN chose InitSeq, except for a
// sanctioned re-init on connection reuse.
type Seq struct {
	InitSeq  uint32 // ISN chosen toward the backend
	Delta    uint32 // InitSeq - client ISN, mod 2^32
	FdataSeq uint32 // client ISN + 1, first data byte
}

// SynProxySeq is the SYN-proxy sequence context. It is opaque to the TCP
// module and only consulted through the synproxy handlers, apart from the
// delta used when seeding the client-side RST.
type SynProxySeq struct {
	ISN   uint32
	Delta uint32
}

// AckQueue is the single-slot queue holding the most recent ACK seen in
// SYN_SENT. The RST paths peek it; enqueueing replaces the slot.
type AckQueue struct {
	mu  sync.Mutex
	pkt *packet.Packet
}

func (q *AckQueue) Enqueue(p *packet.Packet) {
	q.mu.Lock()
	q.pkt = p
	q.mu.Unlock()
}

// Peek dequeues the stored packet and immediately puts it back, so the
// sibling RST path still finds it.
func (q *AckQueue) Peek() *packet.Packet {
	q.mu.Lock()
	p := q.pkt
	q.mu.Unlock()
	return p
}

func (q *AckQueue) Clear() {
	q.mu.Lock()
	q.pkt = nil
	q.mu.Unlock()
}

// Conn is one balanced connection. State, OldState, Timeout, and the
// NoOutput/Inactive flag bits are only touched under the lock; the
// translators rely on the worker serializing packets of one connection.
type Conn struct {
	mu sync.Mutex

	AF    int
	Proto uint8

	CAddr net.IP
	VAddr net.IP
	LAddr net.IP
	DAddr net.IP
	CPort uint16
	VPort uint16
	LPort uint16
	DPort uint16

	Flags uint32

	State    State
	OldState State
	Timeout  time.Duration

	FnatSeq     Seq
	SynProxySeq SynProxySeq

	// Last in-order ack/seq+len seen from the backend, seeding expiry
	// RSTs.
	RsAckSeq uint32
	RsEndSeq uint32

	AckPkt AckQueue

	Dest *service.Dest
	App  AppBinding
}

// AppBinding is the slice of an application helper a connection calls
// into while mangling.
type AppBinding interface {
	PktIn(cp *Conn, p *packet.Packet) bool
	PktOut(cp *Conn, p *packet.Packet) bool
}

func (c *Conn) Lock()   { c.mu.Lock() }
func (c *Conn) Unlock() { c.mu.Unlock() }

// IsFullNAT and IsMasq classify the forwarding mode.
func (c *Conn) IsFullNAT() bool { return c.Flags&FFullNAT != 0 }
func (c *Conn) IsMasq() bool    { return c.Flags&FMasq != 0 }
