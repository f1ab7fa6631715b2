package nfq

import (
	"net"
	"sync"
	"time"

	"github.com/daniellavrushin/lb4/conn"
	"github.com/daniellavrushin/lb4/log"
	"github.com/daniellavrushin/lb4/packet"
	"github.com/daniellavrushin/lb4/tcpvs"
)

type connKey struct {
	af    int
	proto uint8
	saddr string
	daddr string
	sport uint16
	dport uint16
}

func keyOf(af int, proto uint8, saddr net.IP, sport uint16, daddr net.IP, dport uint16) connKey {
	return connKey{
		af:    af,
		proto: proto,
		saddr: string(saddr.To16()),
		daddr: string(daddr.To16()),
		sport: sport,
		dport: dport,
	}
}

// Entry tracks one connection in the table together with its expiry
// timer.
type Entry struct {
	Cp *conn.Conn

	timer  *time.Timer
	inKey  connKey
	outKey connKey
	gone   bool
}

// ConnTable maps packets to connections from both directions and owns
// connection expiry: when a timer fires the protocol's expire handler
// runs (RST synthesis) and the connection is torn down.
type ConnTable struct {
	mu  sync.Mutex
	in  map[connKey]*Entry
	out map[connKey]*Entry
	tcp *tcpvs.TCP
}

func NewConnTable(tcp *tcpvs.TCP) *ConnTable {
	return &ConnTable{
		in:  make(map[connKey]*Entry),
		out: make(map[connKey]*Entry),
		tcp: tcp,
	}
}

// Insert registers a fresh connection under both direction keys and arms
// its timer.
func (t *ConnTable) Insert(cp *conn.Conn) *Entry {
	e := &Entry{
		Cp:    cp,
		inKey: keyOf(cp.AF, cp.Proto, cp.CAddr, cp.CPort, cp.VAddr, cp.VPort),
	}
	if cp.IsFullNAT() {
		e.outKey = keyOf(cp.AF, cp.Proto, cp.DAddr, cp.DPort, cp.LAddr, cp.LPort)
	} else {
		e.outKey = keyOf(cp.AF, cp.Proto, cp.DAddr, cp.DPort, cp.CAddr, cp.CPort)
	}

	t.mu.Lock()
	t.in[e.inKey] = e
	t.out[e.outKey] = e
	t.mu.Unlock()

	e.timer = time.AfterFunc(cp.Timeout, func() { t.expire(e) })
	return e
}

// Lookup resolves a packet to a connection and its direction.
func (t *ConnTable) Lookup(p *packet.Packet) (*Entry, tcpvs.Direction, bool) {
	th := p.TCP()
	ik := keyOf(p.AF, p.Proto, p.SrcIP(), th.SrcPort(), p.DstIP(), th.DstPort())

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.in[ik]; ok {
		return e, tcpvs.DirInput, true
	}
	if e, ok := t.out[ik]; ok {
		return e, tcpvs.DirOutput, true
	}
	return nil, tcpvs.DirInput, false
}

// Rearm pushes the expiry out by the connection's current timeout; the
// state machine refreshed cp.Timeout just before.
func (t *ConnTable) Rearm(e *Entry) {
	t.mu.Lock()
	if !e.gone {
		e.timer.Reset(e.Cp.Timeout)
	}
	t.mu.Unlock()
}

func (t *ConnTable) expire(e *Entry) {
	t.mu.Lock()
	if e.gone {
		t.mu.Unlock()
		return
	}
	e.gone = true
	delete(t.in, e.inKey)
	delete(t.out, e.outKey)
	t.mu.Unlock()

	log.Tracef("conn expired %s:%d -> %s:%d state=%s",
		e.Cp.CAddr, e.Cp.CPort, e.Cp.VAddr, e.Cp.VPort, e.Cp.State)

	t.tcp.ConnExpire(e.Cp)
	t.tcp.ConnClosed(e.Cp)
	e.Cp.AckPkt.Clear()
}

// Flush tears down everything; used on shutdown.
func (t *ConnTable) Flush() {
	t.mu.Lock()
	entries := make([]*Entry, 0, len(t.in))
	for _, e := range t.in {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		t.expire(e)
	}
}

// Count reports the live connection count.
func (t *ConnTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.in)
}
