// Package tcpvs is the TCP data plane of the layer-4 virtual server: it
// schedules new connections onto backends, rewrites ports, sequence
// numbers, options, and checksums for the four translation paths, drives
// the per-connection tracking state machine, and synthesizes RSTs on
// connection expiry.
package tcpvs

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/daniellavrushin/lb4/conn"
	"github.com/daniellavrushin/lb4/csum"
	"github.com/daniellavrushin/lb4/packet"
	"github.com/daniellavrushin/lb4/service"
	"github.com/daniellavrushin/lb4/synproxy"
)

// Verdict is what the framework should do with the packet.
type Verdict int

const (
	Accept Verdict = iota
	Drop
)

// Direction of a packet relative to the balanced connection.
type Direction int

const (
	DirInput Direction = iota
	DirOutput
	DirInputOnly
)

// Options are the runtime toggles of the TCP module.
type Options struct {
	DropEntry       bool // drop non-SYN traffic to a VIP without service
	MSSAdjust       bool // shrink MSS to leave room for the client-addr option
	TimestampRemove bool // NOP-out timestamps on client SYNs
	TOA             bool // inject the client-address option
	ExpireRST       bool // send RSTs when a connection expires
	ConnReuse       bool // permit ISN re-init in SYN_SENT/SYN_RECV
}

// ISNFunc deterministically picks an initial sequence number for the
// (laddr, daddr, lport, dport) tuple.
type ISNFunc func(laddr, daddr net.IP, lport, dport uint16) uint32

// Transmitter is the framework transmit surface the module hands packets
// to. Address rewriting to the connection's identities happens there.
type Transmitter interface {
	XmitPacket(p *packet.Packet, cp *conn.Conn) error
	NormalResponse(p *packet.Packet, cp *conn.Conn) error
	FnatResponse(p *packet.Packet, cp *conn.Conn) error
}

// TCP is the protocol module instance.
type TCP struct {
	opts     Options
	registry *service.Registry
	proxy    synproxy.Handler
	xmit     Transmitter
	isn      ISNFunc

	timeouts [conn.SLast + 1]time.Duration

	// stateTable points at the normal or the secure table; swapped
	// atomically by TimeoutChange, snapshotted once per packet.
	stateTable atomic.Pointer[[12]stateRow]

	apps appTable
}

// New wires a TCP module. A nil proxy gets the pass-through handler, a
// nil isn the keyed default.
func New(opts Options, reg *service.Registry, proxy synproxy.Handler, xmit Transmitter, isn ISNFunc) *TCP {
	t := &TCP{
		opts:     opts,
		registry: reg,
		proxy:    proxy,
		xmit:     xmit,
		isn:      isn,
		timeouts: defaultTimeouts,
	}
	if t.proxy == nil {
		t.proxy = synproxy.Passthrough{}
	}
	if t.isn == nil {
		t.isn = newSecureISN()
	}
	t.stateTable.Store(&tcpStates)
	return t
}

// Protocol is the registration object exposing the module's entry points
// as a capability record.
type Protocol struct {
	Name   string
	Number uint8

	ConnSchedule    func(af int, p *packet.Packet) (handled bool, v Verdict, cp *conn.Conn)
	SnatHandler     func(p *packet.Packet, cp *conn.Conn) bool
	DnatHandler     func(p *packet.Packet, cp *conn.Conn) bool
	FnatInHandler   func(p *packet.Packet, cp *conn.Conn) (*packet.Packet, bool)
	FnatOutHandler  func(p *packet.Packet, cp *conn.Conn) bool
	CsumCheck       func(af int, p *packet.Packet) bool
	StateTransition func(cp *conn.Conn, dir Direction, p *packet.Packet) bool
	RegisterApp     func(app *App) error
	UnregisterApp   func(app *App)
	AppConnBind     func(cp *conn.Conn) error
	ConnExpire      func(cp *conn.Conn)
	TimeoutChange   func(flags int)
	SetStateTimeout func(state string, seconds int) error
	DebugPacket     func(msg string, p *packet.Packet) string
	StateName       func(s conn.State) string
}

// Register builds the capability record for this instance.
func (t *TCP) Register() *Protocol {
	return &Protocol{
		Name:            "TCP",
		Number:          6,
		ConnSchedule:    t.ConnSchedule,
		SnatHandler:     t.SnatHandler,
		DnatHandler:     t.DnatHandler,
		FnatInHandler:   t.FnatInHandler,
		FnatOutHandler:  t.FnatOutHandler,
		CsumCheck:       t.CsumCheck,
		StateTransition: t.StateTransition,
		RegisterApp:     t.RegisterApp,
		UnregisterApp:   t.UnregisterApp,
		AppConnBind:     t.AppConnBind,
		ConnExpire:      t.ConnExpire,
		TimeoutChange:   t.TimeoutChange,
		SetStateTimeout: t.SetStateTimeout,
		DebugPacket:     t.DebugPacket,
		StateName:       func(s conn.State) string { return s.String() },
	}
}

// CsumCheck verifies the TCP checksum of an ingress packet according to
// its offload state.
func (t *TCP) CsumCheck(af int, p *packet.Packet) bool {
	switch p.Csum {
	case packet.CsumNone, packet.CsumComplete:
		seg := p.Data[p.L4Off:]
		if !csum.VerifyTCP(p.SrcIP(), p.DstIP(), p.Proto, seg) {
			return false
		}
	default:
		// Verified by hardware or a previous full recompute.
	}
	return true
}

// TimeoutChange toggles protocol-wide defense posture: bit 0 selects the
// secure state table.
func (t *TCP) TimeoutChange(flags int) {
	if flags&1 != 0 {
		t.stateTable.Store(&tcpStatesSecure)
	} else {
		t.stateTable.Store(&tcpStates)
	}
}

// SetStateTimeout overrides the idle timeout of one state by name.
func (t *TCP) SetStateTimeout(state string, seconds int) error {
	s, ok := conn.StateByName(state)
	if !ok {
		return errUnknownState(state)
	}
	t.timeouts[s] = time.Duration(seconds) * time.Second
	return nil
}

// Timeout returns the configured idle timeout for a state.
func (t *TCP) Timeout(s conn.State) time.Duration {
	if s < 0 || s > conn.SLast {
		s = conn.SLast
	}
	return t.timeouts[s]
}

// ConnListen forces a connection into LISTEN with its long timeout; used
// by application helpers expecting a related data connection.
func (t *TCP) ConnListen(cp *conn.Conn) {
	cp.Lock()
	cp.State = conn.SListen
	cp.Timeout = t.timeouts[conn.SListen]
	cp.Unlock()
}

type errUnknownState string

func (e errUnknownState) Error() string { return "tcpvs: unknown state " + string(e) }
