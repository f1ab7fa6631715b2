// Package synproxy declares the contract between the TCP data plane and
// the SYN-proxy module that answers client SYNs with cookies and completes
// the handshake to the backend after verification. The proxy itself is an
// external module; the data plane only ever calls through Handler.
package synproxy

import (
	"github.com/daniellavrushin/lb4/conn"
	"github.com/daniellavrushin/lb4/packet"
)

// Handler is the slice of the SYN proxy the TCP protocol module consumes.
type Handler interface {
	// AckRcv runs before connection scheduling on every packet with no
	// matching connection. When it handles step 2 of the proxied
	// handshake it may produce a connection itself. handled=false lets
	// scheduling proceed.
	AckRcv(af int, p *packet.Packet) (handled bool, drop bool, cp *conn.Conn)

	// SnatHandler rewrites sequence numbers on backend-to-client
	// packets for proxied connections. A false return signals a
	// detected ACK storm; the caller must drop the packet.
	SnatHandler(th packet.TCPHeader, cp *conn.Conn) bool

	// DnatHandler rewrites ack_seq and SACK blocks on client-to-backend
	// packets for proxied connections.
	DnatHandler(th packet.TCPHeader, seq *conn.SynProxySeq)
}

// Passthrough is the handler wired when the proxy is disabled. Every
// call is a no-op for non-proxied connections, which is the sanctioned
// behavior for the classic-NAT path too.
type Passthrough struct{}

func (Passthrough) AckRcv(af int, p *packet.Packet) (bool, bool, *conn.Conn) {
	return false, false, nil
}

func (Passthrough) SnatHandler(th packet.TCPHeader, cp *conn.Conn) bool { return true }

func (Passthrough) DnatHandler(th packet.TCPHeader, seq *conn.SynProxySeq) {}
