package tcpvs

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/daniellavrushin/lb4/conn"
	"github.com/daniellavrushin/lb4/csum"
	"github.com/daniellavrushin/lb4/packet"
	"github.com/daniellavrushin/lb4/service"
	"github.com/daniellavrushin/lb4/synproxy"
)

const (
	flFIN = 0x01
	flSYN = 0x02
	flRST = 0x04
	flACK = 0x10
)

// Addresses of the canonical full-NAT flow used across the tests:
// client -> VIP scheduled onto a backend through a local identity.
var (
	clientIP  = net.IPv4(10, 0, 0, 1).To4()
	vip       = net.IPv4(10, 0, 0, 100).To4()
	localIP   = net.IPv4(10, 2, 0, 2).To4()
	backendIP = net.IPv4(10, 1, 0, 5).To4()
)

const (
	clientPort  = 5000
	vipPort     = 80
	localPort   = 40000
	backendPort = 8080
)

// mkPacket builds a checksummed IPv4 TCP packet.
func mkPacket(t *testing.T, src, dst net.IP, sport, dport uint16, seq, ack uint32, flags byte, opts, payload []byte) *packet.Packet {
	t.Helper()
	if len(opts)%4 != 0 {
		t.Fatalf("options length %d not a multiple of 4", len(opts))
	}

	tcpLen := packet.TCPHeaderMinLen + len(opts) + len(payload)
	raw := make([]byte, 20+tcpLen)
	raw[0] = 0x45
	binary.BigEndian.PutUint16(raw[2:4], uint16(len(raw)))
	raw[8] = 64
	raw[9] = 6
	copy(raw[12:16], src.To4())
	copy(raw[16:20], dst.To4())
	csum.IPv4HeaderChecksum(raw[:20])

	tcp := raw[20:]
	binary.BigEndian.PutUint16(tcp[0:2], sport)
	binary.BigEndian.PutUint16(tcp[2:4], dport)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	binary.BigEndian.PutUint32(tcp[8:12], ack)
	tcp[12] = byte((packet.TCPHeaderMinLen+len(opts))/4) << 4
	tcp[13] = flags
	binary.BigEndian.PutUint16(tcp[14:16], 65535)
	copy(tcp[20:], opts)
	copy(tcp[20+len(opts):], payload)

	p := &packet.Packet{Data: raw, AF: packet.AFInet, L4Off: 20, Proto: 6, MTU: 1500}
	fullChecksum(p, src, dst)
	return p
}

// verifyPacket checks the TCP checksum of p against the given address
// pair.
func verifyPacket(t *testing.T, p *packet.Packet, saddr, daddr net.IP) {
	t.Helper()
	if !csum.VerifyTCP(saddr.To4(), daddr.To4(), p.Proto, p.Data[p.L4Off:]) {
		t.Fatalf("checksum does not verify for %s -> %s", saddr, daddr)
	}
}

// captureXmit records transmitted packets instead of sending them.
type captureXmit struct {
	xmit     []*packet.Packet
	normal   []*packet.Packet
	fnatResp []*packet.Packet
}

func (c *captureXmit) XmitPacket(p *packet.Packet, cp *conn.Conn) error {
	c.xmit = append(c.xmit, p)
	return nil
}

func (c *captureXmit) NormalResponse(p *packet.Packet, cp *conn.Conn) error {
	c.normal = append(c.normal, p)
	return nil
}

func (c *captureXmit) FnatResponse(p *packet.Packet, cp *conn.Conn) error {
	c.fnatResp = append(c.fnatResp, p)
	return nil
}

func mustIP6(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() != nil {
		panic("bad test ipv6 address " + s)
	}
	return ip
}

// verifyPacket6 checks the TCP checksum against an IPv6 pseudo-header.
func verifyPacket6(t *testing.T, p *packet.Packet, saddr, daddr net.IP) {
	t.Helper()
	if !csum.VerifyTCP(saddr.To16(), daddr.To16(), p.Proto, p.Data[p.L4Off:]) {
		t.Fatalf("checksum does not verify for %s -> %s", saddr, daddr)
	}
}

// csumPseudo folds the pseudo-header sum for an IPv4 pair.
func csumPseudo(saddr, daddr net.IP, l4len int) uint16 {
	return csum.Fold(csum.PseudoSum(saddr.To4(), daddr.To4(), 6, l4len))
}

// fixedISN makes sequence deltas deterministic in tests.
func fixedISN(isn uint32) ISNFunc {
	return func(laddr, daddr net.IP, lport, dport uint16) uint32 { return isn }
}

func newTestTCP(t *testing.T, opts Options) (*TCP, *captureXmit, *service.Registry) {
	t.Helper()
	reg := service.NewRegistry()
	x := &captureXmit{}
	tcp := New(opts, reg, synproxy.Passthrough{}, x, fixedISN(5000000))
	return tcp, x, reg
}

// newFnatConn is the connection S-series scenarios run against.
func newFnatConn() *conn.Conn {
	return &conn.Conn{
		AF:    packet.AFInet,
		Proto: 6,
		CAddr: clientIP,
		VAddr: vip,
		LAddr: localIP,
		DAddr: backendIP,
		CPort: clientPort,
		VPort: vipPort,
		LPort: localPort,
		DPort: backendPort,
		Flags: conn.FFullNAT | conn.FNoOutput | conn.FInactive,
		State: conn.SNone,
	}
}

func newMasqConn() *conn.Conn {
	return &conn.Conn{
		AF:    packet.AFInet,
		Proto: 6,
		CAddr: clientIP,
		VAddr: vip,
		DAddr: backendIP,
		CPort: clientPort,
		VPort: vipPort,
		DPort: backendPort,
		Flags: conn.FMasq | conn.FNoOutput | conn.FInactive,
		State: conn.SNone,
	}
}

// refusingProxy simulates the SYN proxy detecting an ACK storm.
type refusingProxy struct {
	synproxy.Passthrough
}

func (refusingProxy) SnatHandler(th packet.TCPHeader, cp *conn.Conn) bool { return false }
