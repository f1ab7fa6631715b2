// Package sock owns the raw-socket transmit paths: packets mangled by the
// data plane leave through here, with the connection's address identities
// written into the IP header on the way out.
package sock

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/daniellavrushin/lb4/conn"
	"github.com/daniellavrushin/lb4/log"
	"github.com/daniellavrushin/lb4/packet"
)

// PacketMark is the mark NewSender sets on every packet it emits so the
// steering rules do not queue our own output back to us.
const PacketMark = 0x8000

type Sender struct {
	fd4 int
	fd6 int
}

func NewSenderWithMark(mark int) (*Sender, error) {
	fd4, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_RAW, syscall.IPPROTO_RAW)
	if err != nil {
		return nil, err
	}
	if err := syscall.SetsockoptInt(fd4, syscall.IPPROTO_IP, syscall.IP_HDRINCL, 1); err != nil {
		syscall.Close(fd4)
		return nil, err
	}
	if err := syscall.SetsockoptInt(fd4, syscall.SOL_SOCKET, unix.SO_MARK, mark); err != nil {
		syscall.Close(fd4)
		return nil, err
	}
	fd6, err := syscall.Socket(syscall.AF_INET6, syscall.SOCK_RAW, syscall.IPPROTO_RAW)
	if err != nil {
		syscall.Close(fd4)
		return nil, err
	}
	_ = syscall.SetsockoptInt(fd6, syscall.SOL_SOCKET, unix.SO_MARK, mark)
	return &Sender{fd4: fd4, fd6: fd6}, nil
}

func NewSender() (*Sender, error) {
	return NewSenderWithMark(PacketMark)
}

func (s *Sender) SendIPv4(pkt []byte, destIP net.IP) error {
	log.Tracef("sending IPv4 packet to %s, len=%d", destIP, len(pkt))
	addr := syscall.SockaddrInet4{}
	copy(addr.Addr[:], destIP.To4())
	return syscall.Sendto(s.fd4, pkt, 0, &addr)
}

func (s *Sender) SendIPv6(pkt []byte, destIP net.IP) error {
	log.Tracef("sending IPv6 packet to %s, len=%d", destIP, len(pkt))
	addr := syscall.SockaddrInet6{}
	copy(addr.Addr[:], destIP.To16())
	return syscall.Sendto(s.fd6, pkt, 0, &addr)
}

func (s *Sender) send(p *packet.Packet, dst net.IP) error {
	if p.AF == packet.AFInet6 {
		return s.SendIPv6(p.Data, dst)
	}
	return s.SendIPv4(p.Data, dst)
}

// XmitPacket sends a translated packet toward the backend. Full NAT
// stamps the local identity as source; classic NAT keeps the client's.
func (s *Sender) XmitPacket(p *packet.Packet, cp *conn.Conn) error {
	if cp.IsFullNAT() {
		p.SetSrcIP(cp.LAddr)
	}
	p.SetDstIP(cp.DAddr)
	p.FinalizeIP()
	return s.send(p, cp.DAddr)
}

// NormalResponse sends a translated packet back to the client on the
// classic-NAT return path: source becomes the virtual address.
func (s *Sender) NormalResponse(p *packet.Packet, cp *conn.Conn) error {
	p.SetSrcIP(cp.VAddr)
	p.SetDstIP(cp.CAddr)
	p.FinalizeIP()
	return s.send(p, cp.CAddr)
}

// FnatResponse is the full-NAT client-facing path; the virtual identity
// replaces the local one the backend was talking to.
func (s *Sender) FnatResponse(p *packet.Packet, cp *conn.Conn) error {
	p.SetSrcIP(cp.VAddr)
	p.SetDstIP(cp.CAddr)
	p.FinalizeIP()
	return s.send(p, cp.CAddr)
}

func (s *Sender) Close() {
	if s.fd4 != 0 {
		_ = syscall.Close(s.fd4)
	}
	if s.fd6 != 0 {
		_ = syscall.Close(s.fd6)
	}
}
