package tcpvs

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/daniellavrushin/lb4/packet"
)

// DebugPacket renders a one-line summary of a packet for trace logs.
func (t *TCP) DebugPacket(msg string, p *packet.Packet) string {
	first := layers.LayerTypeIPv4
	if p.AF == packet.AFInet6 {
		first = layers.LayerTypeIPv6
	}
	pkt := gopacket.NewPacket(p.Data, first, gopacket.Default)

	tl := pkt.Layer(layers.LayerTypeTCP)
	if tl == nil {
		return fmt.Sprintf("%s: TCP no header", msg)
	}
	tcp := tl.(*layers.TCP)

	return fmt.Sprintf("%s: TCP %s:%d->%s:%d seq=%d ack=%d [%s%s%s%s] len=%d",
		msg,
		p.SrcIP(), uint16(tcp.SrcPort), p.DstIP(), uint16(tcp.DstPort),
		tcp.Seq, tcp.Ack,
		onFlag(tcp.SYN, "S"), onFlag(tcp.FIN, "F"),
		onFlag(tcp.ACK, "A"), onFlag(tcp.RST, "R"),
		len(tcp.Payload))
}

func onFlag(on bool, s string) string {
	if on {
		return s
	}
	return "."
}
