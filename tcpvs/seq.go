package tcpvs

import (
	"github.com/daniellavrushin/lb4/conn"
	"github.com/daniellavrushin/lb4/log"
	"github.com/daniellavrushin/lb4/metrics"
	"github.com/daniellavrushin/lb4/packet"
)

// before and after are the wrap-aware sequence comparisons; all seq
// arithmetic is modulo 2^32.
func before(a, b uint32) bool { return int32(a-b) < 0 }

func after(a, b uint32) bool { return before(b, a) }

// saveOutSeq records the last in-order ack/end sequence seen from the
// backend, used later to seed expiry RSTs. Out-of-order acks are skipped.
func (t *TCP) saveOutSeq(cp *conn.Conn, th packet.TCPHeader) {
	if !t.opts.ExpireRST || th.RST() {
		return
	}

	if before(th.AckSeq(), cp.RsAckSeq) && cp.RsAckSeq != 0 {
		return
	}

	if th.SYN() && th.ACK() {
		cp.RsEndSeq = th.Seq() + 1
	} else {
		cp.RsEndSeq = th.Seq() + uint32(th.PayloadLen())
	}
	cp.RsAckSeq = th.AckSeq()
	log.Tracef("packet from backend, seq=%d ack_seq=%d", th.Seq(), th.AckSeq())
}

// inInitSeq runs on a client SYN without ACK: it fixes the first data
// sequence, resets the client-addr option latch, and chooses the ISN
// toward the backend. The ISN is re-chosen when an old connection is
// reused while still in a handshake state.
func (t *TCP) inInitSeq(cp *conn.Conn, th packet.TCPHeader) {
	fseq := &cp.FnatSeq
	seq := th.Seq()

	fseq.FdataSeq = seq + 1
	cp.Flags &^= conn.FCIPInserted

	reused := t.opts.ConnReuse && fseq.InitSeq != 0 &&
		(cp.State == conn.SSynRecv || cp.State == conn.SSynSent)

	if fseq.InitSeq == 0 || reused {
		fseq.InitSeq = t.isn(cp.LAddr, cp.DAddr, cp.LPort, cp.DPort)
		fseq.Delta = fseq.InitSeq - seq

		if reused {
			metrics.Get().Inc(metrics.ConnReused)
			switch cp.OldState {
			case conn.SClose:
				metrics.Get().Inc(metrics.ConnReusedClose)
			case conn.STimeWait:
				metrics.Get().Inc(metrics.ConnReusedTimeWait)
			case conn.SFinWait:
				metrics.Get().Inc(metrics.ConnReusedFinWait)
			case conn.SCloseWait:
				metrics.Get().Inc(metrics.ConnReusedCloseWait)
			case conn.SLastAck:
				metrics.Get().Inc(metrics.ConnReusedLastAck)
			case conn.SEstablished:
				metrics.Get().Inc(metrics.ConnReusedEstablished)
			}
		}
	}
}

// inAdjustSeq translates a client-to-backend packet into the balancer's
// sequence space and lets the SYN proxy fix ack_seq and SACK.
func (t *TCP) inAdjustSeq(cp *conn.Conn, th packet.TCPHeader) {
	th.SetSeq(th.Seq() + cp.FnatSeq.Delta)
	t.proxy.DnatHandler(th, &cp.SynProxySeq)
}

// outAdjustSeq translates a backend-to-client packet back into the
// client's sequence space. The SYN proxy gets the packet first and may
// refuse it on a detected ACK storm.
func (t *TCP) outAdjustSeq(cp *conn.Conn, th packet.TCPHeader) bool {
	if !t.proxy.SnatHandler(th, cp) {
		return false
	}

	// Bare RSTs carry no acknowledgment to translate.
	if th.ACK() {
		th.SetAckSeq(th.AckSeq() - cp.FnatSeq.Delta)
		t.adjustSACK(th, cp.FnatSeq.Delta)
	}
	return true
}
