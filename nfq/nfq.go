package nfq

import (
	"errors"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/florianl/go-nfqueue"

	"github.com/daniellavrushin/lb4/conn"
	"github.com/daniellavrushin/lb4/log"
	"github.com/daniellavrushin/lb4/metrics"
	"github.com/daniellavrushin/lb4/packet"
	"github.com/daniellavrushin/lb4/tcpvs"
)

func (w *Worker) Start() error {
	mark := w.cfg.Queue.Mark

	c := nfqueue.Config{
		NfQueue:      w.qnum,
		MaxPacketLen: 0xffff,
		MaxQueueLen:  4096,
		Copymode:     nfqueue.NfQnlCopyPacket,
	}
	q, err := nfqueue.Open(&c)
	if err != nil {
		return err
	}
	w.q = q

	w.wg.Add(1)
	go func() {
		log.Tracef("NFQ bound pid=%d queue=%d", os.Getpid(), w.qnum)
		defer w.wg.Done()
		_ = q.RegisterWithErrorFunc(w.ctx, func(a nfqueue.Attribute) int {
			if a.PacketID == nil {
				return 0
			}
			id := *a.PacketID

			// Our own raw-socket output carries the mark; let it
			// through untouched.
			if a.Mark != nil && *a.Mark == uint32(mark) {
				w.verdict(id, nfqueue.NfAccept)
				return 0
			}

			if !w.matchesInterface(a) {
				w.verdict(id, nfqueue.NfAccept)
				return 0
			}

			if a.Payload == nil || len(*a.Payload) == 0 {
				w.verdict(id, nfqueue.NfAccept)
				return 0
			}

			select {
			case <-w.ctx.Done():
				return 0
			default:
			}

			atomic.AddUint64(&w.packetsProcessed, 1)
			w.verdict(id, w.handle(*a.Payload, a.Mark))
			return 0
		}, func(e error) int {
			if w.ctx.Err() != nil {
				return 0
			}
			if errors.Is(e, syscall.ENOBUFS) {
				log.Warnf("nfq queue %d overflow - packets dropped", w.qnum)
				return 0
			}
			if errors.Is(e, os.ErrClosed) || errors.Is(e, net.ErrClosed) || errors.Is(e, syscall.EBADF) {
				return 0
			}
			if ne, ok := e.(net.Error); ok && ne.Timeout() {
				return 0
			}
			if strings.Contains(e.Error(), "use of closed file") {
				return 0
			}
			log.Errorf("nfq: %v", e)
			return 0
		})
	}()

	w.wg.Add(1)
	go w.gc()

	return nil
}

func (w *Worker) verdict(id uint32, v int) {
	if err := w.q.SetVerdict(id, v); err != nil {
		log.Tracef("failed to set verdict on packet %d: %v", id, err)
	}
}

// handle runs one packet through the data plane and decides its fate.
// Packets we rewrite are re-emitted through the raw sockets, so the
// queued original is always dropped for balanced connections.
func (w *Worker) handle(raw []byte, mark *uint32) int {
	// The handlers need exclusive write access; the kernel buffer is
	// not ours to keep.
	buf := make([]byte, len(raw))
	copy(buf, raw)

	p, err := packet.Parse(buf, w.cfg.Queue.MTU)
	if err != nil {
		// Fragments and oddities pass through untouched.
		return nfqueue.NfAccept
	}
	if p.Proto != 6 {
		return nfqueue.NfAccept
	}
	if p.AF == packet.AFInet && !w.cfg.Queue.IPv4Enabled {
		return nfqueue.NfAccept
	}
	if p.AF == packet.AFInet6 && !w.cfg.Queue.IPv6Enabled {
		return nfqueue.NfAccept
	}
	if !p.TCPOK() {
		metrics.Get().Inc(metrics.Dropped)
		return nfqueue.NfDrop
	}
	if mark != nil {
		p.Mark = *mark
	}
	metrics.Get().Inc(metrics.PacketsIn)

	e, dir, ok := w.table.Lookup(p)
	if !ok {
		handled, v, cp := w.tcp.ConnSchedule(p.AF, p)
		if handled {
			return toNfVerdict(v)
		}
		if cp == nil {
			// Not addressed to any of our services.
			return nfqueue.NfAccept
		}
		e = w.table.Insert(cp)
		dir = tcpvs.DirInput
		log.Tracef("new conn %s:%d -> %s:%d via %s:%d",
			cp.CAddr, cp.CPort, cp.VAddr, cp.VPort, cp.DAddr, cp.DPort)
	}

	if dir == tcpvs.DirInput {
		return w.handleInput(p, e)
	}
	return w.handleOutput(p, e)
}

func (w *Worker) handleInput(p *packet.Packet, e *Entry) int {
	cp := e.Cp
	th := p.TCP()

	// Keep the latest handshake ACK around for RST seq seeding; it must
	// be the untranslated packet, still in client sequence space.
	if cp.State == conn.SSynSent && th.ACK() && !th.SYN() && !th.RST() {
		cp.AckPkt.Enqueue(p.Clone())
	}

	var ok bool
	if cp.IsFullNAT() {
		p, ok = w.tcp.FnatInHandler(p, cp)
	} else {
		ok = w.tcp.DnatHandler(p, cp)
	}
	if !ok {
		metrics.Get().Inc(metrics.Dropped)
		return nfqueue.NfDrop
	}

	w.tcp.StateTransition(cp, tcpvs.DirInput, p)
	w.table.Rearm(e)

	if err := w.sender.XmitPacket(p, cp); err != nil {
		log.Tracef("xmit to backend: %v", err)
	} else {
		metrics.Get().Inc(metrics.PacketsOut)
	}
	return nfqueue.NfDrop
}

func (w *Worker) handleOutput(p *packet.Packet, e *Entry) int {
	cp := e.Cp

	var ok bool
	if cp.IsFullNAT() {
		ok = w.tcp.FnatOutHandler(p, cp)
	} else {
		ok = w.tcp.SnatHandler(p, cp)
	}
	if !ok {
		metrics.Get().Inc(metrics.Dropped)
		return nfqueue.NfDrop
	}

	w.tcp.StateTransition(cp, tcpvs.DirOutput, p)
	w.table.Rearm(e)

	var err error
	if cp.IsFullNAT() {
		err = w.sender.FnatResponse(p, cp)
	} else {
		err = w.sender.NormalResponse(p, cp)
	}
	if err != nil {
		log.Tracef("xmit to client: %v", err)
	} else {
		metrics.Get().Inc(metrics.PacketsOut)
	}
	return nfqueue.NfDrop
}

func toNfVerdict(v tcpvs.Verdict) int {
	if v == tcpvs.Drop {
		metrics.Get().Inc(metrics.Dropped)
		return nfqueue.NfDrop
	}
	metrics.Get().Inc(metrics.Accepted)
	return nfqueue.NfAccept
}

func (w *Worker) gc() {
	defer w.wg.Done()
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-t.C:
			log.Tracef("queue %d: %d packets, %d live conns",
				w.qnum, atomic.LoadUint64(&w.packetsProcessed), w.table.Count())
		}
	}
}

func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.q != nil {
		_ = w.q.Close()
	}
	done := make(chan struct{})
	go func() { w.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func (w *Worker) GetStats() (uint64, string) {
	return atomic.LoadUint64(&w.packetsProcessed), "active"
}
