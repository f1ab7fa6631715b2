package tcpvs

import (
	"encoding/binary"
	"testing"

	"github.com/daniellavrushin/lb4/conn"
	"github.com/daniellavrushin/lb4/metrics"
)

func TestBeforeAfterWrap(t *testing.T) {
	if !before(0xfffffff0, 0x10) {
		t.Fatal("wrap-aware before failed across the wrap")
	}
	if !after(0x10, 0xfffffff0) {
		t.Fatal("wrap-aware after failed across the wrap")
	}
	if before(5, 5) || after(5, 5) {
		t.Fatal("equal sequences compared as ordered")
	}
}

func TestInInitSeq(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{})
	cp := newFnatConn()

	p := mkPacket(t, clientIP, vip, clientPort, vipPort, 1000, 0, flSYN, nil, nil)
	tcp.inInitSeq(cp, p.TCP())

	if cp.FnatSeq.InitSeq != 5000000 {
		t.Fatalf("init_seq = %d", cp.FnatSeq.InitSeq)
	}
	if cp.FnatSeq.Delta != 5000000-1000 {
		t.Fatalf("delta = %d", cp.FnatSeq.Delta)
	}
	if cp.FnatSeq.FdataSeq != 1001 {
		t.Fatalf("fdata_seq = %d", cp.FnatSeq.FdataSeq)
	}
}

func TestInInitSeqNoReinitOutsideHandshake(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{ConnReuse: true})
	cp := newFnatConn()
	cp.State = conn.SEstablished
	cp.FnatSeq = conn.Seq{InitSeq: 7777, Delta: 7777 - 42}

	p := mkPacket(t, clientIP, vip, clientPort, vipPort, 2000, 0, flSYN, nil, nil)
	tcp.inInitSeq(cp, p.TCP())

	if cp.FnatSeq.InitSeq != 7777 {
		t.Fatalf("init_seq re-chosen outside handshake states: %d", cp.FnatSeq.InitSeq)
	}
	// The first-data sequence still tracks the new SYN.
	if cp.FnatSeq.FdataSeq != 2001 {
		t.Fatalf("fdata_seq = %d", cp.FnatSeq.FdataSeq)
	}
}

func TestInInitSeqConnReuse(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{ConnReuse: true})
	cp := newFnatConn()
	cp.State = conn.SSynSent
	cp.OldState = conn.STimeWait
	cp.FnatSeq = conn.Seq{InitSeq: 7777, Delta: 7777 - 42}

	reusedBefore := metrics.Get().Value(metrics.ConnReusedTimeWait)

	p := mkPacket(t, clientIP, vip, clientPort, vipPort, 3000, 0, flSYN, nil, nil)
	tcp.inInitSeq(cp, p.TCP())

	if cp.FnatSeq.InitSeq != 5000000 {
		t.Fatalf("init_seq not re-chosen on reuse: %d", cp.FnatSeq.InitSeq)
	}
	if cp.FnatSeq.Delta != 5000000-3000 {
		t.Fatalf("delta = %d", cp.FnatSeq.Delta)
	}
	if got := metrics.Get().Value(metrics.ConnReusedTimeWait); got != reusedBefore+1 {
		t.Fatalf("reuse counter not bumped: %d", got)
	}
}

func TestInInitSeqReuseDisabled(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{})
	cp := newFnatConn()
	cp.State = conn.SSynSent
	cp.FnatSeq = conn.Seq{InitSeq: 7777, Delta: 7777 - 42}

	p := mkPacket(t, clientIP, vip, clientPort, vipPort, 3000, 0, flSYN, nil, nil)
	tcp.inInitSeq(cp, p.TCP())

	if cp.FnatSeq.InitSeq != 7777 {
		t.Fatal("init_seq re-chosen with reuse disabled")
	}
}

func TestSaveOutSeq(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{ExpireRST: true})
	cp := newFnatConn()

	// SYN|ACK: end = seq + 1.
	p := mkPacket(t, backendIP, localIP, backendPort, localPort, 9000, 1001, flSYN|flACK, nil, nil)
	tcp.saveOutSeq(cp, p.TCP())
	if cp.RsEndSeq != 9001 || cp.RsAckSeq != 1001 {
		t.Fatalf("after synack: end=%d ack=%d", cp.RsEndSeq, cp.RsAckSeq)
	}

	// Data segment: end = seq + payload.
	p = mkPacket(t, backendIP, localIP, backendPort, localPort, 9001, 1101, flACK, nil, []byte("0123456789"))
	tcp.saveOutSeq(cp, p.TCP())
	if cp.RsEndSeq != 9011 || cp.RsAckSeq != 1101 {
		t.Fatalf("after data: end=%d ack=%d", cp.RsEndSeq, cp.RsAckSeq)
	}

	// Out-of-order ack is skipped.
	p = mkPacket(t, backendIP, localIP, backendPort, localPort, 9011, 1050, flACK, nil, nil)
	tcp.saveOutSeq(cp, p.TCP())
	if cp.RsAckSeq != 1101 {
		t.Fatalf("out-of-order ack recorded: %d", cp.RsAckSeq)
	}

	// RSTs never update the record.
	p = mkPacket(t, backendIP, localIP, backendPort, localPort, 9011, 1200, flRST|flACK, nil, nil)
	tcp.saveOutSeq(cp, p.TCP())
	if cp.RsAckSeq != 1101 {
		t.Fatalf("rst updated the record: %d", cp.RsAckSeq)
	}
}

func TestSaveOutSeqDisabled(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{})
	cp := newFnatConn()
	p := mkPacket(t, backendIP, localIP, backendPort, localPort, 9000, 1001, flSYN|flACK, nil, nil)
	tcp.saveOutSeq(cp, p.TCP())
	if cp.RsEndSeq != 0 || cp.RsAckSeq != 0 {
		t.Fatal("recorded with expire-rst disabled")
	}
}

// The delta invariant: once the mapping is fixed, translating a
// client-space sequence in and subtracting delta on the way back is the
// identity.
func TestDeltaInvariant(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{})
	cp := newFnatConn()

	syn := mkPacket(t, clientIP, vip, clientPort, vipPort, 1000, 0, flSYN, nil, nil)
	tcp.inInitSeq(cp, syn.TCP())
	delta := cp.FnatSeq.Delta

	for _, seq := range []uint32{1000, 1001, 2000, 0xffffffff} {
		p := mkPacket(t, clientIP, vip, clientPort, vipPort, seq, 0, flACK, nil, nil)
		tcp.inAdjustSeq(cp, p.TCP())
		got := p.TCP().Seq()
		if got-delta != seq {
			t.Fatalf("seq %d translated to %d, delta %d does not invert", seq, got, delta)
		}
	}
}

func TestOutAdjustSeq(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{})
	cp := newFnatConn()
	cp.FnatSeq.Delta = 4000000

	opts := sackOption(5000100, 5000200)
	p := mkPacket(t, backendIP, localIP, backendPort, localPort, 9000, 5001001, flACK, opts, nil)

	if !tcp.outAdjustSeq(cp, p.TCP()) {
		t.Fatal("outAdjustSeq refused")
	}
	if got := p.TCP().AckSeq(); got != 5001001-4000000 {
		t.Fatalf("ack_seq = %d", got)
	}
	after := p.TCP().Options()
	if got := binary.BigEndian.Uint32(after[4:8]); got != 5000100-4000000 {
		t.Fatalf("sack edge = %d", got)
	}
}

func TestOutAdjustSeqAckStorm(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{})
	tcp.proxy = refusingProxy{}
	cp := newFnatConn()

	p := mkPacket(t, backendIP, localIP, backendPort, localPort, 9000, 1001, flACK, nil, nil)
	if tcp.outAdjustSeq(cp, p.TCP()) {
		t.Fatal("ack storm not propagated as refusal")
	}
}
