package tcpvs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/daniellavrushin/lb4/conn"
	"github.com/daniellavrushin/lb4/packet"
)

func mssOption(mss uint16) []byte {
	return []byte{packet.OptMSS, 4, byte(mss >> 8), byte(mss)}
}

func timestampOption(tsval, tsecr uint32) []byte {
	opt := make([]byte, 12)
	opt[0] = packet.OptNOP
	opt[1] = packet.OptNOP
	opt[2] = packet.OptTimestamp
	opt[3] = packet.OptLenTimestamp
	binary.BigEndian.PutUint32(opt[4:8], tsval)
	binary.BigEndian.PutUint32(opt[8:12], tsecr)
	return opt
}

func sackOption(blocks ...uint32) []byte {
	opt := make([]byte, 2+2+4*len(blocks))
	opt[0] = packet.OptNOP
	opt[1] = packet.OptNOP
	opt[2] = packet.OptSACK
	opt[3] = byte(2 + 4*len(blocks))
	for i, b := range blocks {
		binary.BigEndian.PutUint32(opt[4+4*i:8+4*i], b)
	}
	return opt
}

func TestAdjustMSS(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{MSSAdjust: true})
	p := mkPacket(t, backendIP, localIP, backendPort, localPort,
		9000, 1001, flSYN|flACK, mssOption(1460), nil)

	tcp.adjustMSS(p.TCP())

	opts := p.TCP().Options()
	if got := binary.BigEndian.Uint16(opts[2:4]); got != 1452 {
		t.Fatalf("MSS = %d, want 1452", got)
	}
}

func TestAdjustMSSDisabled(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{})
	p := mkPacket(t, backendIP, localIP, backendPort, localPort,
		9000, 1001, flSYN|flACK, mssOption(1460), nil)

	tcp.adjustMSS(p.TCP())

	opts := p.TCP().Options()
	if got := binary.BigEndian.Uint16(opts[2:4]); got != 1460 {
		t.Fatalf("MSS = %d, want untouched 1460", got)
	}
}

func TestRemoveTimestamp(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{TimestampRemove: true})
	p := mkPacket(t, clientIP, vip, clientPort, vipPort,
		1000, 0, flSYN, timestampOption(12345, 0), nil)

	tcp.removeTimestamp(p.TCP())

	opts := p.TCP().Options()
	for i, b := range opts {
		if b != packet.OptNOP {
			t.Fatalf("option byte %d = %#x, want NOP", i, b)
		}
	}
}

func TestAdjustSACK(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{})
	const delta = 4000000

	opts := append(mssOption(1460), sackOption(5000100, 5000200)...)
	p := mkPacket(t, backendIP, localIP, backendPort, localPort,
		9000, 1001, flACK, opts, nil)
	before := append([]byte(nil), p.TCP().Options()...)

	tcp.adjustSACK(p.TCP(), delta)

	after := p.TCP().Options()
	if got := binary.BigEndian.Uint32(after[8:12]); got != 5000100-delta {
		t.Fatalf("sack left edge = %d", got)
	}
	if got := binary.BigEndian.Uint32(after[12:16]); got != 5000200-delta {
		t.Fatalf("sack right edge = %d", got)
	}

	// Everything outside the SACK block stays byte-identical.
	if !bytes.Equal(before[:8], after[:8]) {
		t.Fatal("bytes before the SACK block changed")
	}
}

func TestAddClientAddrFirstDataSegment(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{TOA: true})
	cp := newFnatConn()
	cp.FnatSeq = conn.Seq{InitSeq: 5000000, Delta: 5000000 - 1000, FdataSeq: 1001}

	p := mkPacket(t, clientIP, vip, clientPort, vipPort,
		1001, 9001, flACK, nil, bytes.Repeat([]byte{'x'}, 100))
	oldLen := len(p.Data)
	oldDoff := p.TCP().DataOff()

	np := tcp.addClientAddr(p, cp)

	if len(np.Data) != oldLen+packet.OptLenAddr {
		t.Fatalf("packet length %d, want %d", len(np.Data), oldLen+packet.OptLenAddr)
	}
	th := np.TCP()
	if th.DataOff() != oldDoff+packet.OptLenAddr {
		t.Fatalf("data offset %d, want %d", th.DataOff(), oldDoff+packet.OptLenAddr)
	}
	if got := binary.BigEndian.Uint16(np.Data[2:4]); int(got) != oldLen+packet.OptLenAddr {
		t.Fatalf("ip total length %d", got)
	}

	opts := th.Options()
	if opts[0] != packet.OptAddr || opts[1] != packet.OptLenAddr {
		t.Fatalf("option header = %#x %#x", opts[0], opts[1])
	}
	if got := binary.BigEndian.Uint16(opts[2:4]); got != clientPort {
		t.Fatalf("option port = %d", got)
	}
	if !bytes.Equal(opts[4:8], clientIP) {
		t.Fatalf("option addr = %v", opts[4:8])
	}
	if cp.Flags&conn.FCIPInserted == 0 {
		t.Fatal("CIP_INSERTED not set")
	}

	// Payload shifted intact.
	if !bytes.Equal(np.Data[len(np.Data)-100:], bytes.Repeat([]byte{'x'}, 100)) {
		t.Fatal("payload corrupted")
	}
}

func TestAddClientAddrBeyondFirstData(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{TOA: true})
	cp := newFnatConn()
	cp.FnatSeq.FdataSeq = 1001

	p := mkPacket(t, clientIP, vip, clientPort, vipPort,
		1101, 9001, flACK, nil, []byte("late"))
	oldLen := len(p.Data)

	np := tcp.addClientAddr(p, cp)

	if len(np.Data) != oldLen {
		t.Fatal("late segment grew")
	}
	if cp.Flags&conn.FCIPInserted == 0 {
		t.Fatal("CIP_INSERTED not latched on a late segment")
	}
}

// Once set, the latch makes injection a no-op regardless of sequence.
func TestClientAddrMonotonic(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{TOA: true})
	cp := newFnatConn()
	cp.FnatSeq.FdataSeq = 1001
	cp.Flags |= conn.FCIPInserted

	p := mkPacket(t, clientIP, vip, clientPort, vipPort,
		1001, 9001, flACK, nil, []byte("data"))
	oldLen := len(p.Data)

	np, ok := tcp.FnatInHandler(p, cp)
	if !ok {
		t.Fatal("handler failed")
	}
	if len(np.Data) != oldLen {
		t.Fatal("injection happened despite CIP_INSERTED")
	}
}

func TestAddClientAddrMTUExceeded(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{TOA: true})
	cp := newFnatConn()
	cp.FnatSeq.FdataSeq = 1001

	p := mkPacket(t, clientIP, vip, clientPort, vipPort,
		1001, 9001, flACK, nil, bytes.Repeat([]byte{'x'}, 200))
	p.MTU = len(p.Data) + 4 // no room for another 8 bytes
	oldLen := len(p.Data)

	np := tcp.addClientAddr(p, cp)

	if len(np.Data) != oldLen {
		t.Fatal("grew past the MTU")
	}
	if cp.Flags&conn.FCIPInserted == 0 {
		t.Fatal("connection not marked after MTU failure")
	}
}

func TestAddClientAddrIPv6Skipped(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{TOA: true})
	cp := newFnatConn()
	cp.AF = packet.AFInet6
	cp.FnatSeq.FdataSeq = 1001

	p := mkPacket(t, clientIP, vip, clientPort, vipPort,
		1001, 9001, flACK, nil, []byte("data"))
	oldLen := len(p.Data)

	if np := tcp.addClientAddr(p, cp); len(np.Data) != oldLen {
		t.Fatal("injected on an IPv6 connection")
	}
}
