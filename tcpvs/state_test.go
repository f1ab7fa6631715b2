package tcpvs

import (
	"testing"
	"time"

	"github.com/daniellavrushin/lb4/conn"
	"github.com/daniellavrushin/lb4/service"
)

func transit(t *testing.T, tcp *TCP, cp *conn.Conn, dir Direction, flags byte) {
	t.Helper()
	p := mkPacket(t, clientIP, vip, clientPort, vipPort, 1, 1, flags, nil, nil)
	if !tcp.StateTransition(cp, dir, p) {
		t.Fatal("StateTransition failed")
	}
}

func TestStateTableSpotChecks(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{})

	cases := []struct {
		from  conn.State
		dir   Direction
		flags byte
		want  conn.State
	}{
		{conn.SNone, DirOutput, flSYN, conn.SSynSent},
		{conn.SNone, DirInput, flSYN, conn.SSynRecv},
		{conn.SSynSent, DirInput, flSYN | flACK, conn.SEstablished},
		{conn.SSynRecv, DirInput, flACK, conn.SEstablished},
		{conn.SEstablished, DirInput, flFIN, conn.SCloseWait},
		{conn.SEstablished, DirOutput, flFIN, conn.SFinWait},
		{conn.SEstablished, DirInput, flRST, conn.SClose},
		{conn.SFinWait, DirInput, flACK, conn.SFinWait},
		{conn.SLastAck, DirInput, flACK, conn.SClose},
		{conn.SSynSent, DirOutput, flRST, conn.SSynSent},
		{conn.STimeWait, DirOutput, flRST, conn.STimeWait},
		{conn.SSynAck, DirInput, flRST, conn.SSynRecv},
	}

	for i, tc := range cases {
		cp := newFnatConn()
		cp.Flags &^= conn.FNoOutput
		cp.State = tc.from
		transit(t, tcp, cp, tc.dir, tc.flags)
		if cp.State != tc.want {
			t.Errorf("case %d: %s dir=%d flags=%#x -> %s, want %s",
				i, tc.from, tc.dir, tc.flags, cp.State, tc.want)
		}
		if cp.OldState != tc.from {
			t.Errorf("case %d: old_state = %s, want %s", i, cp.OldState, tc.from)
		}
	}
}

// Note the symbol priority: RST wins over SYN wins over FIN wins over
// ACK.
func TestSymbolPriority(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{})

	cp := newFnatConn()
	cp.Flags &^= conn.FNoOutput
	cp.State = conn.SEstablished
	transit(t, tcp, cp, DirInput, flRST|flSYN|flACK)
	if cp.State != conn.SClose {
		t.Fatalf("RST did not win: %s", cp.State)
	}

	cp = newFnatConn()
	cp.Flags &^= conn.FNoOutput
	cp.State = conn.SNone
	transit(t, tcp, cp, DirInput, flSYN|flACK)
	if cp.State != conn.SSynRecv {
		t.Fatalf("SYN did not win over ACK: %s", cp.State)
	}
}

func TestFlaglessPacketNoTransition(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{})
	cp := newFnatConn()
	cp.Flags &^= conn.FNoOutput
	cp.State = conn.SEstablished
	transit(t, tcp, cp, DirInput, 0)
	if cp.State != conn.SEstablished {
		t.Fatalf("flagless packet moved state to %s", cp.State)
	}
	if cp.Timeout != 90*time.Second {
		t.Fatalf("timeout not refreshed: %v", cp.Timeout)
	}
}

func TestSecureTableSelection(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{})

	// Normal table: ack in SYN_RECV establishes.
	cp := newFnatConn()
	cp.Flags &^= conn.FNoOutput
	cp.State = conn.SSynRecv
	transit(t, tcp, cp, DirInput, flACK)
	if cp.State != conn.SEstablished {
		t.Fatalf("normal table: %s", cp.State)
	}

	// Secure table: the same input leaves the handshake pending.
	tcp.TimeoutChange(1)
	cp = newFnatConn()
	cp.Flags &^= conn.FNoOutput
	cp.State = conn.SSynRecv
	transit(t, tcp, cp, DirInput, flACK)
	if cp.State != conn.SSynRecv {
		t.Fatalf("secure table: %s", cp.State)
	}

	// And the SYNACK state only appears in the secure table.
	cp = newFnatConn()
	cp.Flags &^= conn.FNoOutput
	cp.State = conn.SSynRecv
	transit(t, tcp, cp, DirOutput, flSYN)
	if cp.State != conn.SSynAck {
		t.Fatalf("secure output syn at SYN_RECV: %s", cp.State)
	}

	tcp.TimeoutChange(0)
}

func TestNoOutputDowngradesInput(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{})

	// INPUT_ONLY differs from INPUT on fin at ESTABLISHED: FIN_WAIT
	// instead of CLOSE_WAIT.
	cp := newFnatConn()
	cp.State = conn.SEstablished
	transit(t, tcp, cp, DirInput, flFIN)
	if cp.State != conn.SFinWait {
		t.Fatalf("input-only fin: %s", cp.State)
	}
	if cp.Flags&conn.FNoOutput == 0 {
		t.Fatal("NoOutput cleared by an input packet")
	}

	// The first output packet clears the flag and uses OUTPUT rows.
	cp = newFnatConn()
	cp.State = conn.SEstablished
	transit(t, tcp, cp, DirOutput, flACK)
	if cp.Flags&conn.FNoOutput != 0 {
		t.Fatal("NoOutput not cleared by an output packet")
	}
}

func TestCounterConservation(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{})

	dest := &service.Dest{Addr: backendIP, Port: backendPort, Weight: 1}
	cp := newFnatConn()
	cp.Dest = dest
	dest.IncInactive() // as conn creation does

	cp.Flags &^= conn.FNoOutput

	// NONE -> SYN_SENT -> ESTABLISHED -> FIN_WAIT
	transit(t, tcp, cp, DirOutput, flSYN)
	if dest.ActiveConns() != 0 || dest.InactConns() != 1 {
		t.Fatalf("after syn: active=%d inact=%d", dest.ActiveConns(), dest.InactConns())
	}

	transit(t, tcp, cp, DirInput, flSYN|flACK)
	if dest.ActiveConns() != 1 || dest.InactConns() != 0 {
		t.Fatalf("after establish: active=%d inact=%d", dest.ActiveConns(), dest.InactConns())
	}

	transit(t, tcp, cp, DirOutput, flFIN)
	if dest.ActiveConns() != 0 || dest.InactConns() != 1 {
		t.Fatalf("after fin: active=%d inact=%d", dest.ActiveConns(), dest.InactConns())
	}

	// Close accounting mirrors whatever side the connection ended on.
	tcp.ConnClosed(cp)
	if dest.ActiveConns() != 0 || dest.InactConns() != 0 {
		t.Fatalf("after close: active=%d inact=%d", dest.ActiveConns(), dest.InactConns())
	}
}

func TestTimeoutAssignment(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{})
	cp := newFnatConn()
	cp.Flags &^= conn.FNoOutput

	transit(t, tcp, cp, DirOutput, flSYN)
	if cp.Timeout != 3*time.Second {
		t.Fatalf("SYN_SENT timeout = %v", cp.Timeout)
	}

	transit(t, tcp, cp, DirInput, flSYN|flACK)
	if cp.Timeout != 90*time.Second {
		t.Fatalf("ESTABLISHED timeout = %v", cp.Timeout)
	}

	if err := tcp.SetStateTimeout("ESTABLISHED", 300); err != nil {
		t.Fatal(err)
	}
	transit(t, tcp, cp, DirInput, flACK)
	if cp.Timeout != 300*time.Second {
		t.Fatalf("overridden timeout = %v", cp.Timeout)
	}

	if err := tcp.SetStateTimeout("NO_SUCH_STATE", 1); err == nil {
		t.Fatal("unknown state accepted")
	}
}

func TestConnListen(t *testing.T) {
	tcp, _, _ := newTestTCP(t, Options{})
	cp := newFnatConn()
	tcp.ConnListen(cp)
	if cp.State != conn.SListen {
		t.Fatalf("state = %s", cp.State)
	}
	if cp.Timeout != 2*60*time.Second {
		t.Fatalf("timeout = %v", cp.Timeout)
	}
}

func TestStateNameSentinel(t *testing.T) {
	if conn.SLast.String() != "ERR!" {
		t.Fatalf("sentinel name = %q", conn.SLast.String())
	}
	if conn.State(99).String() != "ERR!" {
		t.Fatalf("out of range name = %q", conn.State(99).String())
	}
	if conn.SEstablished.String() != "ESTABLISHED" {
		t.Fatalf("established name = %q", conn.SEstablished.String())
	}
}
