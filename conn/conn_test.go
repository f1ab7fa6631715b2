package conn

import (
	"testing"

	"github.com/daniellavrushin/lb4/packet"
)

func TestStateNames(t *testing.T) {
	cases := map[State]string{
		SNone:        "NONE",
		SEstablished: "ESTABLISHED",
		SSynSent:     "SYN_SENT",
		SSynRecv:     "SYN_RECV",
		SFinWait:     "FIN_WAIT",
		STimeWait:    "TIME_WAIT",
		SClose:       "CLOSE",
		SCloseWait:   "CLOSE_WAIT",
		SLastAck:     "LAST_ACK",
		SListen:      "LISTEN",
		SSynAck:      "SYNACK",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("%d -> %q, want %q", s, s.String(), want)
		}
	}
	if SLast.String() != "ERR!" {
		t.Errorf("sentinel -> %q", SLast.String())
	}
}

func TestStateByName(t *testing.T) {
	s, ok := StateByName("TIME_WAIT")
	if !ok || s != STimeWait {
		t.Fatalf("TIME_WAIT -> %v %v", s, ok)
	}
	if _, ok := StateByName("BUG!"); ok {
		t.Fatal("sentinel resolvable by name")
	}
	if _, ok := StateByName("nope"); ok {
		t.Fatal("bogus name resolvable")
	}
}

func TestAckQueueSingleSlot(t *testing.T) {
	var q AckQueue
	if q.Peek() != nil {
		t.Fatal("empty queue peeked a packet")
	}

	p1 := &packet.Packet{Data: []byte{1}}
	p2 := &packet.Packet{Data: []byte{2}}

	q.Enqueue(p1)
	if q.Peek() != p1 {
		t.Fatal("peek missed the stored packet")
	}
	// Peek leaves the slot occupied for the sibling RST path.
	if q.Peek() != p1 {
		t.Fatal("peek drained the slot")
	}

	q.Enqueue(p2)
	if q.Peek() != p2 {
		t.Fatal("enqueue did not replace the slot")
	}

	q.Clear()
	if q.Peek() != nil {
		t.Fatal("clear left a packet behind")
	}
}

func TestModeFlags(t *testing.T) {
	c := &Conn{Flags: FFullNAT}
	if !c.IsFullNAT() || c.IsMasq() {
		t.Fatal("fullnat flags misread")
	}
	c = &Conn{Flags: FMasq | FNoOutput}
	if c.IsFullNAT() || !c.IsMasq() {
		t.Fatal("masq flags misread")
	}
}
