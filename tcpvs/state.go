package tcpvs

import (
	"time"

	"github.com/daniellavrushin/lb4/conn"
	"github.com/daniellavrushin/lb4/log"
	"github.com/daniellavrushin/lb4/packet"
)

// stateRow maps the current state to the next state for one
// direction/symbol pair. Column order follows the state constants:
// NO, ES, SS, SR, FW, TW, CL, CW, LA, LI, SA.
type stateRow [conn.SLast]conn.State

const (
	offInput     = 0
	offOutput    = 4
	offInputOnly = 8
)

var dirOffsets = [3]int{
	DirInput:     offInput,
	DirOutput:    offOutput,
	DirInputOnly: offInputOnly,
}

// Default idle timeouts per state.
var defaultTimeouts = [conn.SLast + 1]time.Duration{
	conn.SNone:        2 * time.Second,
	conn.SEstablished: 90 * time.Second,
	conn.SSynSent:     3 * time.Second,
	conn.SSynRecv:     30 * time.Second,
	conn.SFinWait:     3 * time.Second,
	conn.STimeWait:    3 * time.Second,
	conn.SClose:       3 * time.Second,
	conn.SCloseWait:   3 * time.Second,
	conn.SLastAck:     3 * time.Second,
	conn.SListen:      2 * 60 * time.Second,
	conn.SSynAck:      30 * time.Second,
	conn.SLast:        2 * time.Second,
}

const (
	sNO = conn.SNone
	sES = conn.SEstablished
	sSS = conn.SSynSent
	sSR = conn.SSynRecv
	sFW = conn.SFinWait
	sTW = conn.STimeWait
	sCL = conn.SClose
	sCW = conn.SCloseWait
	sLA = conn.SLastAck
	sLI = conn.SListen
	sSA = conn.SSynAck
)

// tcpStates is the normal transition table; rows are direction offset
// plus symbol (syn, fin, ack, rst).
var tcpStates = [12]stateRow{
	/* INPUT */
	/*        sNO, sES, sSS, sSR, sFW, sTW, sCL, sCW, sLA, sLI, sSA */
	/*syn*/ {sSR, sES, sES, sSR, sSR, sSR, sSR, sSR, sSR, sSR, sSR},
	/*fin*/ {sCL, sCW, sSS, sTW, sTW, sTW, sCL, sCW, sLA, sLI, sTW},
	/*ack*/ {sCL, sES, sSS, sES, sFW, sTW, sCL, sCW, sCL, sLI, sES},
	/*rst*/ {sCL, sCL, sCL, sSR, sCL, sCL, sCL, sCL, sLA, sLI, sSR},

	/* OUTPUT */
	/*syn*/ {sSS, sES, sSS, sSR, sSS, sSS, sSS, sSS, sSS, sLI, sSR},
	/*fin*/ {sTW, sFW, sSS, sTW, sFW, sTW, sCL, sTW, sLA, sLI, sTW},
	/*ack*/ {sES, sES, sSS, sES, sFW, sTW, sCL, sCW, sLA, sES, sES},
	/*rst*/ {sCL, sCL, sSS, sCL, sCL, sTW, sCL, sCL, sCL, sCL, sCL},

	/* INPUT-ONLY */
	/*syn*/ {sSR, sES, sES, sSR, sSR, sSR, sSR, sSR, sSR, sSR, sSR},
	/*fin*/ {sCL, sFW, sSS, sTW, sFW, sTW, sCL, sCW, sLA, sLI, sTW},
	/*ack*/ {sCL, sES, sSS, sES, sFW, sTW, sCL, sCW, sCL, sLI, sES},
	/*rst*/ {sCL, sCL, sCL, sSR, sCL, sCL, sCL, sCL, sLA, sLI, sCL},
}

// tcpStatesSecure biases transitions toward earlier termination while
// under suspected attack; note the SYNACK rows.
var tcpStatesSecure = [12]stateRow{
	/* INPUT */
	/*        sNO, sES, sSS, sSR, sFW, sTW, sCL, sCW, sLA, sLI, sSA */
	/*syn*/ {sSR, sES, sES, sSR, sSR, sSR, sSR, sSR, sSR, sSR, sSA},
	/*fin*/ {sCL, sCW, sSS, sTW, sTW, sTW, sCL, sCW, sLA, sLI, sSA},
	/*ack*/ {sCL, sES, sSS, sSR, sFW, sTW, sCL, sCW, sCL, sLI, sSA},
	/*rst*/ {sCL, sCL, sCL, sSR, sCL, sCL, sCL, sCL, sLA, sLI, sCL},

	/* OUTPUT */
	/*syn*/ {sSS, sES, sSS, sSA, sSS, sSS, sSS, sSS, sSS, sLI, sSA},
	/*fin*/ {sTW, sFW, sSS, sTW, sFW, sTW, sCL, sTW, sLA, sLI, sTW},
	/*ack*/ {sES, sES, sSS, sES, sFW, sTW, sCL, sCW, sLA, sES, sES},
	/*rst*/ {sCL, sCL, sSS, sCL, sCL, sTW, sCL, sCL, sCL, sCL, sCL},

	/* INPUT-ONLY */
	/*syn*/ {sSA, sES, sES, sSR, sSA, sSA, sSA, sSA, sSA, sSA, sSA},
	/*fin*/ {sCL, sFW, sSS, sTW, sFW, sTW, sCL, sCW, sLA, sLI, sTW},
	/*ack*/ {sCL, sES, sSS, sES, sFW, sTW, sCL, sCW, sCL, sLI, sES},
	/*rst*/ {sCL, sCL, sCL, sSR, sCL, sCL, sCL, sCL, sLA, sLI, sCL},
}

// stateIdx maps flag bits to a table symbol, RST winning over SYN over
// FIN over ACK. Any other combination has no transition.
func stateIdx(th packet.TCPHeader) int {
	switch {
	case th.RST():
		return 3
	case th.SYN():
		return 0
	case th.FIN():
		return 1
	case th.ACK():
		return 2
	}
	return -1
}

// setState runs one transition attempt. Caller holds the connection
// lock.
func (t *TCP) setState(cp *conn.Conn, dir Direction, th packet.TCPHeader) {
	off := dirOffsets[dir]

	// Downgrade INPUT to INPUT_ONLY until an output packet proves the
	// return path runs through us.
	if cp.Flags&conn.FNoOutput != 0 {
		if off == offOutput {
			cp.Flags &^= conn.FNoOutput
		} else {
			off = offInputOnly
		}
	}

	idx := stateIdx(th)
	if idx < 0 {
		// No transition for this flag combination; the timer is still
		// rearmed for the current state.
		cp.Timeout = t.timeouts[cp.State]
		return
	}

	table := t.stateTable.Load()
	newState := table[off+idx][cp.State]

	if newState != cp.State {
		log.Tracef("tcp state %s -> %s dir=%d flags=%c%c%c%c",
			cp.State, newState, dir,
			flagChar(th.SYN(), 'S'), flagChar(th.FIN(), 'F'),
			flagChar(th.ACK(), 'A'), flagChar(th.RST(), 'R'))

		if d := cp.Dest; d != nil {
			if cp.Flags&conn.FInactive == 0 && newState != conn.SEstablished {
				d.DecActive()
				d.IncInactive()
				cp.Flags |= conn.FInactive
			} else if cp.Flags&conn.FInactive != 0 && newState == conn.SEstablished {
				d.IncActive()
				d.DecInactive()
				cp.Flags &^= conn.FInactive
			}
		}
	}

	cp.OldState = cp.State
	cp.State = newState
	cp.Timeout = t.timeouts[newState]
}

func flagChar(on bool, c byte) byte {
	if on {
		return c
	}
	return '.'
}

// StateTransition applies one packet to the connection's state machine.
func (t *TCP) StateTransition(cp *conn.Conn, dir Direction, p *packet.Packet) bool {
	if !p.TCPOK() {
		return false
	}
	th := p.TCP()
	cp.Lock()
	t.setState(cp, dir, th)
	cp.Unlock()
	return true
}
