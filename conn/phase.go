// Package conn implements the connection state machine: handshake
// orchestration, stream multiplexing, pacing-gated sends, and the
// handoff of rejected connections to the fallback path.
package conn

// Phase is the lifecycle state of a connection.
type Phase int

const (
	Init Phase = iota
	Handshaking0RTT
	Handshaking1RTT
	Established
	Closing
	Drained
	// Rejected is terminal and reachable only from a handshaking phase.
	// A rejected connection never re-enters the handshake.
	Rejected
)

func (p Phase) String() string {
	switch p {
	case Init:
		return "init"
	case Handshaking0RTT:
		return "handshaking-0rtt"
	case Handshaking1RTT:
		return "handshaking-1rtt"
	case Established:
		return "established"
	case Closing:
		return "closing"
	case Drained:
		return "drained"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// handshaking reports whether the phase is a handshake phase.
func (p Phase) handshaking() bool {
	return p == Handshaking0RTT || p == Handshaking1RTT
}

var legalTransitions = map[Phase][]Phase{
	Init:            {Handshaking0RTT, Handshaking1RTT},
	Handshaking0RTT: {Handshaking1RTT, Established, Rejected, Closing},
	Handshaking1RTT: {Established, Rejected, Closing},
	Established:     {Closing},
	Closing:         {Drained},
}

func canTransition(from, to Phase) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
