package cluster

// PeerState is a member's lifecycle state as seen by the failure detector
type PeerState uint8

const (
	// PeerSeed is a peer known from configuration or gossip that has not answered yet
	PeerSeed PeerState = iota
	// PeerAlive answered its last heartbeat in time
	PeerAlive
	// PeerSuspected missed one deadline; it still counts toward quorum
	PeerSuspected
	// PeerOffline missed two consecutive deadlines
	PeerOffline
	// PeerLeft announced a graceful shutdown
	PeerLeft

	numPeerStates
)

// String returns the string representation of a PeerState
func (s PeerState) String() string {
	switch s {
	case PeerSeed:
		return "seed"
	case PeerAlive:
		return "alive"
	case PeerSuspected:
		return "suspected"
	case PeerOffline:
		return "offline"
	case PeerLeft:
		return "left"
	default:
		return "unknown"
	}
}

// IsHealthyState reports whether a peer in s counts toward quorum
func (s PeerState) IsHealthyState() bool {
	return s == PeerAlive || s == PeerSuspected
}

// PeerStateNames lists every state in order, for metrics and status output
func PeerStateNames() []string {
	names := make([]string, numPeerStates)
	for s := PeerState(0); s < numPeerStates; s++ {
		names[s] = s.String()
	}
	return names
}

// PeerEvent is evidence the detector feeds into the state machine
type PeerEvent uint8

const (
	// EventReply is a heartbeat acknowledgement
	EventReply PeerEvent = iota
	// EventDeadlineMissed fires when an outstanding heartbeat outlives the adaptive deadline
	EventDeadlineMissed
	// EventConnectionLost is reported by the transport when a peer connection drops
	EventConnectionLost
	// EventLeave is the peer announcing a graceful shutdown
	EventLeave

	numPeerEvents
)

func (e PeerEvent) String() string {
	switch e {
	case EventReply:
		return "reply"
	case EventDeadlineMissed:
		return "deadline_missed"
	case EventConnectionLost:
		return "connection_lost"
	case EventLeave:
		return "leave"
	default:
		return "unknown"
	}
}

type peerTransition struct {
	to PeerState
	// readmit resets the peer to a fresh Seed before applying the event again
	readmit bool
}

var peerTransitions = [numPeerStates][numPeerEvents]peerTransition{
	PeerSeed: {
		EventReply:          {to: PeerAlive},
		EventDeadlineMissed: {to: PeerSeed},
		EventConnectionLost: {to: PeerSeed},
		EventLeave:          {to: PeerLeft},
	},
	PeerAlive: {
		EventReply:          {to: PeerAlive},
		EventDeadlineMissed: {to: PeerSuspected},
		EventConnectionLost: {to: PeerSuspected},
		EventLeave:          {to: PeerLeft},
	},
	PeerSuspected: {
		EventReply:          {to: PeerAlive},
		EventDeadlineMissed: {to: PeerOffline},
		EventConnectionLost: {to: PeerSuspected},
		EventLeave:          {to: PeerLeft},
	},
	PeerOffline: {
		EventReply:          {readmit: true},
		EventDeadlineMissed: {to: PeerOffline},
		EventConnectionLost: {to: PeerOffline},
		EventLeave:          {to: PeerLeft},
	},
	PeerLeft: {
		EventReply:          {readmit: true},
		EventDeadlineMissed: {to: PeerLeft},
		EventConnectionLost: {to: PeerLeft},
		EventLeave:          {to: PeerLeft},
	},
}

// nextPeerState looks up the transition for (from, ev). readmit is true when
// the peer must be reset to Seed first; to is then the state Seed moves to.
func nextPeerState(from PeerState, ev PeerEvent) (to PeerState, readmit bool) {
	t := peerTransitions[from][ev]
	if t.readmit {
		return peerTransitions[PeerSeed][ev].to, true
	}
	return t.to, false
}
