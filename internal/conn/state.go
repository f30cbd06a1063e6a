package conn

import "fmt"

// State is the handshake state of a session
type State int32

const (
	PreHandshake State = iota
	HandshakeAccepted
	HandshakeRejected
	Disconnected
)

func (s State) String() string {
	switch s {
	case PreHandshake:
		return "pre-handshake"
	case HandshakeAccepted:
		return "accepted"
	case HandshakeRejected:
		return "rejected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions are
// possible from s
func (s State) Terminal() bool {
	return s == HandshakeRejected || s == Disconnected
}

// PeerState holds the choke and interest flags of one side
// of a connection
type PeerState struct {
	// The side refuses to serve requests from the other
	Choked bool

	// The side wants one or more pieces the other has
	Interested bool
}

func NewPeerState() PeerState {
	return PeerState{Choked: true}
}
