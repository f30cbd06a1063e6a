package conn

// HandshakeEvent is emitted once the remote peer's
// handshake has been accepted
type HandshakeEvent struct {
	*Session
}

// HaveEvent is emitted when the peer announces a piece
type HaveEvent struct {
	*Session
	Index int
}

// BitFieldEvent is emitted when the peer replaces its
// advertised bitfield
type BitFieldEvent struct {
	*Session
}

// RequestEvent is emitted when the peer requests a block
type RequestEvent struct {
	*Session
	Index  int
	Begin  int
	Length int
}

// PieceEvent is emitted when the peer sends a block
type PieceEvent struct {
	*Session
	Index int
	Begin int
	Block []byte
}

// CloseEvent is emitted exactly once, after all of the
// session's goroutines have returned
type CloseEvent struct {
	*Session
	Err error
}
