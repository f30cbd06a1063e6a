package peer

import (
	"bytes"
	"fmt"

	"github.com/namvu9/bitswarm/internal/errors"
)

// Protocol is the protocol string sent in the handshake
// preamble
const Protocol = "BitTorrent protocol"

// HandshakeLength is the fixed length of a handshake. The
// handshake has no length prefix.
const HandshakeLength = 1 + len(Protocol) + 8 + 20 + 20

// Handshake is the first message sent in each direction of
// a connection. It carries the identity of the content the
// connection is about and the sender's peer id.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

func (h Handshake) Bytes() []byte {
	var buf bytes.Buffer

	buf.WriteByte(byte(len(Protocol)))
	buf.WriteString(Protocol)
	buf.Write(h.Reserved[:])
	buf.Write(h.InfoHash[:])
	buf.Write(h.PeerID[:])

	return buf.Bytes()
}

// FrameHandshake reports whether buf starts with a complete
// handshake. The preamble is checked against the bytes that
// are available so far, and a mismatch is an error: the
// stream cannot be resynchronised after it.
func FrameHandshake(buf []byte) (int, bool, error) {
	preamble := append([]byte{byte(len(Protocol))}, Protocol...)

	n := len(buf)
	if n > len(preamble) {
		n = len(preamble)
	}

	if !bytes.Equal(buf[:n], preamble[:n]) {
		err := fmt.Errorf("%w: handshake preamble %q", ErrMalformed, buf[:n])
		return 0, false, errors.Wrap(err, errors.Protocol)
	}

	if len(buf) < HandshakeLength {
		return 0, false, nil
	}

	return HandshakeLength, true, nil
}

// IsHandshake reports whether buf holds a complete
// handshake with a valid preamble
func IsHandshake(buf []byte) bool {
	_, ok, err := FrameHandshake(buf)
	return ok && err == nil
}

func UnmarshalHandshake(buf []byte) (Handshake, error) {
	var (
		op  errors.Op = "peer.UnmarshalHandshake"
		msg Handshake
	)

	n, ok, err := FrameHandshake(buf)
	if err != nil {
		return msg, errors.Wrap(err, op)
	}
	if !ok || n != len(buf) {
		err := fmt.Errorf("%w: handshake of length %d, want %d", ErrMalformed, len(buf), HandshakeLength)
		return msg, errors.Wrap(err, op, errors.Protocol)
	}

	offset := 1 + len(Protocol)
	copy(msg.Reserved[:], buf[offset:offset+8])
	copy(msg.InfoHash[:], buf[offset+8:offset+28])
	copy(msg.PeerID[:], buf[offset+28:])

	return msg, nil
}
