package peer

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/namvu9/bitswarm/internal/errors"
	"github.com/namvu9/bitswarm/pkg/bits"
)

// Kind identifies a peer wire message
type Kind byte

// BitTorrent message types
const (
	Choke Kind = iota
	Unchoke
	Interested
	NotInterested
	Have
	BitField
	Request
	Piece
	Cancel

	// KeepAlive has no id on the wire. It is a zero-length
	// frame.
	KeepAlive Kind = 0xff
)

const (
	// Length of the frame's length prefix
	prefixLength = 4

	// MaxFrameLength is the largest declared frame length
	// accepted from a peer. Anything above it is treated
	// as a framing error.
	MaxFrameLength = 1 << 21

	// MaxBlockLength is the largest block a peer may
	// request
	MaxBlockLength = 1 << 17
)

var ErrMalformed = errors.New("malformed message")

var kindNames = map[Kind]string{
	Choke:         "choke",
	Unchoke:       "unchoke",
	Interested:    "interested",
	NotInterested: "not interested",
	Have:          "have",
	BitField:      "bitfield",
	Request:       "request",
	Piece:         "piece",
	Cancel:        "cancel",
	KeepAlive:     "keep-alive",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("unknown(%d)", byte(k))
}

// Known reports whether k is one of the supported message
// kinds
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

// Message is a decoded peer wire message. Which of the
// fields are meaningful depends on Kind:
//
// Have: Index
//
// BitField: BitField. The first byte of the bitfield
// corresponds to indices 0 - 7 from high bit to low bit,
// respectively. The next one 8-15, etc.
//
// Request and Cancel: Index, Begin and Length. Begin and
// Length are byte offsets within the piece.
//
// Piece: Index, Begin and Block
type Message struct {
	Kind     Kind
	Index    uint32
	Begin    uint32
	Length   uint32
	Block    []byte
	BitField bits.BitField
}

func NewHave(index uint32) Message {
	return Message{Kind: Have, Index: index}
}

func NewBitField(bf bits.BitField) Message {
	return Message{Kind: BitField, BitField: bf}
}

func NewRequest(index, begin, length uint32) Message {
	return Message{Kind: Request, Index: index, Begin: begin, Length: length}
}

func NewPiece(index, begin uint32, block []byte) Message {
	return Message{Kind: Piece, Index: index, Begin: begin, Block: block}
}

func NewCancel(index, begin, length uint32) Message {
	return Message{Kind: Cancel, Index: index, Begin: begin, Length: length}
}

// Bytes encodes the message as a length-prefixed frame
func (m Message) Bytes() []byte {
	var buf bytes.Buffer

	switch m.Kind {
	case KeepAlive:
		binary.Write(&buf, binary.LittleEndian, uint32(0))
	case Have:
		binary.Write(&buf, binary.LittleEndian, uint32(5))
		buf.WriteByte(byte(m.Kind))
		binary.Write(&buf, binary.LittleEndian, m.Index)
	case BitField:
		binary.Write(&buf, binary.LittleEndian, uint32(len(m.BitField)+1))
		buf.WriteByte(byte(m.Kind))
		buf.Write(m.BitField)
	case Request, Cancel:
		binary.Write(&buf, binary.LittleEndian, uint32(13))
		buf.WriteByte(byte(m.Kind))
		binary.Write(&buf, binary.LittleEndian, m.Index)
		binary.Write(&buf, binary.LittleEndian, m.Begin)
		binary.Write(&buf, binary.LittleEndian, m.Length)
	case Piece:
		binary.Write(&buf, binary.LittleEndian, uint32(len(m.Block)+9))
		buf.WriteByte(byte(m.Kind))
		binary.Write(&buf, binary.LittleEndian, m.Index)
		binary.Write(&buf, binary.LittleEndian, m.Begin)
		buf.Write(m.Block)
	default:
		binary.Write(&buf, binary.LittleEndian, uint32(1))
		buf.WriteByte(byte(m.Kind))
	}

	return buf.Bytes()
}

func (m Message) String() string {
	switch m.Kind {
	case Have:
		return fmt.Sprintf("have %d", m.Index)
	case BitField:
		return fmt.Sprintf("bitfield (%d bytes)", len(m.BitField))
	case Request, Cancel:
		return fmt.Sprintf("%s %d:%d+%d", m.Kind, m.Index, m.Begin, m.Length)
	case Piece:
		return fmt.Sprintf("piece %d:%d+%d", m.Index, m.Begin, len(m.Block))
	default:
		return m.Kind.String()
	}
}

// Frame reports whether buf starts with a complete
// length-prefixed frame and, if so, its total length
// including the prefix. A frame whose declared length
// exceeds MaxFrameLength is malformed.
func Frame(buf []byte) (int, bool, error) {
	if len(buf) < prefixLength {
		return 0, false, nil
	}

	length := binary.LittleEndian.Uint32(buf)
	if length > MaxFrameLength {
		err := fmt.Errorf("%w: declared frame length %d", ErrMalformed, length)
		return 0, false, errors.Wrap(err, errors.Protocol)
	}

	n := prefixLength + int(length)
	if len(buf) < n {
		return 0, false, nil
	}

	return n, true, nil
}

// PayloadLength returns the number of payload bytes in an
// encoded frame of n bytes, not counting the length prefix
// and the kind id
func PayloadLength(n int) int {
	if n <= prefixLength+1 {
		return 0
	}

	return n - prefixLength - 1
}

// Decode parses one complete frame, as extracted by Frame.
// Message kinds that are not known are returned without an
// error and with only the Kind set.
func Decode(frame []byte) (Message, error) {
	var op errors.Op = "peer.Decode"

	n, ok, err := Frame(frame)
	if err != nil {
		return Message{}, errors.Wrap(err, op)
	}
	if !ok || n != len(frame) {
		err := fmt.Errorf("%w: incomplete frame of %d bytes", ErrMalformed, len(frame))
		return Message{}, errors.Wrap(err, op, errors.Protocol)
	}

	if n == prefixLength {
		return Message{Kind: KeepAlive}, nil
	}

	var (
		kind    = Kind(frame[prefixLength])
		payload = frame[prefixLength+1:]
		msg     = Message{Kind: kind}
	)

	switch kind {
	case Choke, Unchoke, Interested, NotInterested:
		if len(payload) != 0 {
			return msg, payloadErr(op, kind, 0, len(payload))
		}
	case Have:
		if len(payload) != 4 {
			return msg, payloadErr(op, kind, 4, len(payload))
		}
		msg.Index = binary.LittleEndian.Uint32(payload)
	case BitField:
		msg.BitField = make(bits.BitField, len(payload))
		copy(msg.BitField, payload)
	case Request, Cancel:
		if len(payload) != 12 {
			return msg, payloadErr(op, kind, 12, len(payload))
		}
		msg.Index = binary.LittleEndian.Uint32(payload[:4])
		msg.Begin = binary.LittleEndian.Uint32(payload[4:8])
		msg.Length = binary.LittleEndian.Uint32(payload[8:12])
	case Piece:
		if len(payload) < 8 {
			return msg, payloadErr(op, kind, 8, len(payload))
		}
		msg.Index = binary.LittleEndian.Uint32(payload[:4])
		msg.Begin = binary.LittleEndian.Uint32(payload[4:8])
		msg.Block = make([]byte, len(payload)-8)
		copy(msg.Block, payload[8:])
	}

	return msg, nil
}

func payloadErr(op errors.Op, kind Kind, want, got int) error {
	err := fmt.Errorf("%w: %s payload length, want %d but got %d", ErrMalformed, kind, want, got)
	return errors.Wrap(err, op, errors.Protocol)
}
