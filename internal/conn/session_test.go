package conn_test

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namvu9/bitswarm/internal/conn"
	"github.com/namvu9/bitswarm/pkg/bits"
	"github.com/namvu9/bitswarm/pkg/btorrent/peer"
)

var (
	infoHash  = [20]byte{1, 2, 3}
	remoteID  = [20]byte{'-', 'q', 'B', '4', '2', '5', '0', '-'}
	numPieces = 12
)

// remote is the test's end of a session's connection
type remote struct {
	t      *testing.T
	conn   net.Conn
	frames chan []byte
	hs     chan peer.Handshake
}

func newRemote(t *testing.T, c net.Conn) *remote {
	r := &remote{
		t:      t,
		conn:   c,
		frames: make(chan []byte, 64),
		hs:     make(chan peer.Handshake, 1),
	}

	go r.read()
	return r
}

func (r *remote) read() {
	defer close(r.frames)

	buf := make([]byte, peer.HandshakeLength)
	if _, err := io.ReadFull(r.conn, buf); err != nil {
		return
	}

	hs, err := peer.UnmarshalHandshake(buf)
	if err != nil {
		return
	}
	r.hs <- hs

	for {
		prefix := make([]byte, 4)
		if _, err := io.ReadFull(r.conn, prefix); err != nil {
			return
		}

		frame := make([]byte, 4+binary.LittleEndian.Uint32(prefix))
		copy(frame, prefix)
		if _, err := io.ReadFull(r.conn, frame[4:]); err != nil {
			return
		}

		r.frames <- frame
	}
}

func (r *remote) write(data []byte) {
	r.t.Helper()

	r.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := r.conn.Write(data)
	require.NoError(r.t, err)
}

func (r *remote) handshake(hash [20]byte) {
	r.t.Helper()
	r.write(peer.Handshake{InfoHash: hash, PeerID: remoteID}.Bytes())
}

func (r *remote) next() peer.Message {
	r.t.Helper()

	select {
	case frame, ok := <-r.frames:
		require.True(r.t, ok, "connection closed")

		msg, err := peer.Decode(frame)
		require.NoError(r.t, err)
		return msg
	case <-time.After(time.Second):
		r.t.Fatal("timed out waiting for a message")
	}

	return peer.Message{}
}

func nextEvent(t *testing.T, events chan interface{}) interface{} {
	t.Helper()

	select {
	case ev := <-events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an event")
	}

	return nil
}

func setup(t *testing.T, opts ...conn.Option) (*conn.Session, *remote, chan interface{}) {
	t.Helper()

	local, other := net.Pipe()
	events := make(chan interface{}, 16)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := conn.New(local, infoHash, numPieces, events, opts...)
	r := newRemote(t, other)
	s.Start(ctx)

	t.Cleanup(func() {
		s.Close()
		other.Close()
	})

	return s, r, events
}

func TestSessionHandshakeAccepted(t *testing.T) {
	s, r, events := setup(t)

	select {
	case hs := <-r.hs:
		assert.Equal(t, infoHash, hs.InfoHash)
		assert.Equal(t, peer.ClientTag, string(hs.PeerID[:8]))
	case <-time.After(time.Second):
		t.Fatal("no handshake from session")
	}

	assert.Equal(t, conn.PreHandshake, s.State())

	r.handshake(infoHash)

	ev, ok := nextEvent(t, events).(conn.HandshakeEvent)
	require.True(t, ok, "want HandshakeEvent")
	assert.Equal(t, s, ev.Session)
	assert.Equal(t, conn.HandshakeAccepted, s.State())
	assert.Equal(t, remoteID, s.PeerID())

	// Defaults before any choke or interest message
	assert.True(t, s.Choking())
	assert.False(t, s.Interested())
	assert.True(t, s.AmChoking())
	assert.Nil(t, s.Pieces())
}

func TestSessionHandlers(t *testing.T) {
	s, r, events := setup(t)
	r.handshake(infoHash)
	require.IsType(t, conn.HandshakeEvent{}, nextEvent(t, events))

	bf := bits.NewBitField(numPieces)
	bf.Set(0)
	bf.Set(11)
	r.write(peer.NewBitField(bf).Bytes())

	require.IsType(t, conn.BitFieldEvent{}, nextEvent(t, events))
	assert.Equal(t, bf, s.Pieces())

	r.write(peer.NewHave(5).Bytes())
	have, ok := nextEvent(t, events).(conn.HaveEvent)
	require.True(t, ok)
	assert.Equal(t, 5, have.Index)
	assert.True(t, s.HasPiece(5))

	r.write(peer.Message{Kind: peer.Unchoke}.Bytes())
	r.write(peer.Message{Kind: peer.Interested}.Bytes())

	// Cancel and unknown kinds are accepted without effect
	r.write(peer.NewCancel(1, 0, 16384).Bytes())
	r.write([]byte{2, 0, 0, 0, 20, 0})
	r.write(peer.Message{Kind: peer.KeepAlive}.Bytes())

	r.write(peer.NewRequest(1, 16384, 16384).Bytes())
	req, ok := nextEvent(t, events).(conn.RequestEvent)
	require.True(t, ok)
	assert.Equal(t, conn.RequestEvent{Session: s, Index: 1, Begin: 16384, Length: 16384}, req)

	assert.False(t, s.Choking())
	assert.True(t, s.Interested())

	r.write(peer.NewPiece(2, 32, []byte{9, 8, 7}).Bytes())
	piece, ok := nextEvent(t, events).(conn.PieceEvent)
	require.True(t, ok)
	assert.Equal(t, 2, piece.Index)
	assert.Equal(t, 32, piece.Begin)
	assert.Equal(t, []byte{9, 8, 7}, piece.Block)

	r.write(peer.Message{Kind: peer.Choke}.Bytes())
	r.write(peer.Message{Kind: peer.NotInterested}.Bytes())
	assert.Eventually(t, func() bool {
		return s.Choking() && !s.Interested()
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, conn.HandshakeAccepted, s.State())
	assert.Greater(t, s.Downloaded(), int64(0))
}

func TestSessionSend(t *testing.T) {
	s, r, events := setup(t)
	<-r.hs
	r.handshake(infoHash)
	nextEvent(t, events)

	msgs := []peer.Message{
		{Kind: peer.Unchoke},
		{Kind: peer.Interested},
		peer.NewHave(3),
		peer.NewPiece(3, 0, []byte{1, 2, 3, 4}),
	}

	for _, msg := range msgs {
		require.True(t, s.Send(msg))
	}

	for i, want := range msgs {
		got := r.next()
		assert.Equal(t, want, got, "%d", i)
	}

	assert.False(t, s.AmChoking())
	assert.True(t, s.AmInterested())
	// Have carries 4 payload bytes, the piece 8 plus its block
	assert.Eventually(t, func() bool {
		return s.Uploaded() == 16
	}, time.Second, 5*time.Millisecond)
}

func TestSessionPayloadAccounting(t *testing.T) {
	s, r, events := setup(t)
	<-r.hs
	r.handshake(infoHash)
	nextEvent(t, events)

	assert.Equal(t, int64(0), s.Downloaded())

	r.write(peer.Message{Kind: peer.KeepAlive}.Bytes())
	r.write(peer.Message{Kind: peer.Unchoke}.Bytes())
	r.write(peer.NewHave(1).Bytes())
	nextEvent(t, events)
	r.write(peer.NewPiece(1, 0, make([]byte, 10)).Bytes())
	nextEvent(t, events)

	if got := s.Downloaded(); got != 22 {
		t.Errorf("downloaded want %d got %d", 22, got)
	}

	require.True(t, s.Send(peer.Message{Kind: peer.KeepAlive}))
	require.True(t, s.Send(peer.NewPiece(1, 0, make([]byte, 100))))
	r.next()
	r.next()

	assert.Eventually(t, func() bool {
		return s.Uploaded() == 108
	}, time.Second, 5*time.Millisecond)
}

func TestSessionSplitFrames(t *testing.T) {
	s, r, events := setup(t)

	data := peer.Handshake{InfoHash: infoHash, PeerID: remoteID}.Bytes()
	data = append(data, peer.NewHave(7).Bytes()...)
	data = append(data, peer.NewRequest(7, 0, 100).Bytes()...)

	// One byte at a time, handshake and frames straddle reads
	for _, b := range data {
		r.write([]byte{b})
	}

	require.IsType(t, conn.HandshakeEvent{}, nextEvent(t, events))
	require.Equal(t, conn.HaveEvent{Session: s, Index: 7}, nextEvent(t, events))
	require.Equal(t, conn.RequestEvent{Session: s, Index: 7, Begin: 0, Length: 100}, nextEvent(t, events))
}

func TestSessionHandshakeRejected(t *testing.T) {
	s, r, events := setup(t)
	r.handshake([20]byte{9, 9, 9})

	ev, ok := nextEvent(t, events).(conn.CloseEvent)
	require.True(t, ok, "want CloseEvent")
	assert.ErrorIs(t, ev.Err, conn.ErrHandshakeRejected)
	assert.Equal(t, conn.HandshakeRejected, s.State())

	assert.False(t, s.Send(peer.NewHave(1)))

	select {
	case <-s.Dead():
	case <-time.After(time.Second):
		t.Fatal("session still running")
	}
}

func TestSessionMalformed(t *testing.T) {
	for i, frame := range [][]byte{
		// Implausible length
		{0xff, 0xff, 0xff, 0x0f},
		// Have payload too short
		{3, 0, 0, 0, 4, 1, 0},
		// Have out of range
		peer.NewHave(uint32(numPieces)).Bytes(),
		// Bitfield of the wrong size
		peer.NewBitField(bits.NewBitField(numPieces * 2)).Bytes(),
	} {
		s, r, events := setup(t)
		r.handshake(infoHash)
		require.IsType(t, conn.HandshakeEvent{}, nextEvent(t, events))

		r.conn.SetWriteDeadline(time.Now().Add(time.Second))
		r.conn.Write(frame)

		ev, ok := nextEvent(t, events).(conn.CloseEvent)
		require.True(t, ok, "%d: want CloseEvent", i)
		assert.Error(t, ev.Err, "%d", i)
		assert.ErrorIs(t, ev.Err, peer.ErrMalformed, "%d", i)
		assert.Equal(t, conn.Disconnected, s.State(), "%d", i)
	}
}

func TestSessionBadPreamble(t *testing.T) {
	s, r, events := setup(t)
	r.write([]byte{19, 'X'})

	ev, ok := nextEvent(t, events).(conn.CloseEvent)
	require.True(t, ok, "want CloseEvent")
	assert.ErrorIs(t, ev.Err, peer.ErrMalformed)
	assert.Equal(t, conn.Disconnected, s.State())
}

func TestSessionKeepAlive(t *testing.T) {
	_, r, events := setup(t, conn.WithKeepAlive(20*time.Millisecond))
	<-r.hs
	r.handshake(infoHash)
	nextEvent(t, events)

	for i := 0; i < 2; i++ {
		msg := r.next()
		assert.Equal(t, peer.KeepAlive, msg.Kind)
	}
}

func TestSessionClose(t *testing.T) {
	s, r, events := setup(t)
	<-r.hs

	s.Close()
	s.Close()

	ev, ok := nextEvent(t, events).(conn.CloseEvent)
	require.True(t, ok)
	assert.NoError(t, ev.Err)
	assert.Equal(t, conn.Disconnected, s.State())

	select {
	case ev := <-events:
		t.Errorf("unexpected event after close: %T", ev)
	case <-time.After(50 * time.Millisecond):
	}

	// The remote end sees the connection close
	select {
	case _, ok := <-r.frames:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("connection not closed")
	}
}

func TestSessionRemoteClose(t *testing.T) {
	s, r, events := setup(t)
	r.handshake(infoHash)
	nextEvent(t, events)

	r.conn.Close()

	ev, ok := nextEvent(t, events).(conn.CloseEvent)
	require.True(t, ok)
	assert.Error(t, ev.Err)
	assert.Equal(t, conn.Disconnected, s.State())
}

func TestCloseBeforeStart(t *testing.T) {
	local, other := net.Pipe()
	defer other.Close()

	s := conn.New(local, infoHash, numPieces, make(chan interface{}, 1))
	s.Close()

	assert.Equal(t, conn.Disconnected, s.State())
	<-s.Dead()
}
