package conn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"

	"github.com/namvu9/bitswarm/internal/bandwidth"
	"github.com/namvu9/bitswarm/internal/errors"
	"github.com/namvu9/bitswarm/pkg/bits"
	"github.com/namvu9/bitswarm/pkg/btorrent/peer"
	"github.com/namvu9/bitswarm/pkg/ch"
)

const (
	// KeepAliveInterval is how often a keep-alive frame is
	// sent over an open connection
	KeepAliveInterval = 120 * time.Second

	writeTimeout = 10 * time.Second
	readChunk    = 32 * 1024
)

var (
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrClosed            = errors.New("session closed")
)

type handler func(*Session, peer.Message) error

// Handlers for the message kinds that have an effect. Kinds
// without an entry, including Cancel and unknown kinds, are
// accepted and ignored.
var handlers = map[peer.Kind]handler{
	peer.Choke:         handleChoke,
	peer.Unchoke:       handleUnchoke,
	peer.Interested:    handleInterested,
	peer.NotInterested: handleNotInterested,
	peer.Have:          handleHave,
	peer.BitField:      handleBitField,
	peer.Request:       handleRequest,
	peer.Piece:         handlePiece,
}

// Session owns the connection to a single remote peer. It
// frames and decodes inbound bytes, negotiates the
// handshake, dispatches messages and emits events for
// them, and writes outbound messages in the order they were
// sent.
type Session struct {
	conn      net.Conn
	infoHash  [20]byte
	peerID    [20]byte
	numPieces int
	emitter   chan<- interface{}

	keepAlive time.Duration
	limiter   *rate.Limiter

	t         *tomb.Tomb
	ctx       context.Context
	started   int32
	state     int32
	closeOnce sync.Once

	frames *ch.Queue[[]byte]
	outbox *ch.Queue[peer.Message]

	mu       sync.Mutex
	remote   PeerState
	local    PeerState
	pieces   bits.BitField
	remoteID [20]byte

	download *bandwidth.Monitor
	upload   *bandwidth.Monitor

	log zerolog.Logger
}

type Option func(*Session)

// WithPeerID sets the peer id sent in our handshake
func WithPeerID(id [20]byte) Option {
	return func(s *Session) {
		s.peerID = id
	}
}

// WithKeepAlive sets the keep-alive interval
func WithKeepAlive(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// WithLimiter throttles the block bytes written by the
// session. The limiter may be shared between sessions.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *Session) {
		s.limiter = l
	}
}

// WithMonitors replaces the download and upload monitors
func WithMonitors(download, upload *bandwidth.Monitor) Option {
	return func(s *Session) {
		s.download = download
		s.upload = upload
	}
}

// New returns a session over c for the content identified
// by infoHash, which has numPieces pieces. Events are sent
// on emitter. The session does nothing until it is
// started.
func New(c net.Conn, infoHash [20]byte, numPieces int, emitter chan<- interface{}, opts ...Option) *Session {
	s := &Session{
		conn:      c,
		infoHash:  infoHash,
		peerID:    peer.GenerateID(),
		numPieces: numPieces,
		emitter:   emitter,
		keepAlive: KeepAliveInterval,
		frames:    ch.NewQueue[[]byte](),
		outbox:    ch.NewQueue[peer.Message](),
		remote:    NewPeerState(),
		local:     NewPeerState(),
		download:  bandwidth.NewMonitor(),
		upload:    bandwidth.NewMonitor(),
		log: log.With().
			Str("peer", c.RemoteAddr().String()).
			Logger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start sends our handshake and starts the read, dispatch,
// write and keep-alive goroutines. The session is torn down
// when ctx is done.
func (s *Session) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return
	}

	s.t, s.ctx = tomb.WithContext(ctx)

	s.t.Go(func() error {
		s.t.Go(s.readLoop)
		s.t.Go(s.dispatchLoop)
		s.t.Go(s.writeLoop)

		return s.keepAliveLoop()
	})

	go s.supervise(ctx)
}

func (s *Session) supervise(ctx context.Context) {
	<-s.t.Dying()
	s.teardown()

	err := s.t.Wait()
	if err != nil && err != context.Canceled {
		s.log.Debug().Err(err).Str("state", s.State().String()).Msg("session closed")
	}

	select {
	case s.emitter <- CloseEvent{Session: s, Err: err}:
	case <-ctx.Done():
	}
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		for {
			state := atomic.LoadInt32(&s.state)
			if State(state).Terminal() {
				break
			}

			if atomic.CompareAndSwapInt32(&s.state, state, int32(Disconnected)) {
				break
			}
		}

		s.frames.Close()
		s.outbox.Close()
		s.conn.Close()
	})
}

// Close tears down the session. It is safe to call more
// than once and from any goroutine.
func (s *Session) Close() error {
	if atomic.LoadInt32(&s.started) == 0 {
		s.teardown()
		return nil
	}

	s.t.Kill(nil)
	return nil
}

// Dead returns a channel that is closed once all of the
// session's goroutines have returned
func (s *Session) Dead() <-chan struct{} {
	if atomic.LoadInt32(&s.started) == 0 {
		done := make(chan struct{})
		close(done)
		return done
	}

	return s.t.Dead()
}

// Err returns the reason the session was torn down
func (s *Session) Err() error {
	if s.t == nil {
		return nil
	}

	return s.t.Err()
}

func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Session) transition(from, to State) bool {
	return atomic.CompareAndSwapInt32(&s.state, int32(from), int32(to))
}

func (s *Session) readLoop() error {
	var (
		op         errors.Op = "conn.Session.readLoop"
		buf                  = make([]byte, 0, readChunk)
		chunk                = make([]byte, readChunk)
		handshaken bool
	)

	for {
		n, err := s.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)

			var frameErr error
			buf, handshaken, frameErr = s.extract(buf, handshaken)
			if frameErr != nil {
				return errors.Wrap(frameErr, op)
			}
		}

		if err != nil {
			if !s.t.Alive() {
				return nil
			}

			return errors.Wrap(err, op, errors.Network)
		}
	}
}

// extract moves every complete frame at the start of buf to
// the dispatch queue and returns the remaining bytes
func (s *Session) extract(buf []byte, handshaken bool) ([]byte, bool, error) {
	var consumed int

	for {
		var (
			rest = buf[consumed:]
			n    int
			ok   bool
			err  error
		)

		if handshaken {
			n, ok, err = peer.Frame(rest)
		} else {
			n, ok, err = peer.FrameHandshake(rest)
		}

		if err != nil {
			return nil, handshaken, err
		}

		if !ok {
			break
		}

		frame := make([]byte, n)
		copy(frame, rest[:n])
		s.frames.Push(frame)

		consumed += n
		handshaken = true
	}

	if consumed == 0 {
		return buf, handshaken, nil
	}

	remaining := copy(buf, buf[consumed:])
	return buf[:remaining], handshaken, nil
}

func (s *Session) dispatchLoop() error {
	for {
		frame, ok := s.frames.Pop(s.t.Dying())
		if !ok {
			return nil
		}

		err := s.dispatch(frame)
		if err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(frame []byte) error {
	var op errors.Op = "conn.Session.dispatch"

	if s.State() == PreHandshake {
		return s.handleHandshake(frame)
	}

	msg, err := peer.Decode(frame)
	if err != nil {
		return errors.Wrap(err, op)
	}

	s.download.Add(peer.PayloadLength(len(frame)))

	fn, ok := handlers[msg.Kind]
	if !ok {
		if !msg.Kind.Known() {
			s.log.Debug().Str("kind", msg.Kind.String()).Msg("ignoring message")
		}
		return nil
	}

	if err := fn(s, msg); err != nil {
		return errors.Wrap(err, op)
	}

	return nil
}

func (s *Session) handleHandshake(frame []byte) error {
	var op errors.Op = "conn.Session.handleHandshake"

	hs, err := peer.UnmarshalHandshake(frame)
	if err != nil {
		return errors.Wrap(err, op)
	}

	if hs.InfoHash != s.infoHash {
		s.transition(PreHandshake, HandshakeRejected)
		err := fmt.Errorf("%w: info hash %x", ErrHandshakeRejected, hs.InfoHash)
		return errors.Wrap(err, op, errors.Protocol)
	}

	s.mu.Lock()
	s.remoteID = hs.PeerID
	s.mu.Unlock()

	if !s.transition(PreHandshake, HandshakeAccepted) {
		return nil
	}

	s.log.Debug().Str("client", peer.ClientName(hs.PeerID)).Msg("handshake accepted")
	s.emit(HandshakeEvent{s})

	return nil
}

func (s *Session) emit(ev interface{}) {
	select {
	case s.emitter <- ev:
	case <-s.t.Dying():
	}
}

func (s *Session) writeLoop() error {
	var op errors.Op = "conn.Session.writeLoop"

	hs := peer.Handshake{
		InfoHash: s.infoHash,
		PeerID:   s.peerID,
	}

	if err := s.write(hs.Bytes()); err != nil {
		return errors.Wrap(err, op, errors.Network)
	}

	for {
		msg, ok := s.outbox.Pop(s.t.Dying())
		if !ok {
			return nil
		}

		if msg.Kind == peer.Piece && s.limiter != nil {
			err := s.limiter.WaitN(s.ctx, len(msg.Block))
			if err != nil {
				return nil
			}
		}

		data := msg.Bytes()
		if err := s.write(data); err != nil {
			return errors.Wrap(err, op, errors.Network)
		}

		s.upload.Add(peer.PayloadLength(len(data)))
	}
}

func (s *Session) write(data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	_, err := s.conn.Write(data)
	return err
}

func (s *Session) keepAliveLoop() error {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-s.t.Dying():
			return nil
		case <-ticker.C:
			s.Send(peer.Message{Kind: peer.KeepAlive})
		}
	}
}

// Send queues msg for writing. Sending a choke or interest
// message also updates our side's flags. It reports false if
// the session has been torn down.
func (s *Session) Send(msg peer.Message) bool {
	if s.State().Terminal() {
		return false
	}

	s.mu.Lock()
	switch msg.Kind {
	case peer.Choke:
		s.local.Choked = true
	case peer.Unchoke:
		s.local.Choked = false
	case peer.Interested:
		s.local.Interested = true
	case peer.NotInterested:
		s.local.Interested = false
	}
	s.mu.Unlock()

	return s.outbox.Push(msg)
}

func handleChoke(s *Session, _ peer.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remote.Choked = true
	return nil
}

func handleUnchoke(s *Session, _ peer.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remote.Choked = false
	return nil
}

func handleInterested(s *Session, _ peer.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remote.Interested = true
	return nil
}

func handleNotInterested(s *Session, _ peer.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remote.Interested = false
	return nil
}

func handleHave(s *Session, msg peer.Message) error {
	index := int(msg.Index)
	if index >= s.numPieces {
		err := fmt.Errorf("%w: have %d, torrent has %d pieces", peer.ErrMalformed, index, s.numPieces)
		return errors.Wrap(err, errors.Protocol)
	}

	s.mu.Lock()
	if s.pieces == nil {
		s.pieces = bits.NewBitField(s.numPieces)
	}
	s.pieces.Set(index)
	s.mu.Unlock()

	s.emit(HaveEvent{Session: s, Index: index})
	return nil
}

func handleBitField(s *Session, msg peer.Message) error {
	if want := bits.ByteLen(s.numPieces); len(msg.BitField) != want {
		err := fmt.Errorf("%w: bitfield of %d bytes, want %d", peer.ErrMalformed, len(msg.BitField), want)
		return errors.Wrap(err, errors.Protocol)
	}

	s.mu.Lock()
	s.pieces = msg.BitField.Clone()
	s.mu.Unlock()

	s.emit(BitFieldEvent{s})
	return nil
}

func handleRequest(s *Session, msg peer.Message) error {
	s.emit(RequestEvent{
		Session: s,
		Index:   int(msg.Index),
		Begin:   int(msg.Begin),
		Length:  int(msg.Length),
	})

	return nil
}

func handlePiece(s *Session, msg peer.Message) error {
	s.emit(PieceEvent{
		Session: s,
		Index:   int(msg.Index),
		Begin:   int(msg.Begin),
		Block:   msg.Block,
	})

	return nil
}

// Choking reports whether the peer is choking us
func (s *Session) Choking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remote.Choked
}

// Interested reports whether the peer is interested in
// pieces we have
func (s *Session) Interested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remote.Interested
}

// AmChoking reports whether we are choking the peer
func (s *Session) AmChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.local.Choked
}

// AmInterested reports whether we have told the peer we
// are interested
func (s *Session) AmInterested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.local.Interested
}

// Pieces returns a copy of the bitfield advertised by the
// peer, or nil if it has not advertised any pieces
func (s *Session) Pieces() bits.BitField {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pieces.Clone()
}

// HasPiece reports whether the peer has advertised piece
// index
func (s *Session) HasPiece(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pieces.Get(index)
}

// PeerID returns the peer id from the remote handshake
func (s *Session) PeerID() [20]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.remoteID
}

func (s *Session) InfoHash() [20]byte {
	return s.infoHash
}

func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// DownloadRate returns the moving average rate, in bytes
// per second, at which data is received from the peer
func (s *Session) DownloadRate() float64 {
	return s.download.Rate()
}

// UploadRate returns the moving average rate, in bytes per
// second, at which data is sent to the peer
func (s *Session) UploadRate() float64 {
	return s.upload.Rate()
}

func (s *Session) Downloaded() int64 {
	return int64(s.download.Total())
}

func (s *Session) Uploaded() int64 {
	return int64(s.upload.Total())
}

func (s *Session) String() string {
	return s.conn.RemoteAddr().String()
}

// NewLimiter returns a limiter for bytesPerSecond of block
// data, or nil if bytesPerSecond is not positive
func NewLimiter(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}

	burst := bytesPerSecond
	if burst < peer.MaxBlockLength {
		burst = peer.MaxBlockLength
	}

	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}
