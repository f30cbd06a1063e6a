package swarm

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"

	"github.com/namvu9/bitswarm/internal/conn"
	"github.com/namvu9/bitswarm/internal/data"
	"github.com/namvu9/bitswarm/internal/errors"
	"github.com/namvu9/bitswarm/internal/pieces"
	"github.com/namvu9/bitswarm/pkg/bits"
	"github.com/namvu9/bitswarm/pkg/btorrent"
	"github.com/namvu9/bitswarm/pkg/btorrent/peer"
)

const (
	SelectionInterval = 100 * time.Millisecond
	ChokeInterval     = 10 * time.Second
	UploadSlots       = 4
)

var ErrStopped = errors.New("coordinator stopped")

// Store is the piece storage a coordinator serves from and
// writes verified pieces to
type Store interface {
	data.Store

	// ReadBlock returns length bytes of piece index starting
	// at begin, clamped to the end of the piece
	ReadBlock(index, begin, length int) ([]byte, error)

	// Invalidate drops any cached data for piece index
	Invalidate(index int)

	// Purge releases cached pieces that have expired
	Purge() int
}

type swarmPeer struct {
	*conn.Session
	manager *pieces.Manager
}

type joinEvent struct {
	conn net.Conn
}

// Coordinator runs the swarm for a single torrent. It
// decides which pieces to request from which peers, which
// peers to upload to, and serves the requests of the peers
// it uploads to.
//
// Peer state is only modified from the goroutine running
// Run. Sessions report to it through its events channel.
type Coordinator struct {
	torrent *btorrent.Torrent
	store   Store
	events  chan interface{}

	selectionInterval time.Duration
	chokeInterval     time.Duration
	uploadSlots       int
	blockTimeout      time.Duration
	sessionOpts       []conn.Option

	// mu guards the peer map and the assignment of managers
	// to peers. It is only held for writing by the Run
	// goroutine.
	mu       sync.RWMutex
	peers    map[*conn.Session]*swarmPeer
	assigned mapset.Set

	bfMu   sync.Mutex
	pieces bits.BitField

	done     chan struct{}
	doneOnce sync.Once
	stopped  chan struct{}
	running  int32

	// Bytes moved by peers that have since disconnected
	downloaded int64
	uploaded   int64

	log zerolog.Logger
}

type Option func(*Coordinator)

// WithSelectionInterval sets how often pieces are assigned
// and requested
func WithSelectionInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.selectionInterval = d
		}
	}
}

// WithChokeInterval sets how often peers are choked and
// unchoked
func WithChokeInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.chokeInterval = d
		}
	}
}

// WithUploadSlots sets how many interested peers are
// unchoked at a time
func WithUploadSlots(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.uploadSlots = n
		}
	}
}

// WithBlockTimeout sets how long a block request may go
// unanswered before it is sent again
func WithBlockTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.blockTimeout = d
	}
}

// WithSessionOptions sets options for every session the
// coordinator creates
func WithSessionOptions(opts ...conn.Option) Option {
	return func(c *Coordinator) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	}
}

// New returns a coordinator for torrent t backed by store.
// have holds the pieces the store already contains and may
// be nil.
func New(t *btorrent.Torrent, store Store, have bits.BitField, opts ...Option) *Coordinator {
	n := t.NumPieces()

	local := bits.NewBitField(n)
	copy(local, have)

	c := &Coordinator{
		torrent:           t,
		store:             store,
		events:            make(chan interface{}, 64),
		selectionInterval: SelectionInterval,
		chokeInterval:     ChokeInterval,
		uploadSlots:       UploadSlots,
		blockTimeout:      pieces.BlockTimeout,
		peers:             make(map[*conn.Session]*swarmPeer),
		assigned:          mapset.NewSet(),
		pieces:            local,
		done:              make(chan struct{}),
		stopped:           make(chan struct{}),
		log: log.With().
			Str("torrent", t.Name()).
			Logger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if local.Full(n) {
		c.doneOnce.Do(func() {
			close(c.done)
		})
	}

	return c
}

// Add hands a connection to the coordinator, which starts a
// session over it. The connection is closed by the
// coordinator.
func (c *Coordinator) Add(ctx context.Context, nc net.Conn) error {
	select {
	case <-c.stopped:
		nc.Close()
		return ErrStopped
	default:
	}

	select {
	case c.events <- joinEvent{nc}:
		return nil
	case <-c.stopped:
		nc.Close()
		return ErrStopped
	case <-ctx.Done():
		nc.Close()
		return ctx.Err()
	}
}

// Run drives the swarm until ctx is done. Every session is
// closed before it returns.
func (c *Coordinator) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return errors.New("coordinator already running")
	}

	var (
		selection = time.NewTicker(c.selectionInterval)
		choke     = time.NewTicker(c.chokeInterval)
	)

	defer func() {
		selection.Stop()
		choke.Stop()
		c.shutdown()
	}()

	c.log.Info().
		Int("have", c.Bitfield().GetSum()).
		Int("pieces", c.torrent.NumPieces()).
		Msg("swarm started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
		case <-selection.C:
			c.selectPieces()
		case <-choke.C:
			c.choke()

			if n := c.store.Purge(); n > 0 {
				c.log.Debug().Int("pieces", n).Msg("released cached pieces")
			}
		}
	}
}

func (c *Coordinator) shutdown() {
	close(c.stopped)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.peers {
		if p.manager != nil {
			p.manager.Close()
		}
		p.Close()
	}

	c.peers = make(map[*conn.Session]*swarmPeer)
	c.assigned.Clear()

	// Unblock pending joins
	for {
		select {
		case ev := <-c.events:
			if join, ok := ev.(joinEvent); ok {
				join.conn.Close()
			}
		default:
			return
		}
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, ev interface{}) {
	switch v := ev.(type) {
	case joinEvent:
		c.handleJoin(ctx, v.conn)
	case conn.HandshakeEvent:
		c.handleHandshake(v)
	case conn.BitFieldEvent:
		c.handleAdvertised(v.Session)
	case conn.HaveEvent:
		c.store.Invalidate(v.Index)
		c.handleAdvertised(v.Session)
	case conn.RequestEvent:
		c.handleRequest(v)
	case conn.PieceEvent:
		c.handlePiece(v)
	case conn.CloseEvent:
		c.handleClose(v)
	}
}

func (c *Coordinator) handleJoin(ctx context.Context, nc net.Conn) {
	s := conn.New(nc, c.torrent.InfoHash(), c.torrent.NumPieces(), c.events, c.sessionOpts...)

	c.mu.Lock()
	c.peers[s] = &swarmPeer{Session: s}
	c.mu.Unlock()

	s.Start(ctx)
	c.log.Debug().Str("peer", s.String()).Msg("peer joined")
}

func (c *Coordinator) peer(s *conn.Session) (*swarmPeer, bool) {
	p, ok := c.peers[s]
	return p, ok
}

func (c *Coordinator) handleHandshake(ev conn.HandshakeEvent) {
	if _, ok := c.peer(ev.Session); !ok {
		return
	}

	ev.Send(peer.NewBitField(c.Bitfield()))
}

// handleAdvertised reevaluates our interest in a peer whose
// pieces changed
func (c *Coordinator) handleAdvertised(s *conn.Session) {
	p, ok := c.peer(s)
	if !ok || c.Complete() {
		return
	}

	c.updateInterest(p, s.Pieces())
}

func (c *Coordinator) handleRequest(ev conn.RequestEvent) {
	p, ok := c.peer(ev.Session)
	if !ok {
		return
	}

	logger := c.log.With().
		Str("peer", p.String()).
		Int("piece", ev.Index).
		Int("begin", ev.Begin).
		Logger()

	if p.AmChoking() {
		logger.Debug().Msg("dropping request from choked peer")
		return
	}

	if ev.Index < 0 || ev.Index >= c.torrent.NumPieces() || !c.HasPiece(ev.Index) {
		logger.Debug().Msg("dropping request for missing piece")
		return
	}

	length := ev.Length
	if length > peer.MaxBlockLength {
		length = peer.MaxBlockLength
	}

	block, err := c.store.ReadBlock(ev.Index, ev.Begin, length)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read block")
		return
	}

	p.Send(peer.NewPiece(uint32(ev.Index), uint32(ev.Begin), block))
}

func (c *Coordinator) handlePiece(ev conn.PieceEvent) {
	p, ok := c.peer(ev.Session)
	if !ok || p.manager == nil || p.manager.Index() != ev.Index {
		return
	}

	p.manager.OnBlockReceived(ev.Begin, ev.Block)

	if p.manager.IsComplete() {
		c.completePiece(p)
		return
	}

	c.request(p)
}

func (c *Coordinator) handleClose(ev conn.CloseEvent) {
	p, ok := c.peer(ev.Session)
	if !ok {
		return
	}

	c.release(p)

	c.mu.Lock()
	delete(c.peers, ev.Session)
	c.mu.Unlock()

	atomic.AddInt64(&c.downloaded, ev.Downloaded())
	atomic.AddInt64(&c.uploaded, ev.Uploaded())

	logger := c.log.Debug().Str("peer", ev.String())
	if ev.Err != nil {
		logger = logger.Err(ev.Err)
	}
	logger.Msg("peer left")
}

// release discards the peer's piece manager, if any, which
// makes its piece selectable again
func (c *Coordinator) release(p *swarmPeer) {
	if p.manager == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p.manager.Close()
	c.assigned.Remove(p.manager.Index())
	p.manager = nil
}

func (c *Coordinator) assign(p *swarmPeer, index int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p.manager = pieces.New(index, c.torrent.PieceLen(index), pieces.WithTimeout(c.blockTimeout))
	c.assigned.Add(index)
}

func (c *Coordinator) snapshot() []*swarmPeer {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return maps.Values(c.peers)
}

func (c *Coordinator) selectPieces() {
	if c.Complete() {
		return
	}

	for _, p := range c.snapshot() {
		if p.State() != conn.HandshakeAccepted {
			continue
		}

		advertised := p.Pieces()
		if advertised == nil {
			continue
		}

		c.updateInterest(p, advertised)

		if p.manager == nil {
			index, ok := c.pick(advertised)
			if !ok {
				continue
			}

			c.assign(p, index)
		}

		if p.manager.IsComplete() {
			c.completePiece(p)
			continue
		}

		c.request(p)
	}
}

func (c *Coordinator) updateInterest(p *swarmPeer, advertised bits.BitField) {
	interesting := c.Bitfield().Interesting(advertised, c.torrent.NumPieces())
	if interesting == p.AmInterested() {
		return
	}

	if interesting {
		p.Send(peer.Message{Kind: peer.Interested})
	} else {
		p.Send(peer.Message{Kind: peer.NotInterested})
	}
}

// pick returns a random piece that the peer has, that we do
// not have and that no other peer is fetching
func (c *Coordinator) pick(advertised bits.BitField) (int, bool) {
	var candidates []int
	for _, index := range c.Bitfield().Missing(advertised, c.torrent.NumPieces()) {
		if !c.assigned.Contains(index) {
			candidates = append(candidates, index)
		}
	}

	if len(candidates) == 0 {
		return 0, false
	}

	return candidates[rand.Intn(len(candidates))], true
}

// request sends requests for the next blocks of the peer's
// piece until its pipeline is full
func (c *Coordinator) request(p *swarmPeer) {
	if p.manager == nil || p.Choking() {
		return
	}

	for {
		b, ok := p.manager.ScheduleNext()
		if !ok {
			return
		}

		if !p.Send(peer.NewRequest(b.Index, b.Begin, b.Length)) {
			return
		}

		p.manager.OnSent(b)
	}
}

// completePiece verifies the peer's assembled piece, writes
// it to the store and verifies it again as read back. The
// piece is only marked as had once both checks pass.
func (c *Coordinator) completePiece(p *swarmPeer) {
	var (
		m      = p.manager
		index  = m.Index()
		piece  = m.Bytes()
		logger = c.log.With().Str("peer", p.String()).Int("piece", index).Logger()
	)

	c.release(p)

	if !c.torrent.VerifyPiece(index, piece) {
		logger.Warn().Msg("piece failed verification")
		return
	}

	if err := c.store.PutPiece(index, piece); err != nil {
		logger.Error().Err(err).Msg("failed to write piece")
		return
	}

	stored, err := c.store.GetPiece(index)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read back piece")
		return
	}

	if !c.torrent.VerifyPiece(index, stored) {
		logger.Warn().Msg("stored piece failed verification")
		c.store.Invalidate(index)
		return
	}

	c.bfMu.Lock()
	c.pieces.Set(index)
	c.bfMu.Unlock()

	have := peer.NewHave(uint32(index))
	for _, other := range c.snapshot() {
		if other.State() == conn.HandshakeAccepted {
			other.Send(have)
		}
	}

	logger.Debug().Dur("elapsed", time.Since(m.Started())).Msg("piece verified")

	if c.Complete() {
		c.finish()
	}
}

func (c *Coordinator) finish() {
	for _, p := range c.snapshot() {
		c.release(p)

		if p.AmInterested() {
			p.Send(peer.Message{Kind: peer.NotInterested})
		}
	}

	c.doneOnce.Do(func() {
		close(c.done)
		c.log.Info().Msg("download complete, seeding")
	})
}

// Done returns a channel that is closed once every piece
// has been verified
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) Complete() bool {
	c.bfMu.Lock()
	defer c.bfMu.Unlock()

	return c.pieces.Full(c.torrent.NumPieces())
}

func (c *Coordinator) HasPiece(index int) bool {
	c.bfMu.Lock()
	defer c.bfMu.Unlock()

	return c.pieces.Get(index)
}

// Bitfield returns a copy of the local bitfield
func (c *Coordinator) Bitfield() bits.BitField {
	c.bfMu.Lock()
	defer c.bfMu.Unlock()

	return c.pieces.Clone()
}

func (c *Coordinator) Torrent() *btorrent.Torrent {
	return c.torrent
}
