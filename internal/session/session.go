package session

import (
	"context"
	"encoding/hex"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/exp/maps"
	"golang.org/x/time/rate"

	"github.com/namvu9/bitswarm/internal/conn"
	"github.com/namvu9/bitswarm/internal/data"
	"github.com/namvu9/bitswarm/internal/errors"
	"github.com/namvu9/bitswarm/internal/ports"
	"github.com/namvu9/bitswarm/internal/swarm"
	"github.com/namvu9/bitswarm/pkg/btorrent"
)

var (
	ErrStarted         = errors.New("session already started")
	ErrUnknownInfoHash = errors.New("unknown info hash")
)

type entry struct {
	torrent     *btorrent.Torrent
	store       *data.FileStore
	coordinator *swarm.Coordinator
}

// Session is a running instance of the client. It accepts
// peer connections for every registered torrent, routes
// them to the torrent's coordinator by info hash and
// connects to the configured peers.
type Session struct {
	cfg  Config
	fs   afero.Fs
	opts []swarm.Option

	conns   *conn.Service
	ports   ports.Service
	limiter *rate.Limiter

	mu        sync.RWMutex
	torrents  map[[20]byte]*entry
	ctx       context.Context
	addr      net.Addr
	startedAt time.Time

	wg   sync.WaitGroup
	done chan struct{}
}

// New returns a session that stores content on fs. Options
// are applied to the coordinator of every registered
// torrent.
func New(cfg Config, fs afero.Fs, opts ...swarm.Option) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}

	s := &Session{
		cfg:      cfg,
		fs:       fs,
		opts:     opts,
		ports:    ports.NewService(),
		limiter:  conn.NewLimiter(int(cfg.UploadLimit)),
		torrents: make(map[[20]byte]*entry),
		done:     make(chan struct{}),
	}

	s.conns = conn.NewService(cfg.MaxConnections, s.accept)
	return s
}

// Register opens or creates the content of t under the
// download directory and sets up a coordinator for it. If
// the session is running the coordinator is started
// immediately.
func (s *Session) Register(t *btorrent.Torrent) (*swarm.Coordinator, error) {
	var op errors.Op = "session.Register"

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.torrents[t.InfoHash()]; ok {
		return e.coordinator, nil
	}

	store, err := data.NewFileStore(s.fs, s.cfg.DownloadDir, t)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	have, err := store.Verify()
	if err != nil {
		store.Close()
		return nil, errors.Wrap(err, op)
	}

	var opts []swarm.Option
	opts = append(opts, s.opts...)
	if s.limiter != nil {
		opts = append(opts, swarm.WithSessionOptions(conn.WithLimiter(s.limiter)))
	}

	e := &entry{
		torrent:     t,
		store:       store,
		coordinator: swarm.New(t, store, have, opts...),
	}
	s.torrents[t.InfoHash()] = e

	log.Info().
		Str("torrent", t.Name()).
		Str("hash", t.HexHash()).
		Int("have", have.GetSum()).
		Int("pieces", t.NumPieces()).
		Msg("registered torrent")

	if s.ctx != nil {
		s.run(s.ctx, e)
	}

	return e.coordinator, nil
}

// Start listens for peer connections, starts the
// coordinator of every registered torrent and connects to
// the configured peers. The session stops when ctx is done.
func (s *Session) Start(ctx context.Context) error {
	var op errors.Op = "session.Start"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return errors.Wrap(ErrStarted, op)
	}

	addr, err := s.conns.Listen(ctx, s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, op)
	}

	s.ctx = ctx
	s.addr = addr
	s.startedAt = time.Now()

	log.Info().Str("addr", addr.String()).Msg("listening for peers")

	if s.cfg.UPnP {
		s.forward(ctx, addr)
	}

	for _, e := range s.torrents {
		s.run(ctx, e)
	}

	go func() {
		<-ctx.Done()
		s.wg.Wait()

		s.mu.RLock()
		for _, e := range s.torrents {
			e.store.Close()
		}
		s.mu.RUnlock()

		close(s.done)
	}()

	return nil
}

func (s *Session) forward(ctx context.Context, addr net.Addr) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return
	}

	port := uint16(tcp.Port)
	fctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.ports.Forward(fctx, port); err != nil {
		log.Warn().Err(err).Uint16("port", port).Msg("port forwarding failed")
		return
	}

	log.Info().Uint16("port", port).Msg("forwarded port")

	go func() {
		<-ctx.Done()
		s.ports.Clear(port)
	}()
}

// run starts the coordinator of e and connects it to the
// configured peers
func (s *Session) run(ctx context.Context, e *entry) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		e.coordinator.Run(ctx)
	}()

	for _, addr := range s.cfg.Peers {
		go s.dial(ctx, e, addr)
	}
}

func (s *Session) dial(ctx context.Context, e *entry, addr string) {
	logger := log.With().Str("peer", addr).Str("torrent", e.torrent.Name()).Logger()

	c, err := s.conns.Dial(ctx, addr)
	if err != nil {
		logger.Warn().Err(err).Msg("could not connect to peer")
		return
	}

	if err := e.coordinator.Add(ctx, c); err != nil {
		logger.Debug().Err(err).Msg("could not add peer")
	}
}

// accept routes an inbound connection to the coordinator
// of the torrent named in its handshake
func (s *Session) accept(c net.Conn) {
	logger := log.With().Str("peer", c.RemoteAddr().String()).Logger()

	hs, replay, err := conn.PeekHandshake(c, s.cfg.HandshakeTimeout)
	if err != nil {
		logger.Debug().Err(err).Msg("invalid handshake")
		c.Close()
		return
	}
	c = replay

	s.mu.RLock()
	e, ok := s.torrents[hs.InfoHash]
	ctx := s.ctx
	s.mu.RUnlock()

	if !ok {
		logger.Debug().Err(ErrUnknownInfoHash).Str("hash", hex.EncodeToString(hs.InfoHash[:])).Msg("rejecting connection")
		c.Close()
		return
	}

	if err := e.coordinator.Add(ctx, c); err != nil {
		logger.Debug().Err(err).Msg("could not add peer")
	}
}

// Addr returns the address the session listens on, or nil
// if it has not been started
func (s *Session) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.addr
}

// Done returns a channel that is closed once the session has
// stopped and released its files
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Coordinator returns the coordinator of the torrent with
// the given hex-encoded info hash
func (s *Session) Coordinator(hexHash string) (*swarm.Coordinator, bool) {
	raw, err := hex.DecodeString(hexHash)
	if err != nil || len(raw) != 20 {
		return nil, false
	}

	var hash [20]byte
	copy(hash[:], raw)

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.torrents[hash]
	if !ok {
		return nil, false
	}

	return e.coordinator, true
}

func (s *Session) coordinators() []*swarm.Coordinator {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*swarm.Coordinator
	for _, e := range maps.Values(s.torrents) {
		out = append(out, e.coordinator)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Torrent().Name() < out[j].Torrent().Name()
	})

	return out
}
