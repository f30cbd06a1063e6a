package conn

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/namvu9/bitswarm/internal/errors"
	"github.com/namvu9/bitswarm/pkg/btorrent/peer"
)

var ErrMaxConns = errors.New("exceeded max conns")

// AcceptFunc is called with every connection the service
// accepts. It owns the connection from then on.
type AcceptFunc func(net.Conn)

// Service opens and accepts connections, bounded by a
// maximum number of open connections. A connection releases
// its slot when it is closed.
type Service struct {
	accept      AcceptFunc
	slots       chan struct{}
	dialTimeout time.Duration
}

func NewService(maxConns int, accept AcceptFunc) *Service {
	if maxConns < 1 {
		maxConns = 1
	}

	return &Service{
		accept:      accept,
		slots:       make(chan struct{}, maxConns),
		dialTimeout: 5 * time.Second,
	}
}

func (cs *Service) acquire() error {
	select {
	case cs.slots <- struct{}{}:
		return nil
	default:
		return ErrMaxConns
	}
}

func (cs *Service) release() {
	<-cs.slots
}

// Open returns the number of open connections
func (cs *Service) Open() int {
	return len(cs.slots)
}

// Dial connects to addr. The connection counts towards the
// service's limit until it is closed.
func (cs *Service) Dial(ctx context.Context, addr string) (net.Conn, error) {
	var op errors.Op = "conn.Service.Dial"

	if err := cs.acquire(); err != nil {
		return nil, errors.Wrap(err, op, errors.Network)
	}

	d := net.Dialer{Timeout: cs.dialTimeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		cs.release()
		return nil, errors.Wrap(err, op, errors.Network)
	}

	return cs.track(c), nil
}

// Listen accepts connections on addr until ctx is done and
// hands them to the service's AcceptFunc. Connections over
// the limit are closed. It returns the address the listener
// is bound to.
func (cs *Service) Listen(ctx context.Context, addr string) (net.Addr, error) {
	var op errors.Op = "conn.Service.Listen"

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.Network)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	go func() {
		for {
			c, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}

				log.Debug().Err(err).Msg("accept failed")
				continue
			}

			if err := cs.acquire(); err != nil {
				log.Debug().Err(err).Str("peer", c.RemoteAddr().String()).Msg("rejecting connection")
				c.Close()
				continue
			}

			go cs.accept(cs.track(c))
		}
	}()

	return listener.Addr(), nil
}

func (cs *Service) track(c net.Conn) net.Conn {
	return &trackedConn{
		Conn:    c,
		release: cs.release,
	}
}

// trackedConn releases its slot exactly once when closed
type trackedConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)

	return err
}

// PeekHandshake reads the remote peer's handshake from c and
// returns it along with a connection that yields the
// handshake bytes again before the rest of the stream.
func PeekHandshake(c net.Conn, timeout time.Duration) (peer.Handshake, net.Conn, error) {
	var op errors.Op = "conn.PeekHandshake"

	buf := make([]byte, peer.HandshakeLength)

	c.SetReadDeadline(time.Now().Add(timeout))
	_, err := io.ReadFull(c, buf)
	c.SetReadDeadline(time.Time{})

	if err != nil {
		return peer.Handshake{}, nil, errors.Wrap(err, op, errors.Network)
	}

	hs, err := peer.UnmarshalHandshake(buf)
	if err != nil {
		return peer.Handshake{}, nil, errors.Wrap(err, op)
	}

	return hs, &replayConn{Conn: c, r: io.MultiReader(bytes.NewReader(buf), c)}, nil
}

type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
