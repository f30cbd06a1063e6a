package session_test

import (
	"context"
	"encoding/json"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namvu9/bitswarm/internal/session"
	"github.com/namvu9/bitswarm/internal/swarm"
	"github.com/namvu9/bitswarm/pkg/btorrent"
	"github.com/namvu9/bitswarm/pkg/btorrent/peer"
)

var fast = []swarm.Option{
	swarm.WithSelectionInterval(5 * time.Millisecond),
	swarm.WithChokeInterval(20 * time.Millisecond),
}

func setup(t *testing.T) (afero.Fs, *btorrent.Torrent, []byte) {
	t.Helper()

	content := make([]byte, 3*16384+512)
	rand.New(rand.NewSource(1)).Read(content)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/orig/movie.mkv", content, 0644))
	require.NoError(t, afero.WriteFile(fs, "/seed/movie.mkv", content, 0644))

	torrent, err := btorrent.Create(fs, "/orig/movie.mkv", 16384)
	require.NoError(t, err)

	return fs, torrent, content
}

func newSession(t *testing.T, fs afero.Fs, dir string, peers ...string) *session.Session {
	t.Helper()

	cfg := session.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DownloadDir = dir
	cfg.Peers = peers

	return session.New(cfg, fs, fast...)
}

func startSeed(t *testing.T) (context.Context, *session.Session, *btorrent.Torrent, afero.Fs, []byte) {
	t.Helper()

	fs, torrent, content := setup(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	seed := newSession(t, fs, "/seed")
	c, err := seed.Register(torrent)
	require.NoError(t, err)
	require.True(t, c.Complete())

	require.NoError(t, seed.Start(ctx))

	return ctx, seed, torrent, fs, content
}

func TestSessionTransfer(t *testing.T) {
	ctx, seed, torrent, fs, content := startSeed(t)

	leech := newSession(t, fs, "/leech", seed.Addr().String())
	c, err := leech.Register(torrent)
	require.NoError(t, err)
	require.False(t, c.Complete())

	require.NoError(t, leech.Start(ctx))

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatalf("download did not complete: %s", leech.Stat())
	}

	got, err := afero.ReadFile(fs, "/leech/movie.mkv")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	stat := leech.Stat()
	require.Len(t, stat.Torrents, 1)
	assert.True(t, stat.Torrents[0].Complete)
	assert.Equal(t, 1, stat.Connections)
}

func TestRegisterTwice(t *testing.T) {
	fs, torrent, _ := setup(t)
	s := newSession(t, fs, "/seed")

	first, err := s.Register(torrent)
	require.NoError(t, err)

	second, err := s.Register(torrent)
	require.NoError(t, err)

	assert.Same(t, first, second)
}

func TestRegisterWhileRunning(t *testing.T) {
	ctx, seed, torrent, fs, _ := startSeed(t)

	leech := newSession(t, fs, "/leech", seed.Addr().String())
	require.NoError(t, leech.Start(ctx))

	c, err := leech.Register(torrent)
	require.NoError(t, err)

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("download did not complete")
	}
}

func TestStartTwice(t *testing.T) {
	ctx, seed, _, _, _ := startSeed(t)

	assert.ErrorIs(t, seed.Start(ctx), session.ErrStarted)
}

func TestUnknownInfoHash(t *testing.T) {
	_, seed, _, _, _ := startSeed(t)

	c, err := net.Dial("tcp", seed.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write(peer.Handshake{InfoHash: [20]byte{0xde, 0xad}, PeerID: peer.GenerateID()}.Bytes())
	require.NoError(t, err)

	c.SetReadDeadline(time.Now().Add(time.Second))
	n, err := c.Read(make([]byte, peer.HandshakeLength))
	assert.Equal(t, 0, n)
	assert.Error(t, err)

	assert.Eventually(t, func() bool {
		return seed.Stat().Connections == 0
	}, time.Second, 10*time.Millisecond)
}

func TestStop(t *testing.T) {
	fs, torrent, _ := setup(t)
	s := newSession(t, fs, "/seed")

	_, err := s.Register(torrent)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not stop")
	}
}

func TestAPI(t *testing.T) {
	_, seed, torrent, _, _ := startSeed(t)

	server := httptest.NewServer(seed.Handler())
	defer server.Close()

	get := func(path string, v interface{}) int {
		t.Helper()

		res, err := http.Get(server.URL + path)
		require.NoError(t, err)
		defer res.Body.Close()

		if v != nil && res.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(res.Body).Decode(v))
			assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
		}

		return res.StatusCode
	}

	var torrents []swarm.Stat
	assert.Equal(t, http.StatusOK, get("/api/torrents", &torrents))
	require.Len(t, torrents, 1)
	assert.Equal(t, "movie.mkv", torrents[0].Name)
	assert.Equal(t, torrent.HexHash(), torrents[0].InfoHash)
	assert.Equal(t, torrent.NumPieces(), torrents[0].Pieces)
	assert.True(t, torrents[0].Complete)

	var one swarm.Stat
	assert.Equal(t, http.StatusOK, get("/api/torrents/"+torrent.HexHash(), &one))
	assert.Equal(t, torrents[0].InfoHash, one.InfoHash)
	assert.Equal(t, torrent.Length(), one.Length)

	var stat session.Stat
	assert.Equal(t, http.StatusOK, get("/api/stat", &stat))
	assert.Equal(t, seed.Addr().String(), stat.ListenAddr)
	assert.Len(t, stat.Torrents, 1)

	assert.Equal(t, http.StatusNotFound, get("/api/torrents/0000", nil))
	assert.Equal(t, http.StatusNotFound, get("/api/torrents/"+strings.Repeat("ff", 20), nil))
}
