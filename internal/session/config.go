package session

import (
	"time"

	"github.com/namvu9/bitswarm/pkg/btorrent/size"
)

// Config holds the settings of a session
type Config struct {
	// Address to accept peer connections on
	ListenAddr string

	// Peers to connect to for every registered torrent
	Peers []string

	// Directory the content of every torrent is stored under
	DownloadDir string

	// Maximum number of open peer connections, inbound and
	// outbound combined
	MaxConnections int

	// Upload limit in bytes per second across all peers. Zero
	// means unlimited.
	UploadLimit size.Size

	// Forward the listening port on the gateway via UPnP
	UPnP bool

	// How long an inbound connection has to send its
	// handshake
	HandshakeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":6881",
		DownloadDir:      ".",
		MaxConnections:   50,
		HandshakeTimeout: 10 * time.Second,
	}
}
