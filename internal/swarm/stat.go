package swarm

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/namvu9/bitswarm/internal/conn"
	"github.com/namvu9/bitswarm/pkg/btorrent/peer"
	"github.com/namvu9/bitswarm/pkg/btorrent/size"
)

const topPeers = 5

type PeerStat struct {
	Addr         string    `json:"addr"`
	Client       string    `json:"client"`
	DownloadRate float64   `json:"downloadRate"`
	UploadRate   float64   `json:"uploadRate"`
	Downloaded   size.Size `json:"downloaded"`
	Uploaded     size.Size `json:"uploaded"`
	Choking      bool      `json:"choking"`
	Interested   bool      `json:"interested"`

	// Index of the piece being fetched from the peer, or -1
	Piece    int     `json:"piece"`
	Progress float64 `json:"progress"`
}

type Stat struct {
	Name        string    `json:"name"`
	InfoHash    string    `json:"infoHash"`
	Length      size.Size `json:"length"`
	Pieces      int       `json:"pieces"`
	TotalPieces int       `json:"totalPieces"`
	Complete    bool      `json:"complete"`
	Pending     int       `json:"pending"`

	Peers int `json:"peers"`
	// Peers choking us
	Choked int `json:"choked"`
	// Peers we choke
	Choking int `json:"choking"`
	// Peers interested in our pieces
	Interested int `json:"interested"`
	// Peers we are interested in
	Interesting int `json:"interesting"`

	Downloaded   size.Size `json:"downloaded"`
	Uploaded     size.Size `json:"uploaded"`
	DownloadRate float64   `json:"downloadRate"`
	UploadRate   float64   `json:"uploadRate"`

	TopPeers []PeerStat `json:"topPeers"`
}

func (s Stat) String() string {
	var sb strings.Builder

	percentage := 100.0
	if s.TotalPieces > 0 {
		percentage = float64(s.Pieces) / float64(s.TotalPieces) * 100
	}

	fmt.Fprintln(&sb, s.Name)
	fmt.Fprintln(&sb, s.InfoHash)
	fmt.Fprintf(&sb, "Pieces: %d / %d (%.2f %%)\n", s.Pieces, s.TotalPieces, percentage)
	fmt.Fprintf(&sb, "Pending pieces: %d\n", s.Pending)
	fmt.Fprintf(&sb, "Downloaded: %s (%s / s)\n", s.Downloaded, size.Size(s.DownloadRate))
	fmt.Fprintf(&sb, "Uploaded: %s (%s / s)\n", s.Uploaded, size.Size(s.UploadRate))
	fmt.Fprintf(&sb, "Peers: %d\n", s.Peers)
	fmt.Fprintf(&sb, "Choked: %d\n", s.Choked)
	fmt.Fprintf(&sb, "Choking: %d\n", s.Choking)
	fmt.Fprintf(&sb, "Interested: %d\n", s.Interested)
	fmt.Fprintf(&sb, "Interesting: %d\n", s.Interesting)

	for _, p := range s.TopPeers {
		fmt.Fprintf(&sb, "%s (%s) down %s / s up %s / s\n", p.Addr, p.Client, size.Size(p.DownloadRate), size.Size(p.UploadRate))
	}

	return sb.String()
}

// Stat returns a snapshot of the swarm. It is safe to call
// from any goroutine.
func (c *Coordinator) Stat() Stat {
	hash := c.torrent.InfoHash()
	have := c.Bitfield()

	stat := Stat{
		Name:        c.torrent.Name(),
		InfoHash:    hex.EncodeToString(hash[:]),
		Length:      c.torrent.Length(),
		Pieces:      have.GetSum(),
		TotalPieces: c.torrent.NumPieces(),
		Complete:    have.Full(c.torrent.NumPieces()),
		Downloaded:  size.Size(atomic.LoadInt64(&c.downloaded)),
		Uploaded:    size.Size(atomic.LoadInt64(&c.uploaded)),
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var peers []PeerStat
	for _, p := range c.peers {
		stat.Downloaded += size.Size(p.Downloaded())
		stat.Uploaded += size.Size(p.Uploaded())

		if p.State() != conn.HandshakeAccepted {
			continue
		}

		ps := PeerStat{
			Addr:         p.String(),
			Client:       peer.ClientName(p.PeerID()),
			DownloadRate: p.DownloadRate(),
			UploadRate:   p.UploadRate(),
			Downloaded:   size.Size(p.Downloaded()),
			Uploaded:     size.Size(p.Uploaded()),
			Choking:      p.Choking(),
			Interested:   p.Interested(),
			Piece:        -1,
		}

		if p.manager != nil {
			ps.Piece = p.manager.Index()
			ps.Progress = p.manager.Progress()
			stat.Pending++
		}

		stat.Peers++
		stat.DownloadRate += ps.DownloadRate
		stat.UploadRate += ps.UploadRate

		if ps.Choking {
			stat.Choked++
		}
		if p.AmChoking() {
			stat.Choking++
		}
		if ps.Interested {
			stat.Interested++
		}
		if p.AmInterested() {
			stat.Interesting++
		}

		peers = append(peers, ps)
	}

	sort.SliceStable(peers, func(i, j int) bool {
		if peers[i].DownloadRate != peers[j].DownloadRate {
			return peers[i].DownloadRate > peers[j].DownloadRate
		}

		return peers[i].UploadRate > peers[j].UploadRate
	})

	if len(peers) > topPeers {
		peers = peers[:topPeers]
	}
	stat.TopPeers = peers

	return stat
}
