package swarm

import (
	"sort"

	"github.com/namvu9/bitswarm/internal/conn"
	"github.com/namvu9/bitswarm/pkg/btorrent/peer"
)

type candidate struct {
	rate       float64
	interested bool
}

// rankUnchoked reports, for each candidate, whether it
// should be unchoked. The slots fastest interested
// candidates are unchoked along with every candidate that
// is not interested.
func rankUnchoked(candidates []candidate, slots int) []bool {
	var (
		out        = make([]bool, len(candidates))
		interested []int
	)

	for i, c := range candidates {
		if !c.interested {
			out[i] = true
			continue
		}

		interested = append(interested, i)
	}

	sort.SliceStable(interested, func(a, b int) bool {
		return candidates[interested[a]].rate > candidates[interested[b]].rate
	})

	for rank, i := range interested {
		if rank >= slots {
			break
		}

		out[i] = true
	}

	return out
}

// choke ranks peers by the rate at which they send to us
// while we are downloading, and by the rate at which we send
// to them once we have every piece
func (c *Coordinator) choke() {
	var (
		seeding    = c.Complete()
		peers      []*swarmPeer
		candidates []candidate
	)

	for _, p := range c.snapshot() {
		if p.State() != conn.HandshakeAccepted {
			continue
		}

		rate := p.DownloadRate()
		if seeding {
			rate = p.UploadRate()
		}

		peers = append(peers, p)
		candidates = append(candidates, candidate{
			rate:       rate,
			interested: p.Interested(),
		})
	}

	for i, unchoke := range rankUnchoked(candidates, c.uploadSlots) {
		p := peers[i]

		switch {
		case unchoke && p.AmChoking():
			p.Send(peer.Message{Kind: peer.Unchoke})
		case !unchoke && !p.AmChoking():
			p.Send(peer.Message{Kind: peer.Choke})
		}
	}
}
