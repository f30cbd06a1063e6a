package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/namvu9/bitswarm/internal/swarm"
)

type Stat struct {
	ListenAddr  string        `json:"listenAddr"`
	StartedAt   time.Time     `json:"startedAt"`
	Uptime      time.Duration `json:"uptime"`
	Connections int           `json:"connections"`
	Torrents    []swarm.Stat  `json:"torrents"`
}

func (s Stat) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Listening on %s\n", s.ListenAddr)
	fmt.Fprintf(&sb, "Uptime: %s\n", s.Uptime.Round(time.Second))
	fmt.Fprintf(&sb, "Connections: %d\n", s.Connections)

	for _, t := range s.Torrents {
		fmt.Fprint(&sb, "\n")
		fmt.Fprint(&sb, t)
	}

	return sb.String()
}

func (s *Session) Stat() Stat {
	s.mu.RLock()
	var (
		startedAt = s.startedAt
		addr      string
	)
	if s.addr != nil {
		addr = s.addr.String()
	}
	s.mu.RUnlock()

	stat := Stat{
		ListenAddr:  addr,
		StartedAt:   startedAt,
		Connections: s.conns.Open(),
		Torrents:    []swarm.Stat{},
	}

	if !startedAt.IsZero() {
		stat.Uptime = time.Since(startedAt)
	}

	for _, c := range s.coordinators() {
		stat.Torrents = append(stat.Torrents, c.Stat())
	}

	return stat
}
