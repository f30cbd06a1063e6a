package peer

import (
	"crypto/rand"
	"fmt"
)

// ClientTag identifies this client in the peer ids it
// generates
const ClientTag = "-BS0100-"

// GenerateID returns a new Azureus-style peer id: the
// client tag followed by 12 random bytes
func GenerateID() [20]byte {
	var id [20]byte

	copy(id[:], ClientTag)
	rand.Read(id[len(ClientTag):])

	return id
}

// ClientName returns a human readable name for the client
// that generated peer id id, or "Unknown"
func ClientName(id [20]byte) string {
	if id[0] == 'M' {
		return fmt.Sprintf("Mainline %s", trimVersion(id[1:8]))
	}

	if id[0] != '-' || id[7] != '-' {
		return "Unknown"
	}

	name, ok := dashID[string(id[1:3])]
	if !ok {
		return "Unknown"
	}

	version := id[3:7]
	return fmt.Sprintf("%s %c.%c.%c", name, version[0], version[1], version[2])
}

func trimVersion(v []byte) string {
	for i, b := range v {
		if b == '-' && i > 0 && v[i-1] == '-' {
			return string(v[:i-1])
		}
	}

	return string(v)
}

var dashID = map[string]string{
	"AZ": "Azureus",
	"BC": "BitComet",
	"BS": "bitswarm",
	"DE": "Deluge",
	"KT": "KTorrent",
	"LT": "libtorrent",
	"lt": "libTorrent",
	"MO": "MonoTorrent",
	"qB": "qBittorrent",
	"TR": "Transmission",
	"UT": "µTorrent",
	"UW": "µTorrent Web",
	"WW": "WebTorrent",
}
