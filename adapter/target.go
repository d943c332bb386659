package adapter

import (
	M "github.com/sagernet/sing/common/metadata"
)

// Target describes one backend behind a mount prefix. Values are built once
// at startup and shared read-only by every session.
type Target struct {
	ID             string
	Host           string
	Port           uint16
	Scheme         string
	MountPrefix    string
	RewriteEnabled bool
	WebSocket      bool
	MissingAssets  []string
}

func (t *Target) Destination() M.Socksaddr {
	return M.ParseSocksaddrHostPort(t.Host, t.Port)
}

func (t *Target) Origin() string {
	return t.Scheme + "://" + t.Destination().String()
}

func (t *Target) IsMissingAsset(path string) bool {
	for _, asset := range t.MissingAssets {
		if asset == path {
			return true
		}
	}
	return false
}
