package adapter

import (
	C "github.com/sagernet/devgate/constant"
	N "github.com/sagernet/sing/common/network"
)

// Connector opens backend byte streams. Callers never learn whether the
// stream is direct or goes through the SOCKS5 tunnel.
type Connector interface {
	N.Dialer
	Mode() C.TunnelMode
}
