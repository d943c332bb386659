package constant

import E "github.com/sagernet/sing/common/exceptions"

type TunnelMode uint8

const (
	TunnelModeDirect TunnelMode = iota
	TunnelModeTunneled
)

const (
	TunnelModeNameAuto     = "auto"
	TunnelModeNameDirect   = "direct"
	TunnelModeNameTunneled = "tunneled"
)

func (m TunnelMode) String() string {
	switch m {
	case TunnelModeDirect:
		return TunnelModeNameDirect
	case TunnelModeTunneled:
		return TunnelModeNameTunneled
	default:
		return "unknown"
	}
}

func ParseTunnelMode(name string) (TunnelMode, error) {
	switch name {
	case TunnelModeNameDirect:
		return TunnelModeDirect, nil
	case TunnelModeNameTunneled:
		return TunnelModeTunneled, nil
	default:
		return TunnelModeDirect, E.New("unknown tunnel mode: ", name)
	}
}

const (
	// DefaultSocksServer is where tailscaled --socks5-server listens in userspace-networking mode.
	DefaultSocksServer    = "localhost:1055"
	TunnelModeOverrideEnv = "DEVGATE_TUNNEL_MODE"
)

// DefaultTunnelSignals name the variables a public hosting platform sets on the front door.
var DefaultTunnelSignals = []string{"RENDER_SERVICE_ID"}
