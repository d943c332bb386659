// Package environment decides once per process whether backends are reached
// directly or through the overlay network's SOCKS5 tunnel.
//
// The decision is a pure function of the process environment. When the
// signal is ambiguous (a signal variable set to an empty value, or an
// unrecognized override) the resolver falls back to direct mode and reports
// Ambiguous so the caller can warn about it.
package environment

import (
	"os"
	"strings"
	"sync"

	C "github.com/sagernet/devgate/constant"
)

type Resolution struct {
	Mode      C.TunnelMode
	Reason    string
	Ambiguous bool
}

type LookupFunc func(key string) (string, bool)

type Resolver struct {
	configured string
	signals    []string
	lookup     LookupFunc
	once       sync.Once
	resolution Resolution
}

func NewResolver(configured string, signals []string, lookup LookupFunc) *Resolver {
	if len(signals) == 0 {
		signals = C.DefaultTunnelSignals
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &Resolver{
		configured: configured,
		signals:    signals,
		lookup:     lookup,
	}
}

func (r *Resolver) Resolve() Resolution {
	r.once.Do(func() {
		r.resolution = r.probe()
	})
	return r.resolution
}

func (r *Resolver) probe() Resolution {
	switch r.configured {
	case C.TunnelModeNameDirect:
		return Resolution{Mode: C.TunnelModeDirect, Reason: "set by configuration"}
	case C.TunnelModeNameTunneled:
		return Resolution{Mode: C.TunnelModeTunneled, Reason: "set by configuration"}
	}
	if value, loaded := r.lookup(C.TunnelModeOverrideEnv); loaded {
		mode, err := C.ParseTunnelMode(strings.ToLower(strings.TrimSpace(value)))
		if err != nil {
			return ambiguous("unrecognized " + C.TunnelModeOverrideEnv + "=" + value)
		}
		return Resolution{Mode: mode, Reason: "set by " + C.TunnelModeOverrideEnv}
	}
	var emptySignals []string
	for _, signal := range r.signals {
		value, loaded := r.lookup(signal)
		if !loaded {
			continue
		}
		if strings.TrimSpace(value) == "" {
			emptySignals = append(emptySignals, signal)
			continue
		}
		return Resolution{Mode: C.TunnelModeTunneled, Reason: "platform signal " + signal + " present"}
	}
	if len(emptySignals) > 0 {
		return ambiguous("platform signal " + strings.Join(emptySignals, ", ") + " set but empty")
	}
	return Resolution{Mode: C.TunnelModeDirect, Reason: "no platform signal present"}
}

func ambiguous(reason string) Resolution {
	return Resolution{
		Mode:      C.TunnelModeDirect,
		Reason:    reason + ", falling back to direct",
		Ambiguous: true,
	}
}
