package option

import "github.com/sagernet/sing/common/json/badoption"

type TunnelOptions struct {
	Mode             string                     `json:"mode,omitempty"`
	Server           string                     `json:"server,omitempty"`
	Signals          badoption.Listable[string] `json:"signals,omitempty"`
	DialTimeout      badoption.Duration         `json:"dial_timeout,omitempty"`
	HandshakeTimeout badoption.Duration         `json:"handshake_timeout,omitempty"`
}
