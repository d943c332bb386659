package option

import (
	"bytes"
	"strings"

	C "github.com/sagernet/devgate/constant"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"
)

type _Options struct {
	RawMessage  json.RawMessage     `json:"-"`
	Schema      string              `json:"$schema,omitempty"`
	Log         *LogOptions         `json:"log,omitempty"`
	Inbound     InboundOptions      `json:"inbound"`
	Tunnel      *TunnelOptions      `json:"tunnel,omitempty"`
	Auth        *AuthOptions        `json:"auth,omitempty"`
	Diagnostics *DiagnosticsOptions `json:"diagnostics,omitempty"`
	Targets     []TargetOptions     `json:"targets,omitempty"`
}

type Options _Options

func (o *Options) UnmarshalJSON(content []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(content))
	decoder.DisallowUnknownFields()
	err := decoder.Decode((*_Options)(o))
	if err != nil {
		return err
	}
	o.RawMessage = content
	return checkOptions(o)
}

type LogOptions struct {
	Disabled     bool   `json:"disabled,omitempty"`
	Level        string `json:"level,omitempty"`
	Output       string `json:"output,omitempty"`
	Timestamp    bool   `json:"timestamp,omitempty"`
	DisableColor bool   `json:"-"`
}

func checkOptions(options *Options) error {
	err := checkTargets(options.Targets)
	if err != nil {
		return err
	}
	if options.Tunnel != nil {
		switch options.Tunnel.Mode {
		case "", C.TunnelModeNameAuto, C.TunnelModeNameDirect, C.TunnelModeNameTunneled:
		default:
			return E.New("unknown tunnel mode: ", options.Tunnel.Mode)
		}
	}
	return nil
}

func checkTargets(targets []TargetOptions) error {
	seenID := make(map[string]bool)
	seenPrefix := make(map[string]string)
	for index, target := range targets {
		if target.ID == "" {
			return E.New("missing id for target[", index, "]")
		}
		if strings.ContainsAny(target.ID, "/?#") {
			return E.New("invalid target id: ", target.ID)
		}
		if seenID[target.ID] {
			return E.New("duplicate target id: ", target.ID)
		}
		seenID[target.ID] = true
		if target.Host == "" {
			return E.New("missing host for target ", target.ID)
		}
		if target.Port == 0 {
			return E.New("missing port for target ", target.ID)
		}
		prefix := target.MountPrefixOrDefault()
		if !strings.HasPrefix(prefix, "/") {
			return E.New("mount prefix of target ", target.ID, " must start with /")
		}
		if other, loaded := seenPrefix[prefix]; loaded {
			return E.New("target ", target.ID, " mounts at ", prefix, ", already used by ", other)
		}
		seenPrefix[prefix] = target.ID
	}
	return nil
}
