package option

import (
	"strings"

	C "github.com/sagernet/devgate/constant"
	"github.com/sagernet/sing/common/json/badoption"
)

type TargetOptions struct {
	ID                    string                     `json:"id"`
	Host                  string                     `json:"host"`
	Port                  uint16                     `json:"port"`
	MountPrefix           string                     `json:"mount_prefix,omitempty"`
	WebSocket             bool                       `json:"websocket,omitempty"`
	MissingAssets         badoption.Listable[string] `json:"missing_assets,omitempty"`
	ResponseHeaderTimeout badoption.Duration         `json:"response_header_timeout,omitempty"`
	Rewrite               *RewriteOptions            `json:"rewrite,omitempty"`
}

func (o TargetOptions) MountPrefixOrDefault() string {
	if o.MountPrefix == "" {
		return C.MountRoot + o.ID
	}
	return strings.TrimSuffix(o.MountPrefix, "/")
}

type RewriteOptions struct {
	Paths        badoption.Listable[string] `json:"paths,omitempty"`
	Rules        []RewriteRuleOptions       `json:"rules,omitempty"`
	ContentTypes badoption.Listable[string] `json:"content_types,omitempty"`
	MaxSize      int64                      `json:"max_size,omitempty"`
}

type RewriteRuleOptions struct {
	Match   string `json:"match"`
	Replace string `json:"replace"`
	Regexp  bool   `json:"regexp,omitempty"`
}
