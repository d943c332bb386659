package option

import "github.com/sagernet/sing/common/json/badoption"

type AuthOptions struct {
	CookieName    string                     `json:"cookie_name,omitempty"`
	Tokens        badoption.Listable[string] `json:"tokens,omitempty"`
	VerifyURL     string                     `json:"verify_url,omitempty"`
	VerifyTimeout badoption.Duration         `json:"verify_timeout,omitempty"`
}
