// Package token reads session tokens issued by the external authentication
// service and validates them.
package token

import (
	"net/http"
	"strings"

	C "github.com/sagernet/devgate/constant"
)

type Source uint8

const (
	SourceNone Source = iota
	SourceQuery
	SourceCookie
	SourceBearer
)

func (s Source) String() string {
	switch s {
	case SourceQuery:
		return "query"
	case SourceCookie:
		return "cookie"
	case SourceBearer:
		return "bearer"
	default:
		return "none"
	}
}

// Extract looks for the token in the query, then in the named cookie, then
// in a bearer Authorization header. Browsers cannot attach headers to
// WebSocket handshakes, so the query comes first.
func Extract(request *http.Request, cookieName string) (string, Source) {
	if value := request.URL.Query().Get(C.TokenQueryKey); value != "" {
		return value, SourceQuery
	}
	if cookieName == "" {
		cookieName = C.DefaultCookieName
	}
	if cookie, err := request.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value, SourceCookie
	}
	authorization := request.Header.Get("Authorization")
	if len(authorization) > 7 && strings.EqualFold(authorization[:7], "Bearer ") {
		if value := strings.TrimSpace(authorization[7:]); value != "" {
			return value, SourceBearer
		}
	}
	return "", SourceNone
}
