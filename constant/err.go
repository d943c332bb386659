package constant

import E "github.com/sagernet/sing/common/exceptions"

var (
	ErrUnauthenticated = E.New("unauthenticated")
	ErrRewriteOverflow = E.New("response exceeds rewrite buffer")
)
