package constant

import "time"

const (
	DefaultDialTimeout           = 15 * time.Second
	DefaultHandshakeTimeout      = 30 * time.Second
	DefaultResponseHeaderTimeout = 2 * time.Minute
	DefaultCloseGracePeriod      = 5 * time.Second
	ReadHeaderTimeout            = 30 * time.Second
	AuthenticateTimeout          = 10 * time.Second
	StartTimeout                 = 10 * time.Second
	StopTimeout                  = 3 * time.Second
)
