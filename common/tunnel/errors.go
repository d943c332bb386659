package tunnel

import (
	"context"
	"errors"
	"net"
	"os"

	F "github.com/sagernet/sing/common/format"
	M "github.com/sagernet/sing/common/metadata"
)

// ErrorKind tells operators whether the tunnel or the backend is at fault.
type ErrorKind string

const (
	KindTunnelUnreachable ErrorKind = "tunnel_unreachable"
	KindHandshakeRejected ErrorKind = "handshake_rejected"
	KindTargetUnreachable ErrorKind = "target_unreachable"
	KindTargetTimeout     ErrorKind = "target_timeout"
)

func (k ErrorKind) String() string {
	return string(k)
}

type DialError struct {
	Kind        ErrorKind
	Destination M.Socksaddr
	Cause       error
}

func (e *DialError) Error() string {
	return F.ToString(e.Kind, " ", e.Destination, ": ", e.Cause)
}

func (e *DialError) Unwrap() error {
	return e.Cause
}

func KindOf(err error) (ErrorKind, bool) {
	var dialErr *DialError
	if errors.As(err, &dialErr) {
		return dialErr.Kind, true
	}
	return "", false
}

func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func newError(kind ErrorKind, destination M.Socksaddr, cause error) *DialError {
	return &DialError{
		Kind:        kind,
		Destination: destination,
		Cause:       cause,
	}
}
