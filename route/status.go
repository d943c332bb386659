package route

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/sagernet/devgate/adapter"
	"github.com/sagernet/devgate/common/tunnel"
	"github.com/sagernet/sing/common"
	"github.com/sagernet/sing/common/bufio"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
)

// Status aggregates dial outcomes and live connections of one target. It is
// written by every session of the target and holds no lock.
type Status struct {
	target      *adapter.Target
	lastSuccess atomic.Int64
	lastFailure atomic.Pointer[failure]
	active      atomic.Int64
	dials       atomic.Uint64
	failures    atomic.Uint64
	upload      atomic.Uint64
	download    atomic.Uint64
}

type failure struct {
	kind    string
	message string
	at      time.Time
}

func NewStatus(target *adapter.Target) *Status {
	return &Status{target: target}
}

func (s *Status) RecordSuccess() {
	s.dials.Add(1)
	s.lastSuccess.Store(time.Now().UnixNano())
}

func (s *Status) RecordFailure(err error) {
	s.dials.Add(1)
	s.failures.Add(1)
	kind := "dial_error"
	if errorKind, loaded := tunnel.KindOf(err); loaded {
		kind = errorKind.String()
	} else if E.IsClosedOrCanceled(err) {
		kind = "canceled"
	}
	s.lastFailure.Store(&failure{
		kind:    kind,
		message: err.Error(),
		at:      time.Now(),
	})
}

func (s *Status) Active() int64 {
	return s.active.Load()
}

func (s *Status) Snapshot() adapter.TargetStatus {
	status := adapter.TargetStatus{
		Target:            s.target,
		ActiveConnections: s.active.Load(),
		Dials:             s.dials.Load(),
		Failures:          s.failures.Load(),
		Upload:            s.upload.Load(),
		Download:          s.download.Load(),
	}
	if lastSuccess := s.lastSuccess.Load(); lastSuccess != 0 {
		status.LastSuccess = time.Unix(0, lastSuccess)
	}
	if lastFailure := s.lastFailure.Load(); lastFailure != nil {
		status.LastErrorKind = lastFailure.kind
		status.LastError = lastFailure.message
		status.LastErrorAt = lastFailure.at
	}
	return status
}

// Track counts conn as active until its first Close, and accounts the bytes
// it carries.
func (s *Status) Track(conn net.Conn) net.Conn {
	s.active.Add(1)
	return &trackedConn{
		Conn: bufio.NewCounterConn(conn,
			[]N.CountFunc{func(n int64) { s.download.Add(uint64(n)) }},
			[]N.CountFunc{func(n int64) { s.upload.Add(uint64(n)) }},
		),
		release: common.OnceFunc(func() {
			s.active.Add(-1)
		}),
	}
}

type trackedConn struct {
	net.Conn
	release func()
}

func (c *trackedConn) Close() error {
	c.release()
	return c.Conn.Close()
}

func (c *trackedConn) Upstream() any {
	return c.Conn
}

// Dialer records every dial outcome in the target status and tracks the
// resulting connection.
type Dialer struct {
	dialer N.Dialer
	status *Status
}

func NewDialer(dialer N.Dialer, status *Status) *Dialer {
	return &Dialer{
		dialer: dialer,
		status: status,
	}
}

func (d *Dialer) DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, network, destination)
	if err != nil {
		d.status.RecordFailure(err)
		return nil, err
	}
	d.status.RecordSuccess()
	return d.status.Track(conn), nil
}

func (d *Dialer) ListenPacket(ctx context.Context, destination M.Socksaddr) (net.PacketConn, error) {
	return d.dialer.ListenPacket(ctx, destination)
}
