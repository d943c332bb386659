package adapter

import (
	"time"

	C "github.com/sagernet/devgate/constant"
)

type TunnelStatus struct {
	Mode   C.TunnelMode
	Reason string
	Server string
}

type TargetStatus struct {
	Target            *Target
	LastSuccess       time.Time
	LastErrorKind     string
	LastError         string
	LastErrorAt       time.Time
	ActiveConnections int64
	Dials             uint64
	Failures          uint64
	Upload            uint64
	Download          uint64
}

// StatusReporter is the read-only view consumed by operational tooling.
type StatusReporter interface {
	TunnelStatus() TunnelStatus
	TargetStatus() []TargetStatus
	LookupTargetStatus(id string) (TargetStatus, bool)
	StartedAt() time.Time
}
