package taskmonitor

import (
	"time"

	"github.com/sagernet/devgate/log"
	F "github.com/sagernet/sing/common/format"
)

// Monitor warns when a startup or shutdown step runs past its timeout.
type Monitor struct {
	logger  log.Logger
	timeout time.Duration
	timer   *time.Timer
}

func New(logger log.Logger, timeout time.Duration) *Monitor {
	return &Monitor{
		logger:  logger,
		timeout: timeout,
	}
}

func (m *Monitor) Start(taskName ...any) {
	m.timer = time.AfterFunc(m.timeout, func() {
		m.logger.Warn(F.ToString(taskName...), " take too much time to finish!")
	})
}

func (m *Monitor) Finish() {
	if m.timer != nil {
		m.timer.Stop()
	}
}
