package adapter

import E "github.com/sagernet/sing/common/exceptions"

type StartStage uint8

const (
	StartStateInitialize StartStage = iota
	StartStateStart
)

var ListStartStages = []StartStage{
	StartStateInitialize,
	StartStateStart,
}

func (s StartStage) Action() string {
	switch s {
	case StartStateInitialize:
		return "initialize"
	case StartStateStart:
		return "start"
	default:
		panic("unknown stage")
	}
}

type Lifecycle interface {
	Start(stage StartStage) error
	Close() error
}

type LifecycleService interface {
	Name() string
	Lifecycle
}

func StartNamed(stage StartStage, services []LifecycleService) error {
	for _, service := range services {
		err := service.Start(stage)
		if err != nil {
			return E.Cause(err, stage.Action(), " ", service.Name())
		}
	}
	return nil
}
