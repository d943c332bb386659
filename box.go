package box

import (
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sagernet/devgate/adapter"
	"github.com/sagernet/devgate/common/environment"
	"github.com/sagernet/devgate/common/taskmonitor"
	"github.com/sagernet/devgate/common/token"
	"github.com/sagernet/devgate/common/tunnel"
	C "github.com/sagernet/devgate/constant"
	"github.com/sagernet/devgate/experimental/diagnostics"
	"github.com/sagernet/devgate/log"
	"github.com/sagernet/devgate/option"
	"github.com/sagernet/devgate/protocol/reverse"
	"github.com/sagernet/devgate/route"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"
)

var _ adapter.StatusReporter = (*Box)(nil)

type Box struct {
	createdAt  time.Time
	startedAt  time.Time
	logFactory log.Factory
	logger     log.ContextLogger
	resolution environment.Resolution
	connector  *tunnel.Connector
	registry   *route.Registry
	inbound    *reverse.Inbound
	services   []adapter.LifecycleService
	done       chan struct{}
}

type Options struct {
	option.Options
	Context   context.Context
	LogWriter io.Writer
	// LookupEnv replaces os.LookupEnv when deciding the tunnel mode.
	LookupEnv environment.LookupFunc
}

func New(options Options) (*Box, error) {
	createdAt := time.Now()
	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}
	logFactory, err := log.New(log.Options{
		Options:       common.PtrValueOrDefault(options.Log),
		DefaultWriter: options.LogWriter,
		BaseTime:      createdAt,
	})
	if err != nil {
		return nil, E.Cause(err, "create log factory")
	}
	logger := logFactory.NewLogger("devgate")
	tunnelOptions := common.PtrValueOrDefault(options.Tunnel)
	resolution := environment.NewResolver(tunnelOptions.Mode, tunnelOptions.Signals, options.LookupEnv).Resolve()
	connector, err := tunnel.NewConnector(tunnel.Options{
		Mode:             resolution.Mode,
		Server:           tunnelOptions.Server,
		DialTimeout:      time.Duration(tunnelOptions.DialTimeout),
		HandshakeTimeout: time.Duration(tunnelOptions.HandshakeTimeout),
		Logger:           logFactory.NewLogger("tunnel"),
	})
	if err != nil {
		logFactory.Close()
		return nil, E.Cause(err, "initialize tunnel")
	}
	targets := make([]*adapter.Target, 0, len(options.Targets))
	for _, targetOptions := range options.Targets {
		targets = append(targets, route.NewTarget(targetOptions))
	}
	registry, err := route.NewRegistry(targets)
	if err != nil {
		logFactory.Close()
		return nil, E.Cause(err, "initialize targets")
	}
	authOptions := common.PtrValueOrDefault(options.Auth)
	authenticator, err := token.NewAuthenticator(&authOptions)
	if err != nil {
		logFactory.Close()
		return nil, E.Cause(err, "initialize authenticator")
	}
	inbound, err := reverse.NewInbound(ctx, logFactory.NewLogger("inbound"), reverse.Options{
		Listen:           inboundAddress(options.Inbound),
		Registry:         registry,
		Dialer:           connector,
		Authenticator:    authenticator,
		CookieName:       authOptions.CookieName,
		Targets:          options.Targets,
		HandshakeTimeout: time.Duration(tunnelOptions.HandshakeTimeout),
	})
	if err != nil {
		logFactory.Close()
		return nil, E.Cause(err, "initialize inbound")
	}
	box := &Box{
		createdAt:  createdAt,
		logFactory: logFactory,
		logger:     logger,
		resolution: resolution,
		connector:  connector,
		registry:   registry,
		inbound:    inbound,
		services:   []adapter.LifecycleService{inbound},
		done:       make(chan struct{}),
	}
	if options.Diagnostics != nil {
		box.services = append(box.services, diagnostics.NewServer(logFactory.NewLogger("diagnostics"), box, *options.Diagnostics))
	}
	return box, nil
}

func inboundAddress(options option.InboundOptions) string {
	listen := options.Listen
	if listen == "" {
		listen = C.DefaultListen
	}
	port := options.ListenPort
	if port == 0 {
		port = C.DefaultListenPort
	}
	return net.JoinHostPort(listen, strconv.Itoa(int(port)))
}

func (s *Box) Start() error {
	err := s.start()
	if err != nil {
		s.Close()
		return err
	}
	s.logger.Info("devgate started (", F.Seconds(time.Since(s.createdAt).Seconds()), "s)")
	return nil
}

func (s *Box) start() error {
	if s.resolution.Ambiguous {
		s.logger.Warn("tunnel mode: ", s.resolution.Reason)
	}
	if s.connector.Mode() == C.TunnelModeTunneled {
		s.logger.Info("tunnel mode: ", s.connector.Mode(), " via ", s.connector.Server(), " (", s.resolution.Reason, ")")
	} else {
		s.logger.Info("tunnel mode: ", s.connector.Mode(), " (", s.resolution.Reason, ")")
	}
	monitor := taskmonitor.New(s.logger, C.StartTimeout)
	for _, stage := range adapter.ListStartStages {
		monitor.Start(stage.Action(), " services")
		err := adapter.StartNamed(stage, s.services)
		monitor.Finish()
		if err != nil {
			return err
		}
	}
	s.startedAt = time.Now()
	return nil
}

func (s *Box) Close() error {
	select {
	case <-s.done:
		return os.ErrClosed
	default:
		close(s.done)
	}
	var err error
	for _, lifecycleService := range s.services {
		err = E.Append(err, lifecycleService.Close(), func(err error) error {
			return E.Cause(err, "close ", lifecycleService.Name())
		})
	}
	err = E.Append(err, s.logFactory.Close(), func(err error) error {
		return E.Cause(err, "close logger")
	})
	return err
}

func (s *Box) Connector() adapter.Connector {
	return s.connector
}

func (s *Box) Registry() *route.Registry {
	return s.registry
}

func (s *Box) InboundAddr() net.Addr {
	return s.inbound.Addr()
}

func (s *Box) TunnelStatus() adapter.TunnelStatus {
	return adapter.TunnelStatus{
		Mode:   s.connector.Mode(),
		Reason: s.resolution.Reason,
		Server: s.connector.Server(),
	}
}

func (s *Box) TargetStatus() []adapter.TargetStatus {
	routes := s.registry.Routes()
	statuses := make([]adapter.TargetStatus, 0, len(routes))
	for _, targetRoute := range routes {
		statuses = append(statuses, targetRoute.Status.Snapshot())
	}
	return statuses
}

func (s *Box) LookupTargetStatus(id string) (adapter.TargetStatus, bool) {
	targetRoute, loaded := s.registry.Lookup(id)
	if !loaded {
		return adapter.TargetStatus{}, false
	}
	return targetRoute.Status.Snapshot(), true
}

func (s *Box) StartedAt() time.Time {
	return s.startedAt
}
