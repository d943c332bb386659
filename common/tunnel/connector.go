// Package tunnel opens backend connections either directly or through the
// SOCKS5 endpoint of the local overlay network client.
package tunnel

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/sagernet/devgate/adapter"
	C "github.com/sagernet/devgate/constant"
	"github.com/sagernet/devgate/log"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
)

var _ adapter.Connector = (*Connector)(nil)

type Options struct {
	Mode             C.TunnelMode
	Server           string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	Logger           log.ContextLogger
}

type Connector struct {
	logger           log.ContextLogger
	mode             C.TunnelMode
	dialer           N.Dialer
	resolver         *net.Resolver
	server           M.Socksaddr
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
}

func NewConnector(options Options) (*Connector, error) {
	connector := &Connector{
		logger:           options.Logger,
		mode:             options.Mode,
		dialer:           N.SystemDialer,
		resolver:         net.DefaultResolver,
		dialTimeout:      options.DialTimeout,
		handshakeTimeout: options.HandshakeTimeout,
	}
	if connector.logger == nil {
		connector.logger = log.NewNOPFactory().Logger()
	}
	if connector.dialTimeout == 0 {
		connector.dialTimeout = C.DefaultDialTimeout
	}
	if connector.handshakeTimeout == 0 {
		connector.handshakeTimeout = C.DefaultHandshakeTimeout
	}
	if options.Mode == C.TunnelModeTunneled {
		server := options.Server
		if server == "" {
			server = C.DefaultSocksServer
		}
		connector.server = M.ParseSocksaddr(server)
		if !connector.server.IsValid() || connector.server.Port == 0 {
			return nil, E.New("invalid SOCKS5 server address: ", server)
		}
	}
	return connector, nil
}

func (c *Connector) Mode() C.TunnelMode {
	return c.mode
}

func (c *Connector) Server() string {
	if c.mode != C.TunnelModeTunneled {
		return ""
	}
	return c.server.String()
}

func (c *Connector) DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error) {
	if N.NetworkName(network) != N.NetworkTCP {
		return nil, E.New("unsupported network: ", network)
	}
	if c.mode == C.TunnelModeTunneled {
		return c.dialTunnel(ctx, destination)
	}
	return c.dialDirect(ctx, destination)
}

func (c *Connector) ListenPacket(ctx context.Context, destination M.Socksaddr) (net.PacketConn, error) {
	return nil, os.ErrInvalid
}

func (c *Connector) dialDirect(ctx context.Context, destination M.Socksaddr) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dialCtx, N.NetworkTCP, destination)
	if err != nil {
		if IsTimeout(err) {
			return nil, newError(KindTargetTimeout, destination, err)
		}
		return nil, newError(KindTargetUnreachable, destination, err)
	}
	return conn, nil
}

func (c *Connector) dialTunnel(ctx context.Context, destination M.Socksaddr) (net.Conn, error) {
	conn, err := c.dialServer(ctx)
	if err != nil {
		return nil, newError(KindTunnelUnreachable, destination, err)
	}
	err = c.handshake(ctx, conn, destination)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
