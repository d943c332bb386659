package tunnel

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"syscall"
	"time"

	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
	"github.com/sagernet/sing/common/varbin"
	"github.com/sagernet/sing/protocol/socks/socks5"
)

// RFC 1928 reply codes.
const (
	replySucceeded          byte = 0x00
	replyGeneralFailure     byte = 0x01
	replyNotAllowed         byte = 0x02
	replyNetworkUnreachable byte = 0x03
	replyHostUnreachable    byte = 0x04
	replyConnectionRefused  byte = 0x05
	replyTTLExpired         byte = 0x06
)

// dialServer connects to the SOCKS5 endpoint. A hostname is expanded to every
// address the resolver knows, since tunnel daemons often bind a single family
// (127.0.0.1 or ::1) and "localhost" may resolve to the other one first.
func (c *Connector) dialServer(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	addresses, err := c.serverAddresses(dialCtx)
	if err != nil {
		return nil, err
	}
	var (
		errs    []error
		refused int
	)
	for _, address := range addresses {
		destination := M.SocksaddrFrom(address, c.server.Port)
		conn, err := c.dialer.DialContext(dialCtx, N.NetworkTCP, destination)
		if err == nil {
			if len(errs) > 0 {
				c.logger.WarnContext(ctx, "SOCKS5 endpoint ", c.server, " only reachable at ", destination, ": ", E.Errors(errs...))
			}
			return conn, nil
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			refused++
		}
		errs = append(errs, E.Cause(err, destination))
		if dialCtx.Err() != nil {
			break
		}
	}
	if refused == len(addresses) {
		tried := make([]string, 0, len(addresses))
		for _, address := range addresses {
			tried = append(tried, address.String())
		}
		return nil, E.New(
			"connection refused by SOCKS5 endpoint ", c.server, " on every resolved address (", strings.Join(tried, ", "),
			"): the tunnel daemon is down or listens on another address family",
		)
	}
	return nil, E.Errors(errs...)
}

func (c *Connector) serverAddresses(ctx context.Context) ([]netip.Addr, error) {
	if c.server.IsIP() {
		return []netip.Addr{c.server.Addr}, nil
	}
	addresses, err := c.resolver.LookupNetIP(ctx, "ip", c.server.Fqdn)
	if err != nil {
		return nil, E.Cause(err, "resolve SOCKS5 endpoint ", c.server.Fqdn)
	}
	if len(addresses) == 0 {
		return nil, E.New("no address for SOCKS5 endpoint ", c.server.Fqdn)
	}
	for index := range addresses {
		addresses[index] = addresses[index].Unmap()
	}
	return addresses, nil
}

// handshake runs method negotiation and CONNECT as separate steps, so every
// failure is reported with the step that produced it. The handshake deadline
// bounds each read and write, and canceling ctx aborts a pending step.
func (c *Connector) handshake(ctx context.Context, conn net.Conn, destination M.Socksaddr) error {
	err := conn.SetDeadline(time.Now().Add(c.handshakeTimeout))
	if err != nil {
		return newError(KindHandshakeRejected, destination, E.Cause(err, "set handshake deadline"))
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	err = c.negotiate(conn, destination)
	if !stop() {
		return newError(KindHandshakeRejected, destination, E.Cause(ctx.Err(), "SOCKS5 handshake"))
	}
	if err != nil {
		return err
	}
	err = conn.SetDeadline(time.Time{})
	if err != nil {
		return newError(KindHandshakeRejected, destination, E.Cause(err, "clear handshake deadline"))
	}
	return nil
}

func (c *Connector) negotiate(conn net.Conn, destination M.Socksaddr) error {
	err := socks5.WriteAuthRequest(conn, socks5.AuthRequest{
		Methods: []byte{socks5.AuthTypeNotRequired},
	})
	if err != nil {
		return newError(KindHandshakeRejected, destination, E.Cause(err, "write SOCKS5 method request"))
	}
	reader := varbin.StubReader(conn)
	authResponse, err := socks5.ReadAuthResponse(reader)
	if err != nil {
		return newError(KindHandshakeRejected, destination, E.Cause(err, "read SOCKS5 method response"))
	}
	if authResponse.Method != socks5.AuthTypeNotRequired {
		return newError(KindHandshakeRejected, destination, E.New("SOCKS5 endpoint requires unsupported method ", authResponse.Method))
	}
	err = socks5.WriteRequest(conn, socks5.Request{
		Command:     socks5.CommandConnect,
		Destination: destination,
	})
	if err != nil {
		return newError(KindHandshakeRejected, destination, E.Cause(err, "write SOCKS5 connect request"))
	}
	response, err := socks5.ReadResponse(reader)
	if err != nil {
		if IsTimeout(err) {
			return newError(KindTargetTimeout, destination, E.Cause(err, "wait for SOCKS5 connect reply"))
		}
		return newError(KindHandshakeRejected, destination, E.Cause(err, "read SOCKS5 connect reply"))
	}
	switch response.ReplyCode {
	case replySucceeded:
		return nil
	case replyNetworkUnreachable, replyHostUnreachable, replyConnectionRefused:
		return newError(KindTargetUnreachable, destination, E.New("SOCKS5 connect rejected: ", replyMessage(response.ReplyCode)))
	case replyTTLExpired:
		return newError(KindTargetTimeout, destination, E.New("SOCKS5 connect rejected: ", replyMessage(response.ReplyCode)))
	default:
		return newError(KindHandshakeRejected, destination, E.New("SOCKS5 connect rejected: ", replyMessage(response.ReplyCode)))
	}
}

func replyMessage(code byte) string {
	switch code {
	case replyGeneralFailure:
		return "general failure"
	case replyNotAllowed:
		return "not allowed by ruleset"
	case replyNetworkUnreachable:
		return "network unreachable"
	case replyHostUnreachable:
		return "host unreachable"
	case replyConnectionRefused:
		return "connection refused"
	case replyTTLExpired:
		return "TTL expired"
	default:
		return "reply code " + strconv.Itoa(int(code))
	}
}
