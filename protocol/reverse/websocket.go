package reverse

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sagernet/devgate/adapter"
	"github.com/sagernet/devgate/common/tunnel"
	C "github.com/sagernet/devgate/constant"
	"github.com/sagernet/devgate/log"
	"github.com/sagernet/sing/common/buf"
	E "github.com/sagernet/sing/common/exceptions"
	N "github.com/sagernet/sing/common/network"
	"github.com/sagernet/ws"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/sync/errgroup"
)

const (
	StatusBadGateway      ws.StatusCode = 1014
	StatusUnauthenticated ws.StatusCode = 4401
)

const relayBufferSize = 32 * 1024

var handshakeHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
	"Sec-Websocket-Accept",
}

type RelayOptions struct {
	Target           *adapter.Target
	Dialer           N.Dialer
	HandshakeTimeout time.Duration
	CloseGracePeriod time.Duration
}

// Relay bridges upgraded client sessions to one target.
type Relay struct {
	logger           log.ContextLogger
	target           *adapter.Target
	dialer           N.Dialer
	handshakeTimeout time.Duration
	closeGracePeriod time.Duration
}

func NewRelay(logger log.ContextLogger, options RelayOptions) *Relay {
	relay := &Relay{
		logger:           logger,
		target:           options.Target,
		dialer:           options.Dialer,
		handshakeTimeout: options.HandshakeTimeout,
		closeGracePeriod: options.CloseGracePeriod,
	}
	if relay.handshakeTimeout == 0 {
		relay.handshakeTimeout = C.DefaultHandshakeTimeout
	}
	if relay.closeGracePeriod == 0 {
		relay.closeGracePeriod = C.DefaultCloseGracePeriod
	}
	return relay
}

type sessionState uint8

const (
	stateConnecting sessionState = iota
	stateUpgrading
	stateRelaying
	stateClosed
	stateFailed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateUpgrading:
		return "upgrading"
	case stateRelaying:
		return "relaying"
	case stateClosed:
		return "closed"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// session is owned by the goroutine serving the upgrade request and the two
// relay goroutines it starts.
type session struct {
	*Relay
	ctx          context.Context
	request      *http.Request
	writer       http.ResponseWriter
	state        sessionState
	closeRelayed atomic.Bool
}

// ServeHTTP handles an authenticated upgrade request whose path still
// carries the mount prefix.
func (r *Relay) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	s := &session{
		Relay:   r,
		ctx:     request.Context(),
		request: request,
		writer:  writer,
	}
	s.serve()
}

// Reject upgrades the client only to close the session with code and
// reason, without contacting the target.
func (r *Relay) Reject(writer http.ResponseWriter, request *http.Request, code ws.StatusCode, reason string) {
	s := &session{
		Relay:   r,
		ctx:     request.Context(),
		request: request,
		writer:  writer,
	}
	s.fail(code, reason, E.New("session rejected: ", reason))
}

func (s *session) setState(state sessionState) {
	s.logger.TraceContext(s.ctx, "websocket session ", s.state, " -> ", state)
	s.state = state
}

func (s *session) serve() {
	s.setState(stateConnecting)
	backendConn, err := s.dialer.DialContext(s.ctx, N.NetworkTCP, s.target.Destination())
	if err != nil {
		reason := "target unreachable"
		if kind, loaded := tunnel.KindOf(err); loaded {
			reason = kind.String()
		}
		s.fail(StatusBadGateway, reason, err)
		return
	}
	s.setState(stateUpgrading)
	backendReader, handshake, err := s.upgradeBackend(backendConn)
	if err != nil {
		backendConn.Close()
		s.fail(StatusBadGateway, "handshake rejected", err)
		return
	}
	upgrader := ws.HTTPUpgrader{}
	if handshake.Protocol != "" {
		protocol := handshake.Protocol
		upgrader.Protocol = func(candidate string) bool {
			return candidate == protocol
		}
	}
	clientConn, clientReadWriter, _, err := upgrader.Upgrade(s.request, s.writer)
	if err != nil {
		backendConn.Close()
		s.setState(stateFailed)
		s.logger.ErrorContext(s.ctx, E.Cause(err, "upgrade client connection"))
		return
	}
	s.logger.DebugContext(s.ctx, "websocket session to ", s.target.ID, " established", protocolSuffix(handshake.Protocol))
	s.setState(stateRelaying)
	var clientReader io.Reader = clientConn
	if clientReadWriter != nil && clientReadWriter.Reader.Buffered() > 0 {
		clientReader = clientReadWriter.Reader
	}
	err = s.relay(clientConn, clientReader, backendConn, backendReader)
	s.setState(stateClosed)
	if err != nil && !E.IsClosedOrCanceled(err) && !tunnel.IsTimeout(err) {
		s.logger.ErrorContext(s.ctx, E.Cause(err, "websocket session to ", s.target.ID))
	} else {
		s.logger.DebugContext(s.ctx, "websocket session to ", s.target.ID, " closed")
	}
}

func protocolSuffix(protocol string) string {
	if protocol == "" {
		return ""
	}
	return " with subprotocol " + protocol
}

// fail reports a session that never reached the relaying state. The client
// is upgraded so that it receives a close code instead of a bare HTTP error.
func (s *session) fail(code ws.StatusCode, reason string, cause error) {
	s.setState(stateFailed)
	if code == StatusUnauthenticated {
		s.logger.InfoContext(s.ctx, "reject websocket session to ", s.target.ID, ": ", cause)
	} else {
		s.logger.ErrorContext(s.ctx, E.Cause(cause, "websocket session to ", s.target.ID))
	}
	clientConn, _, _, err := ws.HTTPUpgrader{}.Upgrade(s.request, s.writer)
	if err != nil {
		s.logger.DebugContext(s.ctx, E.Cause(err, "upgrade client connection"))
		return
	}
	defer clientConn.Close()
	clientConn.SetWriteDeadline(time.Now().Add(s.closeGracePeriod))
	err = ws.WriteFrame(clientConn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	if err != nil {
		s.logger.DebugContext(s.ctx, E.Cause(err, "write close frame"))
	}
}

func (s *session) upgradeBackend(conn net.Conn) (io.Reader, ws.Handshake, error) {
	err := conn.SetDeadline(time.Now().Add(s.handshakeTimeout))
	if err != nil {
		return nil, ws.Handshake{}, E.Cause(err, "set handshake deadline")
	}
	stop := context.AfterFunc(s.ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	var rejectedStatus int
	dialer := ws.Dialer{
		Header:    ws.HandshakeHeaderHTTP(s.backendHeader()),
		Protocols: requestedProtocols(s.request.Header),
		OnStatusError: func(status int, reason []byte, resp io.Reader) {
			rejectedStatus = status
		},
	}
	reader, handshake, err := dialer.Upgrade(conn, s.backendURL())
	if !stop() {
		return nil, ws.Handshake{}, E.Cause(s.ctx.Err(), "websocket handshake")
	}
	if err != nil {
		if rejectedStatus != 0 {
			return nil, ws.Handshake{}, E.Cause(err, "backend answered handshake with status ", rejectedStatus)
		}
		return nil, ws.Handshake{}, E.Cause(err, "websocket handshake")
	}
	err = conn.SetDeadline(time.Time{})
	if err != nil {
		return nil, ws.Handshake{}, E.Cause(err, "clear handshake deadline")
	}
	if reader != nil {
		return reader, handshake, nil
	}
	return conn, handshake, nil
}

func (s *session) backendURL() *url.URL {
	return &url.URL{
		Scheme:   "ws",
		Host:     s.target.Destination().String(),
		Path:     stripPrefix(s.request.URL.Path, s.target.MountPrefix),
		RawQuery: withoutToken(s.request.URL.RawQuery),
	}
}

// backendHeader forwards the client headers, minus everything the handshake
// library regenerates. Subprotocols travel in the dialer's protocol list only.
func (s *session) backendHeader() http.Header {
	header := s.request.Header.Clone()
	for _, value := range header.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = textproto.TrimString(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, name := range handshakeHeaders {
		header.Del(name)
	}
	if header.Get("Origin") != "" {
		header.Set("Origin", s.target.Origin())
	}
	if clientIP, _, err := net.SplitHostPort(s.request.RemoteAddr); err == nil {
		header.Set("X-Forwarded-For", clientIP)
	}
	header.Set("X-Forwarded-Host", s.request.Host)
	if s.request.TLS != nil {
		header.Set("X-Forwarded-Proto", "https")
	} else {
		header.Set("X-Forwarded-Proto", "http")
	}
	if header.Get(C.RequestIDHeader) == "" {
		header.Set(C.RequestIDHeader, uuid.Must(uuid.NewV4()).String())
	}
	return header
}

func requestedProtocols(header http.Header) []string {
	var protocols []string
	for _, value := range header.Values("Sec-Websocket-Protocol") {
		for _, protocol := range strings.Split(value, ",") {
			if protocol = strings.TrimSpace(protocol); protocol != "" {
				protocols = append(protocols, protocol)
			}
		}
	}
	return protocols
}

type relayError struct {
	read  bool
	cause error
}

func (e *relayError) Error() string {
	if e.read {
		return "read: " + e.cause.Error()
	}
	return "write: " + e.cause.Error()
}

func (e *relayError) Unwrap() error {
	return e.cause
}

// relay runs one goroutine per direction. A direction that forwards a close
// frame ends, and the opposite side gets the grace period to answer. Any
// failure closes both connections.
func (s *session) relay(clientConn net.Conn, clientReader io.Reader, backendConn net.Conn, backendReader io.Reader) error {
	group, ctx := errgroup.WithContext(s.ctx)
	stop := context.AfterFunc(ctx, func() {
		clientConn.Close()
		backendConn.Close()
	})
	defer stop()
	clientWriter := bufio.NewWriterSize(clientConn, relayBufferSize)
	backendWriter := bufio.NewWriterSize(backendConn, relayBufferSize)
	group.Go(func() error {
		err := s.pipe(clientReader, backendWriter, true)
		if err == nil {
			return backendConn.SetReadDeadline(time.Now().Add(s.closeGracePeriod))
		}
		if isReadError(err) && !s.closeRelayed.Load() {
			writeCloseFrame(backendWriter, true, ws.StatusGoingAway, "client disconnected")
		}
		return E.Cause(err, "client to backend")
	})
	group.Go(func() error {
		err := s.pipe(backendReader, clientWriter, false)
		if err == nil {
			return clientConn.SetReadDeadline(time.Now().Add(s.closeGracePeriod))
		}
		if isReadError(err) && !s.closeRelayed.Load() {
			code := ws.StatusInternalServerError
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || E.IsClosed(err) {
				code = StatusBadGateway
			}
			writeCloseFrame(clientWriter, false, code, "backend connection lost")
		}
		return E.Cause(err, "backend to client")
	})
	err := group.Wait()
	clientConn.Close()
	backendConn.Close()
	if s.closeRelayed.Load() {
		return nil
	}
	return err
}

// pipe copies frames from source to destination until it forwards a close
// frame. Payloads are streamed in chunks, unmasked on the way in and masked
// with a fresh key when masked is set.
func (s *session) pipe(source io.Reader, destination *bufio.Writer, masked bool) error {
	buffer := buf.Get(relayBufferSize)
	defer buf.Put(buffer)
	for {
		header, err := ws.ReadHeader(source)
		if err != nil {
			return &relayError{read: true, cause: err}
		}
		inputMasked, inputMask := header.Masked, header.Mask
		header.Masked = masked
		if masked {
			header.Mask = ws.NewMask()
		} else {
			header.Mask = [4]byte{}
		}
		err = ws.WriteHeader(destination, header)
		if err != nil {
			return &relayError{cause: err}
		}
		var offset int
		for remaining := header.Length; remaining > 0; {
			chunk := buffer
			if int64(len(chunk)) > remaining {
				chunk = chunk[:remaining]
			}
			_, err = io.ReadFull(source, chunk)
			if err != nil {
				return &relayError{read: true, cause: err}
			}
			if inputMasked {
				ws.Cipher(chunk, inputMask, offset)
			}
			if masked {
				ws.Cipher(chunk, header.Mask, offset)
			}
			_, err = destination.Write(chunk)
			if err != nil {
				return &relayError{cause: err}
			}
			offset += len(chunk)
			remaining -= int64(len(chunk))
		}
		err = destination.Flush()
		if err != nil {
			return &relayError{cause: err}
		}
		if header.OpCode == ws.OpClose {
			s.closeRelayed.Store(true)
			return nil
		}
	}
}

func isReadError(err error) bool {
	var relayErr *relayError
	return errors.As(err, &relayErr) && relayErr.read
}

func writeCloseFrame(writer *bufio.Writer, masked bool, code ws.StatusCode, reason string) {
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason))
	if masked {
		frame = ws.MaskFrameInPlace(frame)
	}
	if ws.WriteFrame(writer, frame) == nil {
		writer.Flush()
	}
}
