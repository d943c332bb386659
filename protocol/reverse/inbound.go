// Package reverse serves mounted targets over HTTP and WebSocket.
package reverse

import (
	"context"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/sagernet/devgate/adapter"
	"github.com/sagernet/devgate/common/rewrite"
	"github.com/sagernet/devgate/common/token"
	C "github.com/sagernet/devgate/constant"
	"github.com/sagernet/devgate/log"
	"github.com/sagernet/devgate/option"
	"github.com/sagernet/devgate/route"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	N "github.com/sagernet/sing/common/network"
	"github.com/sagernet/ws"

	"golang.org/x/net/http/httpguts"
)

var _ adapter.LifecycleService = (*Inbound)(nil)

type Options struct {
	Listen           string
	Registry         *route.Registry
	Dialer           N.Dialer
	Authenticator    adapter.Authenticator
	CookieName       string
	Targets          []option.TargetOptions
	HandshakeTimeout time.Duration
	CloseGracePeriod time.Duration
}

type Inbound struct {
	ctx           context.Context
	cancel        context.CancelFunc
	logger        log.ContextLogger
	listen        string
	registry      *route.Registry
	handlers      map[string]*targetHandler
	authenticator adapter.Authenticator
	cookieName    string
	httpServer    *http.Server
	listener      net.Listener
}

type targetHandler struct {
	forwarder *Forwarder
	relay     *Relay
}

func NewInbound(ctx context.Context, logger log.ContextLogger, options Options) (*Inbound, error) {
	if options.Authenticator == nil {
		return nil, E.New("missing authenticator")
	}
	ctx, cancel := context.WithCancel(ctx)
	inbound := &Inbound{
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger,
		listen:        options.Listen,
		registry:      options.Registry,
		handlers:      make(map[string]*targetHandler),
		authenticator: options.Authenticator,
		cookieName:    options.CookieName,
	}
	if inbound.cookieName == "" {
		inbound.cookieName = C.DefaultCookieName
	}
	targetOptions := make(map[string]option.TargetOptions, len(options.Targets))
	for _, target := range options.Targets {
		targetOptions[target.ID] = target
	}
	for _, targetRoute := range options.Registry.Routes() {
		target := targetRoute.Target
		dialer := route.NewDialer(options.Dialer, targetRoute.Status)
		var rewriter *rewrite.Rewriter
		currentOptions := targetOptions[target.ID]
		if currentOptions.Rewrite != nil {
			var err error
			rewriter, err = rewrite.New(target.MountPrefix, *currentOptions.Rewrite)
			if err != nil {
				cancel()
				return nil, E.Cause(err, "target ", target.ID)
			}
		}
		inbound.handlers[target.ID] = &targetHandler{
			forwarder: NewForwarder(logger, ForwarderOptions{
				Target:                target,
				Dialer:                dialer,
				Rewriter:              rewriter,
				ResponseHeaderTimeout: time.Duration(currentOptions.ResponseHeaderTimeout),
			}),
			relay: NewRelay(logger, RelayOptions{
				Target:           target,
				Dialer:           dialer,
				HandshakeTimeout: options.HandshakeTimeout,
				CloseGracePeriod: options.CloseGracePeriod,
			}),
		}
	}
	inbound.httpServer = &http.Server{
		Handler:           inbound,
		ReadHeaderTimeout: C.ReadHeaderTimeout,
		MaxHeaderBytes:    http.DefaultMaxHeaderBytes,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	return inbound, nil
}

func (i *Inbound) Name() string {
	return "inbound"
}

func (i *Inbound) Start(stage adapter.StartStage) error {
	if stage != adapter.StartStateStart {
		return nil
	}
	var listenConfig net.ListenConfig
	listener, err := listenConfig.Listen(i.ctx, "tcp", i.listen)
	if err != nil {
		return E.Cause(err, "listen ", i.listen)
	}
	i.listener = listener
	i.logger.Info("inbound listening at ", listener.Addr())
	go func() {
		err := i.httpServer.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			i.logger.Error("serve inbound: ", err)
		}
	}()
	return nil
}

func (i *Inbound) Addr() net.Addr {
	if i.listener == nil {
		return nil
	}
	return i.listener.Addr()
}

func (i *Inbound) Close() error {
	i.cancel()
	var errs []error
	for _, handler := range i.handlers {
		errs = append(errs, handler.forwarder.Close())
	}
	errs = append(errs, common.Close(common.PtrOrNil(i.httpServer)))
	return E.Errors(errs...)
}

func (i *Inbound) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	ctx := log.ContextWithNewID(request.Context())
	request = request.WithContext(ctx)
	targetRoute, rest, loaded := i.registry.Match(request.URL.Path)
	if !loaded {
		writeError(writer, http.StatusNotFound, "no target mounted at "+request.URL.Path)
		return
	}
	target := targetRoute.Target
	handler := i.handlers[target.ID]
	upgrade := isWebSocketUpgrade(request)
	if rest == "" && !upgrade {
		location := target.MountPrefix + "/"
		if request.URL.RawQuery != "" {
			location += "?" + request.URL.RawQuery
		}
		http.Redirect(writer, request, location, http.StatusPermanentRedirect)
		return
	}
	sessionToken, source := token.Extract(request, i.cookieName)
	result, err := i.authenticate(ctx, sessionToken)
	if err != nil {
		i.logger.ErrorContext(ctx, E.Cause(err, "authenticate request to ", target.ID))
		if upgrade {
			handler.relay.Reject(writer, request, ws.StatusInternalServerError, "authentication unavailable")
		} else {
			writeError(writer, http.StatusServiceUnavailable, "authentication unavailable")
		}
		return
	}
	if !result.Valid {
		if upgrade {
			handler.relay.Reject(writer, request, StatusUnauthenticated, C.ErrUnauthenticated.Error())
		} else {
			i.logger.InfoContext(ctx, "reject unauthenticated request to ", target.ID, " from ", request.RemoteAddr)
			writeError(writer, http.StatusUnauthorized, C.ErrUnauthenticated.Error())
		}
		return
	}
	if source == token.SourceBearer {
		request.Header.Del("Authorization")
	}
	removeCookie(request.Header, i.cookieName)
	if upgrade {
		if !target.WebSocket {
			writeError(writer, http.StatusForbidden, "websocket not enabled for target "+target.ID)
			return
		}
		i.logger.InfoContext(ctx, "inbound websocket session to ", target.ID, rest, identitySuffix(result.Identity))
		handler.relay.ServeHTTP(writer, request)
		return
	}
	i.logger.DebugContext(ctx, "inbound ", request.Method, " ", request.URL.Path, " to ", target.ID, identitySuffix(result.Identity))
	if source == token.SourceQuery {
		http.SetCookie(writer, &http.Cookie{
			Name:     i.cookieName,
			Value:    sessionToken,
			Path:     target.MountPrefix,
			HttpOnly: true,
			Secure:   request.TLS != nil || request.Header.Get("X-Forwarded-Proto") == "https",
			SameSite: http.SameSiteLaxMode,
		})
	}
	handler.forwarder.ServeHTTP(writer, request)
}

func (i *Inbound) authenticate(ctx context.Context, sessionToken string) (adapter.AuthResult, error) {
	if sessionToken == "" {
		return adapter.AuthResult{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, C.AuthenticateTimeout)
	defer cancel()
	return i.authenticator.Authenticate(ctx, sessionToken)
}

// removeCookie drops every cookie called name from the Cookie headers and
// leaves the other pairs untouched.
func removeCookie(header http.Header, name string) {
	values := header.Values("Cookie")
	if len(values) == 0 {
		return
	}
	var kept []string
	for _, value := range values {
		var pairs []string
		for _, pair := range strings.Split(value, ";") {
			pair = textproto.TrimString(pair)
			if pair == "" {
				continue
			}
			if pairName, _, _ := strings.Cut(pair, "="); textproto.TrimString(pairName) == name {
				continue
			}
			pairs = append(pairs, pair)
		}
		if len(pairs) > 0 {
			kept = append(kept, strings.Join(pairs, "; "))
		}
	}
	if len(kept) == 0 {
		header.Del("Cookie")
		return
	}
	header["Cookie"] = kept
}

func isWebSocketUpgrade(request *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(request.Header["Connection"], "upgrade") &&
		httpguts.HeaderValuesContainsToken(request.Header["Upgrade"], "websocket")
}

func identitySuffix(identity string) string {
	if identity == "" {
		return ""
	}
	return " as " + identity
}
