package reverse

import (
	"context"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/sagernet/devgate/adapter"
	"github.com/sagernet/devgate/common/rewrite"
	"github.com/sagernet/devgate/common/tunnel"
	C "github.com/sagernet/devgate/constant"
	"github.com/sagernet/devgate/log"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"

	"github.com/gofrs/uuid/v5"
)

// Forwarder streams HTTP exchanges to one target. Every exchange dials a
// fresh backend connection.
type Forwarder struct {
	logger    log.ContextLogger
	target    *adapter.Target
	rewriter  *rewrite.Rewriter
	transport *http.Transport
	proxy     *httputil.ReverseProxy
}

type ForwarderOptions struct {
	Target                *adapter.Target
	Dialer                N.Dialer
	Rewriter              *rewrite.Rewriter
	ResponseHeaderTimeout time.Duration
}

func NewForwarder(logger log.ContextLogger, options ForwarderOptions) *Forwarder {
	forwarder := &Forwarder{
		logger:   logger,
		target:   options.Target,
		rewriter: options.Rewriter,
	}
	responseHeaderTimeout := options.ResponseHeaderTimeout
	if responseHeaderTimeout == 0 {
		responseHeaderTimeout = C.DefaultResponseHeaderTimeout
	}
	dialer := options.Dialer
	forwarder.transport = &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, M.ParseSocksaddr(address))
		},
		DisableKeepAlives:     true,
		DisableCompression:    true,
		ResponseHeaderTimeout: responseHeaderTimeout,
	}
	forwarder.proxy = &httputil.ReverseProxy{
		Rewrite:        forwarder.rewriteRequest,
		Transport:      forwarder.transport,
		FlushInterval:  -1,
		ModifyResponse: forwarder.modifyResponse,
		ErrorHandler:   forwarder.handleError,
	}
	return forwarder
}

// ServeHTTP expects the request path to still carry the mount prefix.
func (f *Forwarder) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	f.proxy.ServeHTTP(writer, request)
}

func (f *Forwarder) Close() error {
	f.transport.CloseIdleConnections()
	return nil
}

func (f *Forwarder) rewriteRequest(request *httputil.ProxyRequest) {
	out := request.Out
	out.URL.Path = stripPrefix(out.URL.Path, f.target.MountPrefix)
	if out.URL.RawPath != "" {
		out.URL.RawPath = stripPrefix(out.URL.RawPath, f.target.MountPrefix)
	}
	out.URL.RawQuery = withoutToken(out.URL.RawQuery)
	request.SetURL(&url.URL{
		Scheme: f.target.Scheme,
		Host:   f.target.Destination().String(),
	})
	request.SetXForwarded()
	if out.Header.Get("Origin") != "" {
		out.Header.Set("Origin", f.target.Origin())
	}
	if out.Header.Get(C.RequestIDHeader) == "" {
		out.Header.Set(C.RequestIDHeader, uuid.Must(uuid.NewV4()).String())
	}
	if f.rewriter != nil {
		acceptEncoding := rewrite.NarrowAcceptEncoding(out.Header.Get("Accept-Encoding"))
		if acceptEncoding == "" {
			out.Header.Del("Accept-Encoding")
		} else {
			out.Header.Set("Accept-Encoding", acceptEncoding)
		}
	}
}

func (f *Forwarder) modifyResponse(response *http.Response) error {
	ctx := response.Request.Context()
	if response.StatusCode == http.StatusNotFound && f.target.IsMissingAsset(response.Request.URL.Path) {
		f.logger.DebugContext(ctx, "substitute empty response for missing asset ", response.Request.URL.Path)
		replaceWithEmpty(response)
		return nil
	}
	if f.rewriter == nil {
		return nil
	}
	err := f.rewriter.Rewrite(response)
	if err == nil {
		return nil
	}
	if rewrite.IsPassthrough(err) {
		if errors.Is(err, C.ErrRewriteOverflow) {
			f.logger.WarnContext(ctx, "pass through ", response.Request.URL.Path, " unmodified: ", err)
		} else {
			f.logger.DebugContext(ctx, "pass through ", response.Request.URL.Path, " unmodified: ", err)
		}
		return nil
	}
	return err
}

func (f *Forwarder) handleError(writer http.ResponseWriter, request *http.Request, err error) {
	ctx := request.Context()
	if ctx.Err() != nil {
		f.logger.DebugContext(ctx, "client canceled request to ", f.target.ID, ": ", err)
		return
	}
	kind, loaded := tunnel.KindOf(err)
	if !loaded {
		if tunnel.IsTimeout(err) {
			kind = tunnel.KindTargetTimeout
		} else {
			kind = tunnel.KindTargetUnreachable
		}
	}
	f.logger.ErrorContext(ctx, E.Cause(err, "forward ", request.Method, " ", request.URL.Path, " to ", f.target.ID))
	statusCode := http.StatusBadGateway
	if kind == tunnel.KindTargetTimeout {
		statusCode = http.StatusGatewayTimeout
	}
	writeError(writer, statusCode, kind.String())
}

func writeError(writer http.ResponseWriter, statusCode int, message string) {
	writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
	writer.Header().Set("X-Content-Type-Options", "nosniff")
	writer.WriteHeader(statusCode)
	io.WriteString(writer, http.StatusText(statusCode)+": "+message+"\n")
}

func replaceWithEmpty(response *http.Response) {
	response.Body.Close()
	contentType := mime.TypeByExtension(path.Ext(response.Request.URL.Path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	response.StatusCode = http.StatusOK
	response.Status = "200 OK"
	response.Header = http.Header{
		"Content-Type":   []string{contentType},
		"Content-Length": []string{"0"},
	}
	response.Body = http.NoBody
	response.ContentLength = 0
	response.TransferEncoding = nil
}

func stripPrefix(requestPath string, prefix string) string {
	rest := strings.TrimPrefix(requestPath, prefix)
	if rest == "" {
		return "/"
	}
	return rest
}

// withoutToken drops the session token from a raw query and keeps every
// other parameter byte-for-byte in its original order.
func withoutToken(rawQuery string) string {
	if !strings.Contains(rawQuery, C.TokenQueryKey) {
		return rawQuery
	}
	parameters := strings.Split(rawQuery, "&")
	kept := parameters[:0]
	for _, parameter := range parameters {
		key, _, _ := strings.Cut(parameter, "=")
		if unescaped, err := url.QueryUnescape(key); err == nil && unescaped == C.TokenQueryKey {
			continue
		}
		kept = append(kept, parameter)
	}
	return strings.Join(kept, "&")
}
