package reverse

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sagernet/devgate/adapter"
	"github.com/sagernet/devgate/common/token"
	"github.com/sagernet/devgate/common/tunnel"
	C "github.com/sagernet/devgate/constant"
	"github.com/sagernet/devgate/log"
	"github.com/sagernet/devgate/option"
	"github.com/sagernet/devgate/route"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"

	"github.com/stretchr/testify/require"
)

const testToken = "secret"

type countingDialer struct {
	N.Dialer
	dials atomic.Int32
}

func (d *countingDialer) DialContext(ctx context.Context, network string, destination M.Socksaddr) (net.Conn, error) {
	d.dials.Add(1)
	return d.Dialer.DialContext(ctx, network, destination)
}

type testInbound struct {
	server   *httptest.Server
	registry *route.Registry
	dialer   *countingDialer
}

func startInbound(t *testing.T, targets []option.TargetOptions) *testInbound {
	connector, err := tunnel.NewConnector(tunnel.Options{
		Mode:        C.TunnelModeDirect,
		DialTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	dialer := &countingDialer{Dialer: connector}
	var descriptors []*adapter.Target
	for _, target := range targets {
		descriptors = append(descriptors, route.NewTarget(target))
	}
	registry, err := route.NewRegistry(descriptors)
	require.NoError(t, err)
	inbound, err := NewInbound(context.Background(), log.NewNOPFactory().Logger(), Options{
		Registry:         registry,
		Dialer:           dialer,
		Authenticator:    token.NewStaticAuthenticator([]string{testToken}),
		Targets:          targets,
		HandshakeTimeout: 2 * time.Second,
		CloseGracePeriod: time.Second,
	})
	require.NoError(t, err)
	server := httptest.NewServer(inbound)
	t.Cleanup(func() {
		inbound.Close()
		server.Close()
	})
	return &testInbound{
		server:   server,
		registry: registry,
		dialer:   dialer,
	}
}

func backendTarget(t *testing.T, id string, backend *httptest.Server) option.TargetOptions {
	backendURL, err := url.Parse(backend.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(backendURL.Port())
	require.NoError(t, err)
	return option.TargetOptions{
		ID:   id,
		Host: backendURL.Hostname(),
		Port: uint16(port),
	}
}

func closedTarget(t *testing.T, id string) option.TargetOptions {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	require.NoError(t, listener.Close())
	return option.TargetOptions{
		ID:        id,
		Host:      "127.0.0.1",
		Port:      port,
		WebSocket: true,
	}
}

func newTestClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DisableCompression: true,
			DisableKeepAlives:  true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 10 * time.Second,
	}
}

func TestInboundNotMounted(t *testing.T) {
	t.Parallel()
	inbound := startInbound(t, nil)
	response, err := newTestClient().Get(inbound.server.URL + "/proxy/missing/?tkn=" + testToken)
	require.NoError(t, err)
	response.Body.Close()
	require.Equal(t, http.StatusNotFound, response.StatusCode)
}

func TestInboundUnauthenticated(t *testing.T) {
	t.Parallel()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer backend.Close()
	inbound := startInbound(t, []option.TargetOptions{backendTarget(t, "editor", backend)})
	client := newTestClient()
	for _, requestURL := range []string{
		inbound.server.URL + "/proxy/editor/",
		inbound.server.URL + "/proxy/editor/?tkn=wrong",
	} {
		response, err := client.Get(requestURL)
		require.NoError(t, err)
		response.Body.Close()
		require.Equal(t, http.StatusUnauthorized, response.StatusCode)
	}
	require.Zero(t, inbound.dialer.dials.Load())
}

func TestInboundRedirectsMountPrefix(t *testing.T) {
	t.Parallel()
	backend := httptest.NewServer(http.NotFoundHandler())
	defer backend.Close()
	inbound := startInbound(t, []option.TargetOptions{backendTarget(t, "editor", backend)})
	response, err := newTestClient().Get(inbound.server.URL + "/proxy/editor?tkn=" + testToken)
	require.NoError(t, err)
	response.Body.Close()
	require.Equal(t, http.StatusPermanentRedirect, response.StatusCode)
	require.Equal(t, "/proxy/editor/?tkn="+testToken, response.Header.Get("Location"))
	require.Zero(t, inbound.dialer.dials.Load())
}

func TestInboundQueryTokenSetsCookie(t *testing.T) {
	t.Parallel()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer backend.Close()
	inbound := startInbound(t, []option.TargetOptions{backendTarget(t, "editor", backend)})
	client := newTestClient()
	response, err := client.Get(inbound.server.URL + "/proxy/editor/?tkn=" + testToken)
	require.NoError(t, err)
	response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)
	var sessionCookie *http.Cookie
	for _, cookie := range response.Cookies() {
		if cookie.Name == C.DefaultCookieName {
			sessionCookie = cookie
		}
	}
	require.NotNil(t, sessionCookie)
	require.Equal(t, testToken, sessionCookie.Value)
	require.Equal(t, "/proxy/editor", sessionCookie.Path)

	request, err := http.NewRequest(http.MethodGet, inbound.server.URL+"/proxy/editor/static/app.js", nil)
	require.NoError(t, err)
	request.AddCookie(&http.Cookie{Name: C.DefaultCookieName, Value: testToken})
	response, err = client.Do(request)
	require.NoError(t, err)
	response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Empty(t, response.Cookies())
}

func TestInboundBearerTokenNotForwarded(t *testing.T) {
	t.Parallel()
	authorization := make(chan string, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization <- r.Header.Get("Authorization")
	}))
	defer backend.Close()
	inbound := startInbound(t, []option.TargetOptions{backendTarget(t, "editor", backend)})
	request, err := http.NewRequest(http.MethodGet, inbound.server.URL+"/proxy/editor/", nil)
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer "+testToken)
	response, err := newTestClient().Do(request)
	require.NoError(t, err)
	response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Empty(t, <-authorization)
}

func TestInboundSessionCookieNotForwarded(t *testing.T) {
	t.Parallel()
	cookies := make(chan []string, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookies <- r.Header.Values("Cookie")
	}))
	defer backend.Close()
	inbound := startInbound(t, []option.TargetOptions{backendTarget(t, "editor", backend)})
	client := newTestClient()

	request, err := http.NewRequest(http.MethodGet, inbound.server.URL+"/proxy/editor/", nil)
	require.NoError(t, err)
	request.Header.Set("Cookie", "theme=dark; "+C.DefaultCookieName+"="+testToken+"; lang=en")
	response, err := client.Do(request)
	require.NoError(t, err)
	response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, []string{"theme=dark; lang=en"}, <-cookies)

	request, err = http.NewRequest(http.MethodGet, inbound.server.URL+"/proxy/editor/", nil)
	require.NoError(t, err)
	request.AddCookie(&http.Cookie{Name: C.DefaultCookieName, Value: testToken})
	response, err = client.Do(request)
	require.NoError(t, err)
	response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Empty(t, <-cookies)
}

func TestRemoveCookie(t *testing.T) {
	t.Parallel()
	header := http.Header{"Cookie": []string{"a=1; devgate_session=x", "devgate_session=y", "b=2"}}
	removeCookie(header, "devgate_session")
	require.Equal(t, []string{"a=1", "b=2"}, header.Values("Cookie"))
	header = http.Header{"Cookie": []string{"devgate_session=x"}}
	removeCookie(header, "devgate_session")
	require.Empty(t, header.Values("Cookie"))
}
