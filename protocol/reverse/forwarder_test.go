package reverse

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	C "github.com/sagernet/devgate/constant"
	"github.com/sagernet/devgate/option"
	"github.com/sagernet/sing/common/json/badoption"

	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, content []byte) []byte {
	var buffer bytes.Buffer
	writer := gzip.NewWriter(&buffer)
	_, err := writer.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return buffer.Bytes()
}

func gunzipBytes(t *testing.T, content []byte) []byte {
	reader, err := gzip.NewReader(bytes.NewReader(content))
	require.NoError(t, err)
	decoded, err := io.ReadAll(reader)
	require.NoError(t, err)
	return decoded
}

func TestForwardPassthrough(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 256*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	compressed := gzipBytes(t, payload)
	received := make(chan *http.Request, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Length", strconv.Itoa(len(compressed)))
		w.Header().Set("ETag", `"v1"`)
		w.Write(compressed)
	}))
	defer backend.Close()
	target := backendTarget(t, "editor", backend)
	inbound := startInbound(t, []option.TargetOptions{target})

	request, err := http.NewRequest(http.MethodGet, inbound.server.URL+"/proxy/editor/download/blob?b=2&tkn="+testToken+"&a=1", nil)
	require.NoError(t, err)
	request.Header.Set("Accept-Encoding", "gzip, compress")
	request.Header.Set("Origin", "https://public.example")
	response, err := newTestClient().Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	require.Equal(t, compressed, body)
	require.Equal(t, "gzip", response.Header.Get("Content-Encoding"))
	require.Equal(t, `"v1"`, response.Header.Get("ETag"))

	backendRequest := <-received
	destination := backend.Listener.Addr().String()
	require.Equal(t, "/download/blob", backendRequest.URL.Path)
	require.Equal(t, "b=2&a=1", backendRequest.URL.RawQuery)
	require.Equal(t, destination, backendRequest.Host)
	require.Equal(t, "http://"+destination, backendRequest.Header.Get("Origin"))
	require.Equal(t, "gzip, compress", backendRequest.Header.Get("Accept-Encoding"))
	require.NotEmpty(t, backendRequest.Header.Get(C.RequestIDHeader))
	require.NotEmpty(t, backendRequest.Header.Get("X-Forwarded-For"))
	require.EqualValues(t, 1, inbound.dialer.dials.Load())
}

func TestForwardStreamsRequestBody(t *testing.T) {
	t.Parallel()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		io.Copy(w, r.Body)
	}))
	defer backend.Close()
	inbound := startInbound(t, []option.TargetOptions{backendTarget(t, "editor", backend)})
	payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)
	response, err := newTestClient().Post(inbound.server.URL+"/proxy/editor/upload?tkn="+testToken, "application/octet-stream", bytes.NewReader(payload))
	require.NoError(t, err)
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	require.Equal(t, payload, body)
}

func TestForwardRewrite(t *testing.T) {
	t.Parallel()
	page := []byte(`<html><script src="/static/app.js"></script><script>fetch("/api/session")</script></html>`)
	compressed := gzipBytes(t, page)
	acceptEncoding := make(chan string, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acceptEncoding <- r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Length", strconv.Itoa(len(compressed)))
		w.Header().Set("ETag", `"v1"`)
		w.Write(compressed)
	}))
	defer backend.Close()
	target := backendTarget(t, "editor", backend)
	target.Rewrite = &option.RewriteOptions{
		Paths: badoption.Listable[string]{"/api/", "/static/"},
	}
	inbound := startInbound(t, []option.TargetOptions{target})

	request, err := http.NewRequest(http.MethodGet, inbound.server.URL+"/proxy/editor/?tkn="+testToken, nil)
	require.NoError(t, err)
	request.Header.Set("Accept-Encoding", "gzip, compress, br")
	response, err := newTestClient().Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, "gzip, br", <-acceptEncoding)
	require.Equal(t, http.StatusOK, response.StatusCode)
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(len(body)), response.Header.Get("Content-Length"))
	require.Equal(t, "gzip", response.Header.Get("Content-Encoding"))
	require.Empty(t, response.Header.Get("ETag"))
	require.Equal(t,
		`<html><script src="/proxy/editor/static/app.js"></script><script>fetch("/proxy/editor/api/session")</script></html>`,
		string(gunzipBytes(t, body)),
	)
}

func TestForwardMissingAsset(t *testing.T) {
	t.Parallel()
	backend := httptest.NewServer(http.NotFoundHandler())
	defer backend.Close()
	target := backendTarget(t, "editor", backend)
	target.MissingAssets = badoption.Listable[string]{"/static/chat.js"}
	inbound := startInbound(t, []option.TargetOptions{target})
	client := newTestClient()

	response, err := client.Get(inbound.server.URL + "/proxy/editor/static/chat.js?tkn=" + testToken)
	require.NoError(t, err)
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Empty(t, body)
	require.Equal(t, "0", response.Header.Get("Content-Length"))
	require.Contains(t, response.Header.Get("Content-Type"), "javascript")

	response, err = client.Get(inbound.server.URL + "/proxy/editor/static/other.js?tkn=" + testToken)
	require.NoError(t, err)
	response.Body.Close()
	require.Equal(t, http.StatusNotFound, response.StatusCode)
}

func TestForwardTargetUnreachable(t *testing.T) {
	t.Parallel()
	inbound := startInbound(t, []option.TargetOptions{closedTarget(t, "editor")})
	response, err := newTestClient().Get(inbound.server.URL + "/proxy/editor/?tkn=" + testToken)
	require.NoError(t, err)
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, response.StatusCode)
	require.Contains(t, string(body), "target_unreachable")

	targetRoute, loaded := inbound.registry.Lookup("editor")
	require.True(t, loaded)
	status := targetRoute.Status.Snapshot()
	require.EqualValues(t, 1, status.Failures)
	require.Equal(t, "target_unreachable", status.LastErrorKind)
}

func TestForwardResponseHeaderTimeout(t *testing.T) {
	t.Parallel()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer backend.Close()
	target := backendTarget(t, "editor", backend)
	target.ResponseHeaderTimeout = badoption.Duration(200 * time.Millisecond)
	inbound := startInbound(t, []option.TargetOptions{target})
	response, err := newTestClient().Get(inbound.server.URL + "/proxy/editor/?tkn=" + testToken)
	require.NoError(t, err)
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusGatewayTimeout, response.StatusCode)
	require.True(t, strings.Contains(string(body), "target_timeout"))
}

func TestWithoutToken(t *testing.T) {
	t.Parallel()
	require.Equal(t, "", withoutToken(""))
	require.Equal(t, "a=1", withoutToken("a=1"))
	require.Equal(t, "a=1&b=%2F", withoutToken("tkn=x&a=1&b=%2F"))
	require.Equal(t, "", withoutToken("tkn=x"))
	require.Equal(t, "tkn2=y", withoutToken("tkn2=y&tkn=x"))
}
