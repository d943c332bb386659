package reverse

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sagernet/devgate/option"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const closeRequest = "close-please"

func startEchoBackend(t *testing.T, prefix string, closed chan<- struct{}) *httptest.Server {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:    []string{"chat"},
			CompressionMode: websocket.CompressionDisabled,
		})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		if closed != nil {
			defer func() {
				closed <- struct{}{}
			}()
		}
		conn.SetReadLimit(1 << 22)
		ctx := context.Background()
		for {
			messageType, message, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if string(message) == closeRequest {
				conn.Close(websocket.StatusCode(4000), "bye")
				return
			}
			err = conn.Write(ctx, messageType, append([]byte(prefix), message...))
			if err != nil {
				return
			}
		}
	}))
	t.Cleanup(backend.Close)
	return backend
}

func websocketTarget(t *testing.T, id string, backend *httptest.Server) option.TargetOptions {
	target := backendTarget(t, id, backend)
	target.WebSocket = true
	return target
}

func dialInbound(ctx context.Context, inbound *testInbound, path string) (*websocket.Conn, *http.Response, error) {
	return websocket.Dial(ctx, "ws"+strings.TrimPrefix(inbound.server.URL, "http")+path, &websocket.DialOptions{
		HTTPHeader:      http.Header{"Origin": []string{"https://public.example"}},
		Subprotocols:    []string{"chat"},
		CompressionMode: websocket.CompressionDisabled,
	})
}

func TestWebSocketRelayOrder(t *testing.T) {
	t.Parallel()
	backend := startEchoBackend(t, "", nil)
	inbound := startInbound(t, []option.TargetOptions{websocketTarget(t, "editor", backend)})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	conn, _, err := dialInbound(ctx, inbound, "/proxy/editor/ws?tkn="+testToken)
	require.NoError(t, err)
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 22)
	require.Equal(t, "chat", conn.Subprotocol())

	var messages [][]byte
	for i := 0; i < 64; i++ {
		size := (i * 997) % 4096
		if i%16 == 0 {
			size = 300 * 1024
		}
		messages = append(messages, append([]byte(strconv.Itoa(i)+":"), bytes.Repeat([]byte{'a' + byte(i%26)}, size)...))
	}
	writeErr := make(chan error, 1)
	go func() {
		for i, message := range messages {
			messageType := websocket.MessageText
			if i%2 == 1 {
				messageType = websocket.MessageBinary
			}
			err := conn.Write(ctx, messageType, message)
			if err != nil {
				writeErr <- err
				return
			}
		}
		writeErr <- nil
	}()
	for i, message := range messages {
		messageType, echoed, err := conn.Read(ctx)
		require.NoError(t, err)
		if i%2 == 1 {
			require.Equal(t, websocket.MessageBinary, messageType)
		} else {
			require.Equal(t, websocket.MessageText, messageType)
		}
		require.Equal(t, message, echoed, "message %d", i)
	}
	require.NoError(t, <-writeErr)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.EqualValues(t, 1, inbound.dialer.dials.Load())
}

func TestWebSocketUnauthenticated(t *testing.T) {
	t.Parallel()
	backend := startEchoBackend(t, "", nil)
	inbound := startInbound(t, []option.TargetOptions{websocketTarget(t, "editor", backend)})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, path := range []string{"/proxy/editor/ws", "/proxy/editor/ws?tkn=wrong"} {
		conn, _, err := dialInbound(ctx, inbound, path)
		require.NoError(t, err)
		_, _, err = conn.Read(ctx)
		require.Equal(t, websocket.StatusCode(StatusUnauthenticated), websocket.CloseStatus(err))
		conn.CloseNow()
	}
	require.Zero(t, inbound.dialer.dials.Load())
}

func TestWebSocketNotEnabled(t *testing.T) {
	t.Parallel()
	backend := startEchoBackend(t, "", nil)
	inbound := startInbound(t, []option.TargetOptions{backendTarget(t, "editor", backend)})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, response, err := dialInbound(ctx, inbound, "/proxy/editor/ws?tkn="+testToken)
	require.Error(t, err)
	require.NotNil(t, response)
	require.Equal(t, http.StatusForbidden, response.StatusCode)
	require.Zero(t, inbound.dialer.dials.Load())
}

func TestWebSocketTargetUnreachable(t *testing.T) {
	t.Parallel()
	inbound := startInbound(t, []option.TargetOptions{closedTarget(t, "editor")})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := dialInbound(ctx, inbound, "/proxy/editor/ws?tkn="+testToken)
	require.NoError(t, err)
	defer conn.CloseNow()
	_, _, err = conn.Read(ctx)
	var closeErr websocket.CloseError
	require.True(t, errors.As(err, &closeErr))
	require.Equal(t, websocket.StatusCode(StatusBadGateway), closeErr.Code)
	require.Equal(t, "target_unreachable", closeErr.Reason)
}

func TestWebSocketBackendClose(t *testing.T) {
	t.Parallel()
	backend := startEchoBackend(t, "", nil)
	inbound := startInbound(t, []option.TargetOptions{websocketTarget(t, "editor", backend)})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := dialInbound(ctx, inbound, "/proxy/editor/ws?tkn="+testToken)
	require.NoError(t, err)
	defer conn.CloseNow()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(closeRequest)))
	_, _, err = conn.Read(ctx)
	require.Equal(t, websocket.StatusCode(4000), websocket.CloseStatus(err))
}

func TestWebSocketClientCloseReleasesBackend(t *testing.T) {
	closed := make(chan struct{}, 16)
	backend := startEchoBackend(t, "", closed)
	inbound := startInbound(t, []option.TargetOptions{websocketTarget(t, "editor", backend)})
	targetRoute, loaded := inbound.registry.Lookup("editor")
	require.True(t, loaded)
	ignore := goleak.IgnoreCurrent()
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, _, err := dialInbound(ctx, inbound, "/proxy/editor/ws?tkn="+testToken)
		require.NoError(t, err)
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("hello")))
		_, message, err := conn.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, "hello", string(message))
		require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
		select {
		case <-closed:
		case <-time.After(3 * time.Second):
			t.Fatal("backend session still open after client close")
		}
		cancel()
	}
	require.Eventually(t, func() bool {
		return targetRoute.Status.Active() == 0
	}, 3*time.Second, 10*time.Millisecond)
	goleak.VerifyNone(t, ignore,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func TestWebSocketConcurrentSessions(t *testing.T) {
	t.Parallel()
	const sessions = 50
	var targets []option.TargetOptions
	for i := 0; i < sessions; i++ {
		id := "t" + strconv.Itoa(i)
		targets = append(targets, websocketTarget(t, id, startEchoBackend(t, id+":", nil)))
	}
	inbound := startInbound(t, targets)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var group sync.WaitGroup
	for i := 0; i < sessions; i++ {
		id := "t" + strconv.Itoa(i)
		group.Add(1)
		go func() {
			defer group.Done()
			conn, _, err := dialInbound(ctx, inbound, "/proxy/"+id+"/?tkn="+testToken)
			if !assert.NoError(t, err, id) {
				return
			}
			defer conn.CloseNow()
			for j := 0; j < 20; j++ {
				message := "m" + strconv.Itoa(j)
				if !assert.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(message)), id) {
					return
				}
				_, echoed, err := conn.Read(ctx)
				if !assert.NoError(t, err, id) {
					return
				}
				assert.Equal(t, id+":"+message, string(echoed))
			}
			assert.NoError(t, conn.Close(websocket.StatusNormalClosure, ""), id)
		}()
	}
	group.Wait()
	require.EqualValues(t, sessions, inbound.dialer.dials.Load())
}
