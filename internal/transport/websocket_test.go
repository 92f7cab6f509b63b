package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/duplex/internal/wire"
)

// echoServer upgrades every request and echoes frames back. The upgrade
// request's Authorization header is pushed as the first frame.
func echoServer(t *testing.T) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(r.Header.Get("Authorization")))
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws := NewWebSocket(Options{})
	defer ws.Close()
	h := http.Header{}
	h.Set("Authorization", "Bearer test")
	require.NoError(t, ws.Connect(ctx, wire.Endpoint{URL: echoServer(t), Header: h}))

	first, err := ws.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bearer test", string(first.Data))

	require.NoError(t, ws.Send(ctx, wire.Message{Kind: wire.TextMessage, Data: []byte(`{"type":"ping"}`)}))
	require.NoError(t, ws.Send(ctx, wire.Message{Kind: wire.BinaryMessage, Data: []byte{1, 2, 3}}))

	got, err := ws.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.Message{Kind: wire.TextMessage, Data: []byte(`{"type":"ping"}`)}, got)
	got, err = ws.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.Message{Kind: wire.BinaryMessage, Data: []byte{1, 2, 3}}, got)
}

func TestWebSocketCloseUnblocksReceive(t *testing.T) {
	ctx := context.Background()
	ws := NewWebSocket(Options{PingInterval: -1})
	require.NoError(t, ws.Connect(ctx, wire.Endpoint{URL: echoServer(t)}))
	_, err := ws.Receive(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ws.Receive(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ws.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive still blocked after Close")
	}
	assert.ErrorIs(t, ws.Send(ctx, wire.Message{Kind: wire.TextMessage}), net.ErrClosed)
	assert.NoError(t, ws.Close())
}

func TestWebSocketReceiveHonorsContext(t *testing.T) {
	ws := NewWebSocket(Options{})
	defer ws.Close()
	require.NoError(t, ws.Connect(context.Background(), wire.Endpoint{URL: echoServer(t)}))
	_, err := ws.Receive(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = ws.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebSocketDialErrorClassification(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	err := NewWebSocket(Options{}).Connect(context.Background(), wire.Endpoint{URL: url})
	var de *DialError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, http.StatusServiceUnavailable, de.Status)
	assert.True(t, de.Retryable())

	status = http.StatusUnauthorized
	err = NewWebSocket(Options{}).Connect(context.Background(), wire.Endpoint{URL: url})
	require.True(t, errors.As(err, &de))
	assert.False(t, de.Retryable())
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
}

func TestWebSocketNotConnected(t *testing.T) {
	ws := NewWebSocket(Options{})
	assert.Error(t, ws.Send(context.Background(), wire.Message{}))
	_, err := ws.Receive(context.Background())
	assert.Error(t, err)
}

func TestWebSocketPeerCloseSurfaces(t *testing.T) {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
		_ = conn.Close()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws := NewWebSocket(Options{})
	defer ws.Close()
	require.NoError(t, ws.Connect(ctx, wire.Endpoint{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}))
	_, err := ws.Receive(ctx)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(errors.Unwrap(err), websocket.CloseGoingAway))
}
