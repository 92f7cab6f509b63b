// Package transport provides network transports for the realtime engine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/duplex/internal/reliability"
	"github.com/ent0n29/duplex/internal/wire"
)

const (
	defaultHandshakeTimeout = 8 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultReadLimit        = 16 << 20
	defaultPingInterval     = 20 * time.Second
	readBacklog             = 256
)

// Options tunes a WebSocket transport. Zero values pick defaults; a negative
// PingInterval disables the heartbeat.
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	PingInterval     time.Duration
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.PingInterval == 0 {
		o.PingInterval = defaultPingInterval
	}
	return o
}

// DialError reports a failed handshake. Status is zero when no HTTP response
// was received.
type DialError struct {
	Status int
	Err    error
}

func (e *DialError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("websocket dial failed (%d %s): %v", e.Status, http.StatusText(e.Status), e.Err)
	}
	return fmt.Sprintf("websocket dial failed: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *DialError) Retryable() bool {
	return e.Status == 0 || reliability.IsRetryableHTTPStatus(e.Status)
}

type readResult struct {
	msg wire.Message
	err error
}

// WebSocket is a wire.Transport over one gorilla/websocket connection.
// Send may be called from several goroutines; Receive from one.
type WebSocket struct {
	opts   Options
	dialer websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu   sync.Mutex
	reads     chan readResult
	done      chan struct{}
	closeOnce sync.Once
}

func NewWebSocket(opts Options) *WebSocket {
	opts = opts.withDefaults()
	return &WebSocket{
		opts: opts,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		reads: make(chan readResult, readBacklog),
		done:  make(chan struct{}),
	}
}

// Factory returns a constructor producing one fresh transport per connection.
func Factory(opts Options) func() wire.Transport {
	return func() wire.Transport { return NewWebSocket(opts) }
}

func (w *WebSocket) Connect(ctx context.Context, ep wire.Endpoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return errors.New("websocket already connected")
	}
	select {
	case <-w.done:
		return net.ErrClosed
	default:
	}

	conn, resp, err := w.dialer.DialContext(ctx, ep.URL, ep.Header)
	if err != nil {
		de := &DialError{Err: err}
		if resp != nil {
			de.Status = resp.StatusCode
			_ = resp.Body.Close()
		}
		return de
	}
	conn.SetReadLimit(w.opts.ReadLimit)
	w.conn = conn

	go w.readLoop(conn)
	if w.opts.PingInterval > 0 {
		go w.pingLoop(conn)
	}
	return nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		var r readResult
		if err != nil {
			r.err = fmt.Errorf("websocket receive: %w", err)
		} else {
			kind := wire.TextMessage
			if mt == websocket.BinaryMessage {
				kind = wire.BinaryMessage
			}
			r.msg = wire.Message{Kind: kind, Data: data}
		}
		select {
		case w.reads <- r:
		case <-w.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (w *WebSocket) pingLoop(conn *websocket.Conn) {
	t := time.NewTicker(w.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (w *WebSocket) current() (*websocket.Conn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return nil, net.ErrClosed
	default:
	}
	if w.conn == nil {
		return nil, errors.New("websocket not connected")
	}
	return w.conn, nil
}

func (w *WebSocket) Send(ctx context.Context, msg wire.Message) error {
	conn, err := w.current()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	mt := websocket.TextMessage
	if msg.Kind == wire.BinaryMessage {
		mt = websocket.BinaryMessage
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	deadline := time.Now().Add(w.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(mt, msg.Data); err != nil {
		return fmt.Errorf("websocket send: %w", err)
	}
	return nil
}

func (w *WebSocket) Receive(ctx context.Context) (wire.Message, error) {
	if _, err := w.current(); err != nil {
		return wire.Message{}, err
	}
	select {
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	case <-w.done:
		return wire.Message{}, net.ErrClosed
	case r := <-w.reads:
		return r.msg, r.err
	}
}

// Close sends a normal close frame and tears the connection down. It is safe
// to call more than once.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		conn := w.conn
		close(w.done)
		w.mu.Unlock()
		if conn == nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = conn.Close()
	})
	return err
}
