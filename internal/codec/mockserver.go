package codec

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/duplex/internal/audio"
	"github.com/ent0n29/duplex/internal/wire"
)

// ErrMockConnectRefused is returned by a mock transport told to fail Connect.
var ErrMockConnectRefused = errors.New("mock: connection refused")

const (
	mockWordMs     = 80
	mockDeltaBytes = 1000
	mockSessionTTL = 30 * time.Minute
)

// MockServer is an in-process provider speaking the Mock codec's wire format.
// Every Transport it hands out is a separate connection; handles issued on one
// connection can be resumed on a later one.
//
// By default it answers like a tiny echo model. WithoutReplies turns the
// script off so tests can drive events with Inject.
type MockServer struct {
	mu           sync.Mutex
	scripted     bool
	sessions     int
	handles      map[string]bool
	current      *mockConn
	conns        int
	ops          []wire.Op
	opsChanged   chan struct{}
	failConnects int
}

// MockOption configures a MockServer.
type MockOption func(*MockServer)

// WithoutReplies disables the scripted responses.
func WithoutReplies() MockOption {
	return func(s *MockServer) { s.scripted = false }
}

func NewMockServer(opts ...MockOption) *MockServer {
	s := &MockServer{
		scripted:   true,
		handles:    map[string]bool{},
		opsChanged: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transport returns a fresh, unconnected connection to the server.
func (s *MockServer) Transport() wire.Transport {
	return &mockConn{srv: s, notify: make(chan struct{}, 1)}
}

// FailConnects makes the next n Connect calls fail.
func (s *MockServer) FailConnects(n int) {
	s.mu.Lock()
	s.failConnects = n
	s.mu.Unlock()
}

// Connections reports how many connections were accepted.
func (s *MockServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// Ops returns every op received so far, across connections.
func (s *MockServer) Ops() []wire.Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Op(nil), s.ops...)
}

// CountOps reports how many received ops satisfy match.
func (s *MockServer) CountOps(match func(wire.Op) bool) int {
	n := 0
	for _, op := range s.Ops() {
		if match(op) {
			n++
		}
	}
	return n
}

// WaitForOps blocks until at least n received ops satisfy match.
func (s *MockServer) WaitForOps(ctx context.Context, n int, match func(wire.Op) bool) error {
	for {
		s.mu.Lock()
		count := 0
		for _, op := range s.ops {
			if match(op) {
				count++
			}
		}
		changed := s.opsChanged
		s.mu.Unlock()
		if count >= n {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("mock: waiting for %d ops (have %d): %w", n, count, ctx.Err())
		}
	}
}

// Inject queues events on the current connection.
func (s *MockServer) Inject(events ...wire.Event) error {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil {
		return errors.New("mock: no live connection")
	}
	return c.enqueue(events...)
}

// Drop breaks the current connection; its Receive fails from now on.
func (s *MockServer) Drop() {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c != nil {
		c.fail(errors.New("mock: connection reset by peer"))
	}
}

func (s *MockServer) accept(c *mockConn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failConnects > 0 {
		s.failConnects--
		return ErrMockConnectRefused
	}
	s.conns++
	s.current = c
	return nil
}

func (s *MockServer) record(op wire.Op) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	close(s.opsChanged)
	s.opsChanged = make(chan struct{})
	s.mu.Unlock()
}

func (s *MockServer) resolveHandle(requested string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if requested != "" && s.handles[requested] {
		return requested
	}
	s.sessions++
	h := fmt.Sprintf("mock-session-%d", s.sessions)
	s.handles[h] = true
	return h
}

func (s *MockServer) registerHandle(h string) {
	s.mu.Lock()
	s.handles[h] = true
	s.mu.Unlock()
}

type mockConn struct {
	srv    *MockServer
	notify chan struct{}

	mu        sync.Mutex
	connected bool
	closed    bool
	err       error
	queue     []wire.Message

	// script state, touched only from Send
	handle      string
	turns       int
	tools       []wire.Tool
	text        string
	audioBytes  int
	audioRate   int
	toolResults []wire.SendToolResult
}

func (c *mockConn) Connect(ctx context.Context, _ wire.Endpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.srv.accept(c); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *mockConn) Send(ctx context.Context, msg wire.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	live := c.connected && !c.closed && c.err == nil
	c.mu.Unlock()
	if !live {
		return net.ErrClosed
	}
	op, err := DecodeMockOp(msg)
	if err != nil {
		return err
	}
	c.srv.record(op)
	if !c.srv.scripted {
		return nil
	}
	return c.react(op)
}

func (c *mockConn) Receive(ctx context.Context) (wire.Message, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			msg := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return msg, nil
		}
		err := c.err
		if c.closed {
			err = net.ErrClosed
		}
		c.mu.Unlock()
		if err != nil {
			return wire.Message{}, err
		}
		select {
		case <-c.notify:
		case <-ctx.Done():
			return wire.Message{}, ctx.Err()
		}
	}
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wake()
	return nil
}

func (c *mockConn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *mockConn) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.queue = nil
	c.mu.Unlock()
	c.wake()
}

func (c *mockConn) enqueue(events ...wire.Event) error {
	msgs := make([]wire.Message, 0, len(events))
	for _, ev := range events {
		m, err := EncodeMockEvent(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	c.mu.Lock()
	if c.closed || c.err != nil {
		c.mu.Unlock()
		return net.ErrClosed
	}
	c.queue = append(c.queue, msgs...)
	c.mu.Unlock()
	c.wake()
	return nil
}

func (c *mockConn) react(op wire.Op) error {
	switch o := op.(type) {
	case wire.SessionConfigure:
		c.handle = c.srv.resolveHandle(o.ResumeHandle)
		c.tools = o.Tools
		return c.enqueue(wire.SessionReady{Handle: c.handle, ExpiresAt: time.Now().Add(mockSessionTTL)})
	case wire.OpenTextTurn:
		c.text = strings.TrimSpace(o.Text)
	case wire.AppendAudio:
		c.audioBytes += len(o.PCM)
		c.audioRate = o.Rate
	case wire.SendToolResult:
		c.toolResults = append(c.toolResults, o)
	case wire.CreateResponse:
		return c.respond()
	}
	return nil
}

func (c *mockConn) respond() error {
	c.turns++
	input := c.text
	heard := c.audioBytes
	results := c.toolResults
	c.text, c.audioBytes, c.toolResults = "", 0, nil

	if len(results) == 0 {
		if name, args, ok := c.toolRequest(input); ok {
			id := fmt.Sprintf("item_%d", c.turns)
			half := len(args) / 2
			return c.enqueue(
				wire.TurnStarted{},
				wire.ToolCallStarted{ID: id, CallID: fmt.Sprintf("call_%d", c.turns), Name: name},
				wire.ToolArgsDelta{ID: id, Fragment: args[:half]},
				wire.ToolArgsDelta{ID: id, Fragment: args[half:]},
				wire.ToolCallDone{ID: id},
				wire.TurnComplete{Usage: wire.Usage{InputTokens: len(strings.Fields(input))}},
			)
		}
	}

	var reply string
	switch {
	case len(results) > 0:
		parts := make([]string, 0, len(results))
		for _, r := range results {
			parts = append(parts, fmt.Sprintf("%s returned %s", r.Name, r.Payload))
		}
		reply = "Done: " + strings.Join(parts, "; ") + "."
	case input != "":
		reply = "You said: " + input
	case heard > 0:
		reply = fmt.Sprintf("I heard %d ms of audio.", audio.Duration(heard, c.audioRate).Milliseconds())
	default:
		reply = "I'm listening."
	}

	words := strings.Fields(reply)
	events := []wire.Event{wire.TurnStarted{}}
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		events = append(events, wire.TextDelta{Text: w})
	}
	pcm := mockTone(len(words)*mockWordMs, audio.SampleRate24kHz)
	for len(pcm) > 0 {
		n := min(mockDeltaBytes, len(pcm))
		events = append(events, wire.AudioDelta{PCM: pcm[:n]})
		pcm = pcm[n:]
	}
	next := fmt.Sprintf("%s.%d", c.handle, c.turns)
	c.srv.registerHandle(next)
	events = append(events,
		wire.TurnComplete{Usage: wire.Usage{InputTokens: len(strings.Fields(input)), OutputTokens: len(words)}},
		wire.ResumptionUpdate{Handle: next},
	)
	return c.enqueue(events...)
}

// toolRequest matches "/tool <name> [json]" against the configured tools.
func (c *mockConn) toolRequest(input string) (string, string, bool) {
	rest, ok := strings.CutPrefix(input, "/tool ")
	if !ok {
		return "", "", false
	}
	name, args, _ := strings.Cut(strings.TrimSpace(rest), " ")
	args = strings.TrimSpace(args)
	if args == "" {
		args = "{}"
	}
	for _, t := range c.tools {
		if t.Name == name {
			return name, args, true
		}
	}
	return "", "", false
}

func mockTone(ms, rate int) []byte {
	n := rate * ms / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(math.Sin(2*math.Pi*440*float64(i)/float64(rate)) * 6000)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
