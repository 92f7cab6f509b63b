package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/duplex/internal/audio"
	"github.com/ent0n29/duplex/internal/codec"
	"github.com/ent0n29/duplex/internal/conversation"
	"github.com/ent0n29/duplex/internal/logger"
	"github.com/ent0n29/duplex/internal/observability"
	"github.com/ent0n29/duplex/internal/protocol"
	"github.com/ent0n29/duplex/internal/realtime"
	"github.com/ent0n29/duplex/internal/session"
	"github.com/ent0n29/duplex/internal/tools"
	"github.com/ent0n29/duplex/internal/wire"
)

type fixture struct {
	srv      *codec.MockServer
	store    *conversation.InMemoryStore
	sessions *session.Manager
	o        *Orchestrator
}

func newFixture(t *testing.T, srv *codec.MockServer, reg *tools.Registry) *fixture {
	t.Helper()
	log := logger.New(io.Discard, "text")
	f := &fixture{
		srv:      srv,
		store:    conversation.NewInMemoryStore(),
		sessions: session.NewManager(time.Minute),
	}
	f.o = NewOrchestrator(f.sessions, Config{
		Provider: "mock",
		Engine: realtime.Options{
			Codec:            func() wire.Codec { return codec.NewMock() },
			Transport:        srv.Transport,
			CallTimeout:      2 * time.Second,
			StopPollInterval: 10 * time.Millisecond,
		},
		Store:   f.store,
		Tools:   reg,
		Metrics: observability.NewMetrics(fmt.Sprintf("duplex_test_gateway_%d", time.Now().UnixNano())),
		Logger:  log,
	})
	t.Cleanup(func() { f.sessions.Shutdown(context.Background()) })
	return f
}

func (f *fixture) start(t *testing.T, req session.CreateRequest) *session.Session {
	t.Helper()
	sess, _, err := f.o.StartSession(context.Background(), req)
	require.NoError(t, err)
	return sess
}

type client struct {
	t   *testing.T
	in  chan any
	out chan any
}

func (f *fixture) connect(t *testing.T, sess *session.Session) *client {
	t.Helper()
	c := &client{t: t, in: make(chan any, 16), out: make(chan any, 256)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.o.RunConnection(ctx, sess, c.in, c.out)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	attached := c.until(func(msg any) bool { _, ok := msg.(protocol.SystemEvent); return ok })
	require.Equal(t, "session_attached", attached[0].(protocol.SystemEvent).Code)
	return c
}

// until collects outbound messages up to and including the first one stop accepts.
func (c *client) until(stop func(any) bool) []any {
	c.t.Helper()
	deadline := time.After(3 * time.Second)
	var got []any
	for {
		select {
		case msg := <-c.out:
			got = append(got, msg)
			if stop(msg) {
				return got
			}
		case <-deadline:
			c.t.Fatalf("timed out; received %d messages: %+v", len(got), got)
		}
	}
}

func turnEnd(pred func(protocol.AssistantTurnEnd) bool) func(any) bool {
	return func(msg any) bool {
		end, ok := msg.(protocol.AssistantTurnEnd)
		return ok && (pred == nil || pred(end))
	}
}

func textOf(msgs []any, turnID string) string {
	var b strings.Builder
	for _, m := range msgs {
		if d, ok := m.(protocol.AssistantTextDelta); ok && d.TurnID == turnID {
			b.WriteString(d.TextDelta)
		}
	}
	return b.String()
}

func TestTextTurnStreamsToClient(t *testing.T) {
	f := newFixture(t, codec.NewMockServer(), nil)
	sess := f.start(t, session.CreateRequest{UserID: "u1"})
	c := f.connect(t, sess)

	c.in <- protocol.ClientTextTurn{Type: protocol.TypeClientTextTurn, Text: "hello there"}
	msgs := c.until(turnEnd(nil))
	end := msgs[len(msgs)-1].(protocol.AssistantTurnEnd)

	assert.Equal(t, "complete", end.Reason)
	assert.Equal(t, "You said: hello there", end.Text)
	assert.Equal(t, "You said: hello there", textOf(msgs, end.TurnID))
	assert.Equal(t, protocol.Usage{InputTokens: 2, OutputTokens: 4}, end.Usage)

	var chunks []protocol.AssistantAudioChunk
	for _, m := range msgs {
		if a, ok := m.(protocol.AssistantAudioChunk); ok {
			chunks = append(chunks, a)
		}
	}
	require.NotEmpty(t, chunks)
	for i, ch := range chunks {
		assert.Equal(t, i+1, ch.Seq)
		assert.Equal(t, audio.SampleRate24kHz, ch.SampleRate)
		assert.Equal(t, end.TurnID, ch.TurnID)
	}
	finals := 0
	for _, ch := range chunks {
		if ch.Final {
			finals++
		}
	}
	assert.Equal(t, 1, finals)
	assert.True(t, chunks[len(chunks)-1].Final)

	require.Eventually(t, func() bool {
		got, err := f.sessions.Get(sess.ID)
		return err == nil && got.CompletedTurns == 1 && got.ActiveTurnID == ""
	}, time.Second, 5*time.Millisecond)
}

func TestStartSessionResumesStoredConversation(t *testing.T) {
	f := newFixture(t, codec.NewMockServer(), nil)
	first := f.start(t, session.CreateRequest{})
	c := f.connect(t, first)
	c.in <- protocol.ClientTextTurn{Type: protocol.TypeClientTextTurn, Text: "remember me"}
	c.until(turnEnd(nil))

	require.Eventually(t, func() bool {
		r, err := f.store.Load(context.Background(), first.ConversationID)
		return err == nil && r.ResumptionHandle == "mock-session-1.1"
	}, time.Second, 5*time.Millisecond)
	_, err := f.o.EndSession(context.Background(), first.ID)
	require.NoError(t, err)

	second, resumed, err := f.o.StartSession(context.Background(), session.CreateRequest{ConversationID: first.ConversationID})
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	var cfgs []wire.SessionConfigure
	for _, op := range f.srv.Ops() {
		if sc, ok := op.(wire.SessionConfigure); ok {
			cfgs = append(cfgs, sc)
		}
	}
	require.Len(t, cfgs, 2)
	assert.Empty(t, cfgs[0].ResumeHandle)
	assert.Equal(t, "mock-session-1.1", cfgs[1].ResumeHandle)
}

func TestStartSessionSkipsExpiredConversationHandle(t *testing.T) {
	f := newFixture(t, codec.NewMockServer(), nil)
	first := f.start(t, session.CreateRequest{})
	require.Eventually(t, func() bool {
		r, err := f.store.Load(context.Background(), first.ConversationID)
		return err == nil && r.ResumptionHandle == "mock-session-1"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.srv.Inject(wire.Error{Code: wire.CodeSessionExpired, Message: "expired"}))
	require.Eventually(t, func() bool {
		r, err := f.store.Load(context.Background(), first.ConversationID)
		return err == nil && !r.HandleExpiresAt.IsZero()
	}, time.Second, 5*time.Millisecond)
	_, err := f.o.EndSession(context.Background(), first.ID)
	require.NoError(t, err)

	_, resumed, err := f.o.StartSession(context.Background(), session.CreateRequest{ConversationID: first.ConversationID})
	require.NoError(t, err)
	assert.False(t, resumed)

	var cfgs []wire.SessionConfigure
	for _, op := range f.srv.Ops() {
		if sc, ok := op.(wire.SessionConfigure); ok {
			cfgs = append(cfgs, sc)
		}
	}
	require.Len(t, cfgs, 2)
	assert.Empty(t, cfgs[1].ResumeHandle)
}

func TestLocalToolsRunAndContinue(t *testing.T) {
	reg := tools.NewRegistry(tools.WithLogger(logger.New(io.Discard, "text")))
	require.NoError(t, reg.Register(tools.Definition{Name: "weather"}, func(_ context.Context, raw json.RawMessage) (any, error) {
		var args struct{ City string }
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		return map[string]string{"city": args.City, "sky": "clear"}, nil
	}))
	f := newFixture(t, codec.NewMockServer(), reg)
	sess := f.start(t, session.CreateRequest{})
	c := f.connect(t, sess)

	c.in <- protocol.ClientTextTurn{Type: protocol.TypeClientTextTurn, Text: `/tool weather {"city":"Rome"}`}
	msgs := c.until(turnEnd(func(e protocol.AssistantTurnEnd) bool { return e.FollowUpOf != "" }))

	followUp := msgs[len(msgs)-1].(protocol.AssistantTurnEnd)
	assert.Equal(t, "complete", followUp.Reason)
	assert.Equal(t, `Done: weather returned {"city":"Rome","sky":"clear"}.`, followUp.Text)
	for _, m := range msgs {
		_, forwarded := m.(protocol.ToolCalls)
		assert.False(t, forwarded, "registered tools must not be forwarded")
	}
}

func TestUnknownToolsAreForwardedToClient(t *testing.T) {
	f := newFixture(t, codec.NewMockServer(), nil)
	sess := f.start(t, session.CreateRequest{})
	require.NoError(t, f.o.UpdateTools(context.Background(), sess.ID, []wire.Tool{{Name: "clock"}}, false))
	c := f.connect(t, sess)

	c.in <- protocol.ClientTextTurn{Type: protocol.TypeClientTextTurn, Text: "/tool clock"}
	msgs := c.until(func(m any) bool { _, ok := m.(protocol.ToolCalls); return ok })
	calls := msgs[len(msgs)-1].(protocol.ToolCalls)
	require.Len(t, calls.Calls, 1)
	assert.Equal(t, "clock", calls.Calls[0].Name)
	assert.Equal(t, "{}", calls.Calls[0].Arguments)

	c.in <- protocol.ClientToolResults{
		Type:     protocol.TypeClientToolResults,
		Results:  []protocol.ToolResult{{CallID: calls.Calls[0].CallID, Name: "clock", Output: `"noon"`}},
		Continue: true,
	}
	msgs = c.until(turnEnd(func(e protocol.AssistantTurnEnd) bool { return e.FollowUpOf == calls.TurnID }))
	assert.Equal(t, `Done: clock returned "noon".`, msgs[len(msgs)-1].(protocol.AssistantTurnEnd).Text)
}

func TestCancelControlStopsTurn(t *testing.T) {
	f := newFixture(t, codec.NewMockServer(codec.WithoutReplies()), nil)
	sess := f.start(t, session.CreateRequest{})
	c := f.connect(t, sess)

	c.in <- protocol.ClientTextTurn{Type: protocol.TypeClientTextTurn, Text: "long story"}
	started := c.until(func(m any) bool { _, ok := m.(protocol.TurnStarted); return ok })
	turnID := started[len(started)-1].(protocol.TurnStarted).TurnID

	c.in <- protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionCancel}
	msgs := c.until(turnEnd(nil))
	end := msgs[len(msgs)-1].(protocol.AssistantTurnEnd)
	assert.Equal(t, turnID, end.TurnID)
	assert.Equal(t, "cancelled", end.Reason)

	require.Eventually(t, func() bool {
		got, err := f.sessions.Get(sess.ID)
		return err == nil && got.InterruptionCount == 1
	}, time.Second, 5*time.Millisecond)

	c.in <- protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionCancel}
	msgs = c.until(func(m any) bool { _, ok := m.(protocol.SystemEvent); return ok })
	assert.Equal(t, "nothing_to_cancel", msgs[len(msgs)-1].(protocol.SystemEvent).Code)
}

func TestClientErrorsAreReported(t *testing.T) {
	f := newFixture(t, codec.NewMockServer(), nil)
	sess := f.start(t, session.CreateRequest{TurnMode: "manual"})
	c := f.connect(t, sess)

	c.in <- protocol.ClientToolResults{Type: protocol.TypeClientToolResults, Results: []protocol.ToolResult{{CallID: "c1"}}}
	msgs := c.until(func(m any) bool { _, ok := m.(protocol.ErrorEvent); return ok })
	assert.Equal(t, "no_pending_tools", msgs[len(msgs)-1].(protocol.ErrorEvent).Code)

	c.in <- protocol.ClientAudioChunk{Type: protocol.TypeClientAudioChunk, PCM16Base64: "%%", SampleRate: 16000}
	msgs = c.until(func(m any) bool { _, ok := m.(protocol.ErrorEvent); return ok })
	assert.Equal(t, "invalid_request", msgs[len(msgs)-1].(protocol.ErrorEvent).Code)
}

func TestManualModePushAndCommit(t *testing.T) {
	f := newFixture(t, codec.NewMockServer(), nil)
	sess := f.start(t, session.CreateRequest{TurnMode: "manual"})
	assert.Equal(t, "manual", sess.TurnMode)
	c := f.connect(t, sess)

	frame := protocol.EncodeAudio(make([]byte, 3200))
	c.in <- protocol.ClientAudioChunk{Type: protocol.TypeClientAudioChunk, Seq: 1, PCM16Base64: frame, SampleRate: 16000}
	c.in <- protocol.ClientAudioChunk{Type: protocol.TypeClientAudioChunk, Seq: 2, PCM16Base64: frame, SampleRate: 16000}
	c.in <- protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionCommit}

	msgs := c.until(turnEnd(nil))
	assert.Equal(t, "I heard 200 ms of audio.", msgs[len(msgs)-1].(protocol.AssistantTurnEnd).Text)
}

func TestStartSessionRejectsUnknownTurnMode(t *testing.T) {
	f := newFixture(t, codec.NewMockServer(), nil)
	_, _, err := f.o.StartSession(context.Background(), session.CreateRequest{TurnMode: "sometimes"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, f.sessions.ActiveCount())
}

func TestStartSessionFailsWhenProviderIsDown(t *testing.T) {
	srv := codec.NewMockServer()
	srv.FailConnects(10)
	f := newFixture(t, srv, nil)
	_, _, err := f.o.StartSession(context.Background(), session.CreateRequest{})
	require.ErrorIs(t, err, realtime.ErrRealtimeUnavailable)
	assert.Zero(t, f.sessions.ActiveCount())
}

func TestSendDeliversCriticalWhenOutboundQueueTemporarilyFull(t *testing.T) {
	o := &Orchestrator{log: logger.New(io.Discard, "text")}
	outbound := make(chan any, 1)
	outbound <- protocol.AssistantTextDelta{Type: protocol.TypeAssistantTextDelta, TextDelta: "filler"}

	go func() {
		time.Sleep(40 * time.Millisecond)
		<-outbound
	}()
	o.send(outbound, protocol.AssistantTurnEnd{Type: protocol.TypeAssistantTurnEnd, SessionID: "s1", TurnID: "t1", Reason: "complete"})

	select {
	case msg := <-outbound:
		_, ok := msg.(protocol.AssistantTurnEnd)
		assert.True(t, ok, "got %T", msg)
	case <-time.After(300 * time.Millisecond):
		t.Fatal("timed out waiting for critical outbound message")
	}
}

func TestSendWaitsForFinalAudioMarker(t *testing.T) {
	o := &Orchestrator{log: logger.New(io.Discard, "text")}
	outbound := make(chan any, 1)
	outbound <- protocol.AssistantTextDelta{Type: protocol.TypeAssistantTextDelta, TextDelta: "filler"}

	// A mid-stream chunk gives up on a client that stays blocked.
	o.send(outbound, protocol.AssistantAudioChunk{Type: protocol.TypeAssistantAudio, TurnID: "t1", Seq: 1})
	assert.Len(t, outbound, 1)

	go func() {
		time.Sleep(250 * time.Millisecond)
		<-outbound
	}()
	o.send(outbound, protocol.AssistantAudioChunk{Type: protocol.TypeAssistantAudio, TurnID: "t1", Seq: 2, Final: true})

	select {
	case msg := <-outbound:
		chunk, ok := msg.(protocol.AssistantAudioChunk)
		require.True(t, ok, "got %T", msg)
		assert.True(t, chunk.Final)
	case <-time.After(time.Second):
		t.Fatal("final audio marker was dropped")
	}
}

func TestOutboundMessageMeta(t *testing.T) {
	cases := []struct {
		msg      any
		critical bool
	}{
		{protocol.AssistantTextDelta{Type: protocol.TypeAssistantTextDelta}, false},
		{protocol.AssistantAudioChunk{Type: protocol.TypeAssistantAudio}, false},
		{protocol.AssistantAudioChunk{Type: protocol.TypeAssistantAudio, Final: true}, true},
		{protocol.AssistantTurnEnd{Type: protocol.TypeAssistantTurnEnd}, true},
	}
	for _, tc := range cases {
		_, critical := outboundMessageMeta(tc.msg)
		assert.Equal(t, tc.critical, critical, "%+v", tc.msg)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err       error
		code      string
		retryable bool
	}{
		{fmt.Errorf("%w: %w", realtime.ErrRealtimeUnavailable, errors.New("dial")), "realtime_unavailable", true},
		{realtime.ErrTimeout, "timeout", true},
		{realtime.ErrNoPendingTools, "no_pending_tools", false},
		{session.ErrEnded, "session_closed", false},
		{audio.ErrUnsupportedAudioFormat, "unsupported_audio", false},
		{ErrInvalidRequest, "invalid_request", false},
		{errors.New("other"), "request_failed", false},
	}
	for _, tc := range cases {
		code, retryable := classify(tc.err)
		assert.Equal(t, tc.code, code, tc.err.Error())
		assert.Equal(t, tc.retryable, retryable, tc.err.Error())
	}
}
