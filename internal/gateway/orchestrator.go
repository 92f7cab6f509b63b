// Package gateway bridges gateway client connections to the realtime engine
// of their session.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/duplex/internal/audio"
	"github.com/ent0n29/duplex/internal/conversation"
	"github.com/ent0n29/duplex/internal/logger"
	"github.com/ent0n29/duplex/internal/observability"
	"github.com/ent0n29/duplex/internal/protocol"
	"github.com/ent0n29/duplex/internal/realtime"
	"github.com/ent0n29/duplex/internal/session"
	"github.com/ent0n29/duplex/internal/tools"
	"github.com/ent0n29/duplex/internal/wire"
)

const (
	criticalSendTimeout = 600 * time.Millisecond
	deltaSendTimeout    = 150 * time.Millisecond
	toolRunTimeout      = 30 * time.Second
)

// Config wires an Orchestrator. Engine is a template: Record is set per
// session. Session holds the provider session defaults.
type Config struct {
	Provider  string
	Engine    realtime.Options
	Session   realtime.SessionConfig
	Store     conversation.Store
	RedactPII bool
	Tools     *tools.Registry
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

type Orchestrator struct {
	cfg      Config
	sessions *session.Manager
	links    sync.Map
	log      *slog.Logger
}

func NewOrchestrator(sessions *session.Manager, cfg Config) *Orchestrator {
	if cfg.Store == nil {
		cfg.Store = conversation.NewInMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.DefaultLogger
	}
	if cfg.Engine.Metrics == nil {
		cfg.Engine.Metrics = cfg.Metrics
	}
	if cfg.Engine.Logger == nil {
		cfg.Engine.Logger = cfg.Logger
	}
	return &Orchestrator{
		cfg:      cfg,
		sessions: sessions,
		log:      cfg.Logger.With("component", "gateway"),
	}
}

func (o *Orchestrator) Provider() string { return o.cfg.Provider }

// StartSession builds an engine for req, opens its provider session and
// registers the gateway session. resumed reports whether a stored
// resumption handle was offered to the provider.
func (o *Orchestrator) StartSession(ctx context.Context, req session.CreateRequest) (*session.Session, bool, error) {
	mode := o.cfg.Session.TurnMode
	switch strings.ToLower(strings.TrimSpace(req.TurnMode)) {
	case "manual":
		mode = realtime.TurnModeManual
	case "auto":
		mode = realtime.TurnModeAuto
	case "":
	default:
		return nil, false, fmt.Errorf("%w: turn_mode %q", ErrInvalidRequest, req.TurnMode)
	}
	req.TurnMode = mode.String()
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	binding := conversation.Bind(o.cfg.Store, req.ConversationID, conversation.WithPIIRedaction(o.cfg.RedactPII))
	handle, err := binding.ResumptionHandle(ctx)
	if err != nil {
		o.log.Warn("resumption handle lookup failed", "conversation_id", req.ConversationID, "error", err)
		handle = ""
	}

	opts := o.cfg.Engine
	opts.Record = binding
	engine, err := realtime.New(opts)
	if err != nil {
		return nil, false, err
	}
	sess := o.sessions.Create(req, o.cfg.Provider, engine)
	l := &link{}
	o.links.Store(sess.ID, l)

	scfg := o.cfg.Session
	scfg.TurnMode = mode
	scfg.ResumptionHandle = handle
	if req.Voice != "" {
		scfg.Voice = req.Voice
	}
	if req.SystemPrompt != "" {
		scfg.SystemPrompt = req.SystemPrompt
	}
	if scfg.Tools == nil && o.cfg.Tools != nil {
		scfg.Tools = o.cfg.Tools.Tools()
	}
	if err := engine.OpenSession(ctx, scfg, o.handlers(sess.ID, engine, l)); err != nil {
		_, _ = o.EndSession(ctx, sess.ID)
		return nil, false, err
	}
	o.log.Info("session started",
		"session_id", sess.ID,
		"conversation_id", sess.ConversationID,
		"provider", o.cfg.Provider,
		"mode", sess.TurnMode,
		"resumed", handle != "",
	)
	return sess, handle != "", nil
}

// EndSession ends a session and shuts its engine down.
func (o *Orchestrator) EndSession(ctx context.Context, id string) (*session.Session, error) {
	s, err := o.sessions.End(ctx, id)
	if err != nil {
		return nil, err
	}
	o.links.Delete(id)
	return s, nil
}

// OnExpire forgets per-session state of a session the janitor expired.
func (o *Orchestrator) OnExpire(s *session.Session) {
	o.links.Delete(s.ID)
}

// UpdateTools replaces the tool set of a live session.
func (o *Orchestrator) UpdateTools(ctx context.Context, id string, list []wire.Tool, force bool) error {
	engine, err := o.sessions.Engine(id)
	if err != nil {
		return err
	}
	if err := engine.UpdateSessionTools(ctx, list, force); err != nil {
		return err
	}
	return o.sessions.Touch(id)
}

// State returns the engine snapshot of a session.
func (o *Orchestrator) State(id string) (realtime.Snapshot, error) {
	engine, err := o.sessions.Engine(id)
	if err != nil {
		return realtime.Snapshot{}, err
	}
	return engine.State(), nil
}

// RunConnection serves one attached client until ctx is done or inbound is
// closed. Engine output produced while no client is attached is dropped.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	engine, err := o.sessions.Engine(s.ID)
	if err != nil {
		o.send(outbound, errorEvent(s.ID, err))
		return err
	}
	v, _ := o.links.LoadOrStore(s.ID, &link{})
	l := v.(*link)
	l.attach(outbound)
	defer l.detach(outbound)

	o.send(outbound, protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: s.ID,
		Code:      "session_attached",
		Detail:    o.cfg.Provider,
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			_ = o.sessions.Touch(s.ID)
			if err := o.handleClient(ctx, s.ID, engine, l, msg); err != nil {
				o.log.Debug("client request failed", "session_id", s.ID, "error", err)
				o.send(outbound, errorEvent(s.ID, err))
			}
		}
	}
}

func (o *Orchestrator) handleClient(ctx context.Context, id string, engine *realtime.Manager, l *link, msg any) error {
	switch m := msg.(type) {
	case protocol.ClientTextTurn:
		res, err := engine.SendTurn(ctx, realtime.TurnRequest{Text: m.Text, Delegation: m.Delegation})
		if err != nil {
			return err
		}
		o.turnStarted(id, l, res.TurnID)
	case protocol.ClientAudioTurn:
		data, err := protocol.DecodeAudio(m.AudioBase64)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		format := m.Format
		if format == "" {
			format = "wav"
		}
		res, err := engine.SendTurn(ctx, realtime.TurnRequest{Audio: data, AudioFormat: format, AudioRate: m.SampleRate})
		if err != nil {
			return err
		}
		o.turnStarted(id, l, res.TurnID)
	case protocol.ClientAudioChunk:
		pcm, err := protocol.DecodeAudio(m.PCM16Base64)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return engine.PushAudioInput(ctx, pcm, m.SampleRate)
	case protocol.ClientControl:
		return o.control(ctx, id, engine, l, m.Action)
	case protocol.ClientToolResults:
		results := make([]realtime.ToolResult, 0, len(m.Results))
		for _, r := range m.Results {
			results = append(results, realtime.ToolResult{CallID: r.CallID, Name: r.Name, Output: r.Output})
		}
		res, err := engine.SendToolResults(ctx, results, m.Continue)
		if err != nil {
			return err
		}
		o.turnStarted(id, l, res.TurnID)
	default:
		return fmt.Errorf("%w: %T", protocol.ErrUnsupportedType, msg)
	}
	return nil
}

func (o *Orchestrator) control(ctx context.Context, id string, engine *realtime.Manager, l *link, action string) error {
	switch action {
	case protocol.ActionCommit:
		res, err := engine.CommitAudioInput(ctx)
		if err != nil {
			return err
		}
		o.turnStarted(id, l, res.TurnID)
	case protocol.ActionForceResponse:
		res, err := engine.ForceResponseNow(ctx)
		if err != nil {
			return err
		}
		o.turnStarted(id, l, res.TurnID)
	case protocol.ActionCancel:
		turnID := engine.State().ActiveTurn
		if turnID == "" {
			o.emit(l, protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: id, Code: "nothing_to_cancel"})
			return nil
		}
		l.requestStop(turnID)
		if engine.State().ActiveTurn != turnID {
			l.clearStop(turnID)
		}
		return o.sessions.Interrupt(id)
	case protocol.ActionReset:
		if err := engine.ResetSession(ctx); err != nil {
			return err
		}
		o.emit(l, protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: id, Code: "session_reset"})
	default:
		return fmt.Errorf("%w: action %q", ErrInvalidRequest, action)
	}
	return nil
}

func (o *Orchestrator) turnStarted(id string, l *link, turnID string) {
	if turnID == "" {
		return
	}
	_ = o.sessions.StartTurn(id, turnID)
	o.emit(l, protocol.TurnStarted{Type: protocol.TypeTurnStarted, SessionID: id, TurnID: turnID})
}

func (o *Orchestrator) handlers(id string, engine *realtime.Manager, l *link) realtime.Handlers {
	return realtime.Handlers{
		Text: func(turnID, delta string) {
			o.emit(l, protocol.AssistantTextDelta{
				Type:      protocol.TypeAssistantTextDelta,
				SessionID: id,
				TurnID:    turnID,
				TextDelta: delta,
			})
		},
		Audio: func(turnID string, c audio.Chunk) {
			o.emit(l, protocol.AssistantAudioChunk{
				Type:        protocol.TypeAssistantAudio,
				SessionID:   id,
				TurnID:      turnID,
				Seq:         l.nextSeq(turnID),
				Format:      "pcm16",
				SampleRate:  c.SampleRate,
				Final:       c.Final,
				AudioBase64: protocol.EncodeAudio(c.PCM),
			})
		},
		AudioCommitted: func(turnID string) {
			o.emit(l, protocol.AudioCommitted{Type: protocol.TypeAudioCommitted, SessionID: id, TurnID: turnID})
		},
		ShouldStop: l.shouldStop,
		ToolCalls: func(turnID string, calls []realtime.ToolCall) {
			o.onToolCalls(id, engine, l, turnID, calls)
		},
		TurnDone: func(res realtime.TurnResult) {
			end := protocol.AssistantTurnEnd{
				Type:       protocol.TypeAssistantTurnEnd,
				SessionID:  id,
				TurnID:     res.TurnID,
				Reason:     res.State.String(),
				Text:       res.Text,
				Implicit:   res.Implicit,
				FollowUpOf: res.FollowUpOf,
				NextTarget: res.NextTarget,
				Usage:      protocol.Usage{InputTokens: res.Usage.InputTokens, OutputTokens: res.Usage.OutputTokens},
			}
			if res.Err != nil {
				end.Error = res.Err.Error()
			}
			o.emit(l, end)
			_ = o.sessions.FinishTurn(id, res.TurnID)
			l.clearStop(res.TurnID)
		},
	}
}

// onToolCalls runs the calls locally when every tool is registered here and
// forwards them to the client otherwise.
func (o *Orchestrator) onToolCalls(id string, engine *realtime.Manager, l *link, turnID string, calls []realtime.ToolCall) {
	if o.cfg.Tools == nil || !o.cfg.Tools.HasAll(calls) {
		out := make([]protocol.ToolCall, 0, len(calls))
		for _, c := range calls {
			out = append(out, protocol.ToolCall{CallID: c.CallID, Name: c.Name, Arguments: c.Arguments})
		}
		o.emit(l, protocol.ToolCalls{Type: protocol.TypeToolCalls, SessionID: id, TurnID: turnID, Calls: out})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), toolRunTimeout)
		defer cancel()
		results := o.cfg.Tools.ExecuteAll(ctx, calls)
		res, err := engine.SendToolResults(ctx, results, true)
		if err != nil {
			o.log.Warn("tool results not delivered", "session_id", id, "turn_id", turnID, "error", err)
			o.emit(l, errorEvent(id, err))
			return
		}
		o.turnStarted(id, l, res.TurnID)
	}()
}

func (o *Orchestrator) emit(l *link, msg any) {
	out := l.current()
	if out == nil {
		t, _ := protocol.TypeOf(msg)
		o.cfg.Metrics.WireMessage("client_dropped", string(t))
		return
	}
	o.send(out, msg)
}

// send delivers msg, waiting longer for messages that end or describe a turn
// than for streaming deltas.
func (o *Orchestrator) send(outbound chan<- any, msg any) {
	msgType, critical := outboundMessageMeta(msg)
	timeout := deltaSendTimeout
	if critical {
		timeout = criticalSendTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
		o.cfg.Metrics.WireMessage("client_out", msgType)
	case <-timer.C:
		o.cfg.Metrics.SessionEvent("outbound_drop")
		o.log.Debug("outbound message dropped", "type", msgType, "critical", critical)
	}
}

func outboundMessageMeta(msg any) (string, bool) {
	t, _ := protocol.TypeOf(msg)
	switch t {
	case protocol.TypeAssistantAudio:
		// The end-of-audio marker closes the client's playback stream.
		chunk, _ := msg.(protocol.AssistantAudioChunk)
		return string(t), chunk.Final
	case protocol.TypeAssistantTextDelta:
		return string(t), false
	default:
		return string(t), true
	}
}

func errorEvent(sessionID string, err error) protocol.ErrorEvent {
	code, retryable := classify(err)
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    "realtime",
		Retryable: retryable,
		Detail:    err.Error(),
	}
}

// classify maps an engine or gateway error to a client error code.
func classify(err error) (string, bool) {
	switch {
	case errors.Is(err, realtime.ErrRealtimeUnavailable):
		return "realtime_unavailable", true
	case errors.Is(err, realtime.ErrTimeout):
		return "timeout", true
	case errors.Is(err, realtime.ErrNoPendingTools):
		return "no_pending_tools", false
	case errors.Is(err, realtime.ErrNoSession), errors.Is(err, realtime.ErrClosed),
		errors.Is(err, session.ErrEnded), errors.Is(err, session.ErrNotFound):
		return "session_closed", false
	case errors.Is(err, audio.ErrUnsupportedAudioFormat):
		return "unsupported_audio", false
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, protocol.ErrUnsupportedType):
		return "invalid_request", false
	default:
		return "request_failed", false
	}
}
