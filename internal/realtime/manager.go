// Package realtime is the duplex session engine. A Manager owns one provider
// session at a time, drives turns through their state machine, reshapes
// output audio, bridges tool calls and keeps the resumption handle current.
//
// All state lives on one owner goroutine. Public methods marshal onto it and
// return once the request has been accepted.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/duplex/internal/audio"
	"github.com/ent0n29/duplex/internal/observability"
	"github.com/ent0n29/duplex/internal/wire"
)

// Manager is the session engine. It is safe for concurrent use.
type Manager struct {
	opts     Options
	log      *slog.Logger
	metrics  *observability.Metrics
	caps     wire.Capabilities
	provider string

	act        *actor
	disp       *dispatcher
	baseCtx    context.Context
	cancelBase context.CancelFunc
	pollStop   chan struct{}
	closeOnce  sync.Once

	// Everything below is owned by the actor goroutine.
	cfg          *SessionConfig
	pendingTools []wire.Tool
	hasPending   bool
	handlers     Handlers
	sessionOpen  bool
	conn         *conn
	gen          uint64
	connections  int
	res          resumption
	reconnect    *reconnector

	active *turn
	queue  []*turn
	// paused holds queued turns back while the connection is being replaced.
	paused bool
	// resetAfterTurn replaces the connection once the active turn ends.
	resetAfterTurn bool
	// appendedSinceCommit counts input bytes pushed since the last commit.
	appendedSinceCommit int
	// pendingServerCompletes counts provider TurnComplete events still owed
	// for responses whose turn already finished locally. Output that arrives
	// while it is positive belongs to those responses and is dropped.
	pendingServerCompletes int
}

// New builds a Manager and starts its owner goroutine.
func New(opts Options) (*Manager, error) {
	if opts.Codec == nil || opts.Transport == nil {
		return nil, errors.New("realtime: codec and transport factories are required")
	}
	opts = opts.withDefaults()
	codec := opts.Codec()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:       opts,
		log:        opts.Logger.With("component", "realtime", "provider", codec.Name()),
		metrics:    opts.Metrics,
		caps:       codec.Capabilities(),
		provider:   codec.Name(),
		act:        newActor(),
		disp:       newDispatcher(),
		baseCtx:    ctx,
		cancelBase: cancel,
		pollStop:   make(chan struct{}),
		reconnect:  newReconnector(opts.ReconnectBase, opts.ReconnectMax),
	}
	go m.pollLoop()
	return m, nil
}

// Capabilities reports what the configured provider supports.
func (m *Manager) Capabilities() wire.Capabilities { return m.caps }

func (m *Manager) call(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()
	var err error
	if runErr := m.act.run(ctx, func() { err = fn() }); runErr != nil {
		return runErr
	}
	return err
}

func (m *Manager) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(m.baseCtx, m.opts.CallTimeout)
}

// OpenSession connects a session. It is a no-op when a session is already
// open for the same resumption target; a different ResumptionHandle closes
// the current connection and reattaches.
func (m *Manager) OpenSession(ctx context.Context, cfg SessionConfig, h Handlers) error {
	return m.call(ctx, func() error { return m.openSession(cfg, h) })
}

func (m *Manager) openSession(cfg SessionConfig, h Handlers) error {
	m.handlers = h
	if m.cfg != nil && m.conn != nil {
		if cfg.ResumptionHandle == "" || cfg.ResumptionHandle == m.res.handle {
			return nil
		}
		m.log.Info("reattaching realtime session", "handle", cfg.ResumptionHandle)
		m.paused = true
		m.cancelActive(nil)
		m.teardown("reattach")
		m.paused = false
	}
	c := cfg
	c.Tools = cloneTools(cfg.Tools)
	if c.Tools == nil && m.hasPending {
		c.Tools = m.pendingTools
	}
	m.pendingTools, m.hasPending = nil, false
	m.cfg = &c
	if cfg.ResumptionHandle != "" {
		m.res = resumption{handle: cfg.ResumptionHandle}
	}
	m.sessionOpen = true
	if err := m.exec(nil); err != nil {
		return err
	}
	m.startNext()
	return nil
}

// SendTurn enqueues one turn, opening the session first if needed. With
// neither text nor audio it only syncs session state in auto mode, and
// commits buffered input in manual mode.
func (m *Manager) SendTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	var (
		t        *turn
		accepted TurnResult
	)
	err := m.call(ctx, func() error {
		var err error
		t, err = m.enqueueTurn(req)
		if t != nil {
			accepted = TurnResult{TurnID: t.id, State: t.state, Err: t.err}
		}
		return err
	})
	if err != nil {
		return TurnResult{}, err
	}
	if t == nil {
		return TurnResult{State: StateIdle}, nil
	}
	if accepted.State == StateCancelled && accepted.Err != nil {
		return accepted, accepted.Err
	}
	if !req.Wait {
		return accepted, nil
	}
	return m.wait(ctx, t)
}

// Await blocks until the queued or active turn id finishes.
func (m *Manager) Await(ctx context.Context, id string) (TurnResult, error) {
	var t *turn
	err := m.call(ctx, func() error {
		if m.active != nil && m.active.id == id {
			t = m.active
			return nil
		}
		for _, q := range m.queue {
			if q.id == id {
				t = q
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrUnknownTurn, id)
	})
	if err != nil {
		return TurnResult{TurnID: id}, err
	}
	select {
	case <-t.finished:
		return t.final, t.final.Err
	case <-ctx.Done():
		return TurnResult{TurnID: id}, fmt.Errorf("%w: waiting for turn %s: %w", ErrTimeout, id, ctx.Err())
	}
}

func (m *Manager) wait(ctx context.Context, t *turn) (TurnResult, error) {
	select {
	case r := <-t.waiter:
		return r, r.Err
	case <-ctx.Done():
		return TurnResult{TurnID: t.id}, fmt.Errorf("%w: waiting for turn %s: %w", ErrTimeout, t.id, ctx.Err())
	}
}

func (m *Manager) enqueueTurn(req TurnRequest) (*turn, error) {
	if m.cfg == nil {
		if m.opts.Session == nil {
			return nil, ErrNoSession
		}
		if err := m.openSession(*m.opts.Session, m.handlers); err != nil {
			return nil, err
		}
	}
	m.sessionOpen = true

	var pcm []byte
	if len(req.Audio) > 0 {
		p, rate, err := audio.ToPCM16Mono(req.Audio, req.AudioFormat, req.AudioRate)
		if err != nil {
			return nil, err
		}
		pcm = audio.Resample(p, rate, m.caps.InputRate)
	}
	hasText := strings.TrimSpace(req.Text) != ""

	if !hasText && len(pcm) == 0 && m.cfg.TurnMode == TurnModeAuto {
		return nil, m.exec(nil)
	}

	t := m.newTurn(req)
	t.pcm = pcm
	t.commitBuffered = !hasText && len(pcm) == 0
	m.queue = append(m.queue, t)
	m.startNext()
	return t, nil
}

// PushAudioInput appends one PCM16 mono frame to the provider's input buffer.
func (m *Manager) PushAudioInput(ctx context.Context, frame []byte, rate int) error {
	return m.call(ctx, func() error {
		if m.cfg == nil {
			return ErrNoSession
		}
		pcm := frame
		if rate > 0 && rate != m.caps.InputRate {
			pcm = audio.Resample(frame, rate, m.caps.InputRate)
		}
		if len(pcm) == 0 {
			return nil
		}
		m.sessionOpen = true
		err := m.exec(func(c *conn) error {
			ctx, cancel := m.opCtx()
			defer cancel()
			_, err := c.send(ctx, wire.AppendAudio{PCM: pcm, Rate: m.caps.InputRate})
			return err
		})
		if err == nil {
			m.appendedSinceCommit += len(pcm)
		}
		return err
	})
}

// CommitAudioInput commits buffered input and requests a response.
func (m *Manager) CommitAudioInput(ctx context.Context) (TurnResult, error) {
	return m.enqueueCommit(ctx, true)
}

// ForceResponseNow requests a response right away, committing buffered input
// first when any was pushed since the last commit.
func (m *Manager) ForceResponseNow(ctx context.Context) (TurnResult, error) {
	return m.enqueueCommit(ctx, false)
}

func (m *Manager) enqueueCommit(ctx context.Context, always bool) (TurnResult, error) {
	var res TurnResult
	err := m.call(ctx, func() error {
		if m.cfg == nil {
			return ErrNoSession
		}
		if !always && m.appendedSinceCommit == 0 && m.active != nil {
			res = TurnResult{TurnID: m.active.id, State: m.active.state, Implicit: m.active.implicit}
			return nil
		}
		m.sessionOpen = true
		t := m.newTurn(TurnRequest{})
		t.commitBuffered = always || m.appendedSinceCommit > 0
		m.queue = append(m.queue, t)
		m.startNext()
		res = TurnResult{TurnID: t.id, State: t.state, Err: t.err}
		return t.err
	})
	return res, err
}

// SendToolResults delivers tool outputs for the turn waiting on them and
// finishes it. With continueTurn a follow-up turn is opened on the same
// session to carry the model's answer; its ID is returned.
func (m *Manager) SendToolResults(ctx context.Context, results []ToolResult, continueTurn bool) (TurnResult, error) {
	var res TurnResult
	err := m.call(ctx, func() error {
		t := m.active
		if t == nil || t.state != StateToolPending {
			return ErrNoPendingTools
		}
		ops := make([]wire.Op, 0, len(results))
		for _, r := range results {
			ops = append(ops, wire.SendToolResult{CallID: r.CallID, Name: r.Name, Payload: r.Output})
			m.metrics.ToolCall(r.Name, "result")
		}
		err := m.exec(func(c *conn) error {
			ctx, cancel := m.opCtx()
			defer cancel()
			_, err := c.send(ctx, ops...)
			return err
		})
		if err != nil {
			m.finalize(t, StateCancelled, err)
			return err
		}
		if !t.serverDone && m.caps.CompletesAfterToolCalls {
			m.pendingServerCompletes++
		}
		t.toolsSurfaced = true

		if continueTurn {
			f := m.newTurn(TurnRequest{Delegation: t.req.Delegation, ShouldStop: t.req.ShouldStop})
			f.followUpOf = t.id
			m.queue = append([]*turn{f}, m.queue...)
			res = TurnResult{TurnID: f.id, State: StateIdle, FollowUpOf: t.id}
		}
		m.finalize(t, StateComplete, nil)
		return nil
	})
	return res, err
}

// UpdateSessionTools replaces the tool set. An open session whose tool
// signature changed, or any open session when force is set, is reconnected
// with resumption; the swap waits for the active turn to end. Without a
// session the tools are kept for the next open.
func (m *Manager) UpdateSessionTools(ctx context.Context, tools []wire.Tool, force bool) error {
	return m.call(ctx, func() error {
		if m.cfg == nil {
			m.pendingTools, m.hasPending = cloneTools(tools), true
			return nil
		}
		if m.conn != nil && !force && toolSignature(tools) == m.conn.toolSig {
			return nil
		}
		m.cfg.Tools = cloneTools(tools)
		if m.conn == nil {
			return nil
		}
		if m.active != nil {
			m.resetAfterTurn = true
			return nil
		}
		return m.replaceConnection("tools_changed")
	})
}

// CloseSession cancels all turns and closes the connection. The in-memory
// resumption handle is dropped; the persisted one is left alone.
func (m *Manager) CloseSession(ctx context.Context) error {
	return m.call(ctx, func() error {
		m.closeSession()
		return nil
	})
}

func (m *Manager) closeSession() {
	m.sessionOpen = false
	queued := m.queue
	m.queue = nil
	for _, t := range queued {
		m.finalize(t, StateCancelled, nil)
	}
	m.cancelActive(nil)
	m.resetAfterTurn = false
	m.teardown("closed")
	m.res.clear()
	m.appendedSinceCommit = 0
}

// ResetSession waits up to ResetWaitTimeout for the active turn, cancels it
// if it is still running, then reconnects with the current handle.
func (m *Manager) ResetSession(ctx context.Context) error {
	var finished chan struct{}
	err := m.call(ctx, func() error {
		if m.cfg == nil {
			return ErrNoSession
		}
		if m.active != nil {
			finished = m.active.finished
		}
		return nil
	})
	if err != nil {
		return err
	}
	if finished != nil {
		timer := time.NewTimer(m.opts.ResetWaitTimeout)
		defer timer.Stop()
		select {
		case <-finished:
		case <-timer.C:
			m.log.Info("reset wait elapsed, cancelling active turn")
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
	}
	return m.call(ctx, func() error {
		m.sessionOpen = true
		m.paused = true
		m.cancelActive(nil)
		m.paused = false
		err := m.replaceConnection("reset")
		m.startNext()
		return err
	})
}

// Shutdown closes the session and stops the owner goroutine. Every later
// call returns ErrClosed.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := ErrClosed
	m.closeOnce.Do(func() {
		err = m.call(ctx, func() error {
			m.closeSession()
			return nil
		})
		close(m.pollStop)
		m.cancelBase()
		m.act.stop()
		m.disp.close()
	})
	return err
}

// State returns a snapshot of the session.
func (m *Manager) State() Snapshot {
	var s Snapshot
	if err := m.call(context.Background(), func() error {
		s = m.snapshot()
		return nil
	}); err != nil {
		return Snapshot{Closed: errors.Is(err, ErrClosed), Provider: m.provider}
	}
	return s
}

func (m *Manager) snapshot() Snapshot {
	s := Snapshot{
		Open:        m.conn != nil,
		Provider:    m.provider,
		Handle:      m.res.handle,
		ExpiresAt:   m.res.expiresAt,
		Queued:      len(m.queue),
		Connections: m.connections,
	}
	if m.cfg != nil {
		s.Mode = m.cfg.TurnMode.String()
	}
	if t := m.active; t != nil {
		s.ActiveTurn = t.id
		s.ActiveState = t.state.String()
	}
	return s
}
