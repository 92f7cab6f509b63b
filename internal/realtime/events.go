package realtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/duplex/internal/audio"
	"github.com/ent0n29/duplex/internal/observability"
	"github.com/ent0n29/duplex/internal/reliability"
	"github.com/ent0n29/duplex/internal/wire"
)

func (m *Manager) newTurn(req TurnRequest) *turn {
	t := newTurn(req, m.caps.OutputRate, m.opts.OutputChunkMs, m.emitAudio)
	t.shouldStop = req.ShouldStop
	return t
}

func (m *Manager) emitAudio(t *turn, c audio.Chunk) {
	if h := m.handlers.Audio; h != nil {
		id := t.id
		m.disp.emit(func() { h(id, c) })
	}
}

func (m *Manager) stopRequested(t *turn) bool {
	if t.shouldStop != nil {
		return t.shouldStop()
	}
	if m.handlers.ShouldStop != nil {
		return m.handlers.ShouldStop()
	}
	return false
}

// startNext activates the head of the queue when no turn is active.
func (m *Manager) startNext() {
	if m.active != nil || m.paused || len(m.queue) == 0 {
		return
	}
	t := m.queue[0]
	m.queue = m.queue[1:]
	m.active = t
	now := time.Now()
	t.started, t.lastEvent = now, now
	t.advance(StateOpening)

	err := m.exec(func(c *conn) error {
		return m.sendTurnOps(c, t)
	})
	switch {
	case err != nil:
		m.finalize(t, StateCancelled, err)
	case !t.requested:
		// Nothing reached the provider, so no response will follow.
		m.finalize(t, StateComplete, nil)
	}
}

func (m *Manager) sendTurnOps(c *conn, t *turn) error {
	var ops []wire.Op
	if strings.TrimSpace(t.req.Text) != "" {
		ops = append(ops, wire.OpenTextTurn{Text: t.req.Text})
	}
	if len(t.pcm) > 0 {
		for _, chunk := range audio.IterChunks(t.pcm, m.caps.InputRate, m.opts.InputChunkMs) {
			ops = append(ops, wire.AppendAudio{PCM: chunk, Rate: m.caps.InputRate})
		}
		ops = append(ops, wire.CommitAudio{})
	} else if t.commitBuffered {
		ops = append(ops, wire.CommitAudio{})
	}
	if m.caps.ExplicitResponse {
		ops = append(ops, wire.CreateResponse{})
	}

	ctx, cancel := m.opCtx()
	defer cancel()
	n, err := c.send(ctx, ops...)
	if n > 0 || t.followUpOf != "" {
		t.requested = true
	}
	if err == nil && (len(t.pcm) > 0 || t.commitBuffered) {
		m.appendedSinceCommit = 0
	}
	return err
}

// outputTurn returns the turn provider output belongs to, opening an
// implicit turn for server-initiated responses.
func (m *Manager) outputTurn() *turn {
	if m.pendingServerCompletes > 0 {
		return nil
	}
	if m.active != nil {
		return m.active
	}
	if len(m.queue) > 0 || m.paused {
		return nil
	}
	t := m.newTurn(TurnRequest{})
	t.implicit = true
	t.requested = true
	now := time.Now()
	t.started, t.lastEvent = now, now
	t.advance(StateOpening)
	m.active = t
	m.appendedSinceCommit = 0
	m.log.Debug("provider opened implicit turn", "turn_id", t.id)
	return t
}

// begin moves an opening turn to streaming on its first sign of model activity.
func (m *Manager) begin(t *turn) {
	if t.state != StateOpening {
		return
	}
	t.advance(StateStreaming)
	m.metrics.ObserveStage(observability.StageFirstEvent, time.Since(t.started))
	if t.committed {
		return
	}
	t.committed = true
	if h := m.handlers.AudioCommitted; h != nil {
		id := t.id
		m.disp.emit(func() { h(id) })
	}
}

func (m *Manager) handleEvents(gen uint64, events []wire.Event) {
	for _, ev := range events {
		if !m.live(gen) {
			return
		}
		m.metrics.SessionEvent(wire.EventName(ev))
		m.handleEvent(ev)
		if t := m.active; t != nil {
			t.touch(time.Now())
		}
		m.checkStop()
	}
	if t := m.active; t != nil && t.state == StateToolPending && !m.caps.CompletesAfterToolCalls && !t.tools.open() {
		m.surfaceTools(t)
	}
}

func (m *Manager) handleEvent(ev wire.Event) {
	switch e := ev.(type) {
	case wire.SessionReady:
		m.conn.ready = true
		m.reconnect.succeeded()
		m.observeHandle(e.Handle, e.ExpiresAt)
	case wire.ResumptionUpdate:
		m.observeHandle(e.Handle, time.Time{})
	case wire.TurnStarted:
		if t := m.outputTurn(); t != nil {
			m.begin(t)
		}
	case wire.TextDelta:
		t := m.outputTurn()
		if t == nil {
			return
		}
		m.begin(t)
		if t.state != StateStreaming || e.Text == "" {
			return
		}
		if !t.sawText {
			t.sawText = true
			m.metrics.ObserveStage(observability.StageFirstText, time.Since(t.started))
		}
		t.text.WriteString(e.Text)
		if h := m.handlers.Text; h != nil {
			id, delta := t.id, e.Text
			m.disp.emit(func() { h(id, delta) })
		}
	case wire.AudioDelta:
		t := m.outputTurn()
		if t == nil {
			return
		}
		m.begin(t)
		if t.state != StateStreaming || len(e.PCM) == 0 {
			return
		}
		if !t.sawAudio {
			t.sawAudio = true
			m.metrics.ObserveStage(observability.StageFirstAudio, time.Since(t.started))
		}
		t.jitter.Push(e.PCM)
	case wire.ToolCallStarted:
		if t := m.outputTurn(); t != nil {
			m.begin(t)
			t.tools.start(e.ID, e.CallID, e.Name)
		}
	case wire.ToolArgsDelta:
		if t := m.outputTurn(); t != nil {
			m.begin(t)
			t.tools.appendArgs(e.ID, e.Fragment)
		}
	case wire.ToolCallDone:
		t := m.outputTurn()
		if t == nil {
			return
		}
		m.begin(t)
		call, fresh := t.tools.finish(e.ID, e.Arguments)
		if !fresh {
			m.log.Debug("dropping duplicate tool call", "turn_id", t.id, "tool", call.Name)
			return
		}
		m.metrics.ToolCall(call.Name, "requested")
		if t.state == StateStreaming {
			t.advance(StateToolPending)
		}
	case wire.TurnComplete:
		m.onTurnComplete(e)
	case wire.Error:
		m.onProviderError(e)
	case wire.GoAway:
		m.log.Warn("provider is closing the session", "time_left", e.TimeLeft)
		if m.active == nil {
			if err := m.replaceConnection("go_away"); err != nil {
				m.log.Warn("replace connection after go away failed", "error", err)
			}
			return
		}
		m.resetAfterTurn = true
	}
}

func (m *Manager) onTurnComplete(e wire.TurnComplete) {
	if m.pendingServerCompletes > 0 {
		m.pendingServerCompletes--
		m.persistUsage(e.Usage)
		return
	}
	t := m.active
	if t == nil {
		m.persistUsage(e.Usage)
		return
	}
	t.usage = t.usage.Add(e.Usage)
	t.serverDone = true
	if t.state == StateToolPending {
		m.surfaceTools(t)
		return
	}
	m.finalize(t, StateComplete, nil)
}

func (m *Manager) onProviderError(e wire.Error) {
	m.metrics.ProviderError(m.provider, e.Code)
	switch e.Code {
	case wire.CodeSessionExpired:
		m.log.Warn("realtime session expired", "message", e.Message)
		m.expirePersistedHandle()
		m.res.clear()
		m.teardown("session_expired")
		if t := m.active; t != nil {
			m.finalize(t, StateCancelled, ErrSessionExpired)
		}
		return
	case wire.CodeActiveResponse:
		// The provider is already answering; release the caller now and let
		// that answer arrive as an implicit turn.
		if t := m.active; t != nil && t.state == StateOpening && !t.implicit {
			m.log.Debug("response already active, releasing turn", "turn_id", t.id)
			m.finalize(t, StateComplete, nil)
		}
		return
	case wire.CodeResponseNotFound:
		// The cancelled response had already ended; no completion is owed.
		if m.pendingServerCompletes > 0 {
			m.pendingServerCompletes--
		}
		m.log.Debug("benign provider error", "code", e.Code, "message", e.Message)
		return
	case wire.CodeInputBufferEmpty:
		m.log.Debug("benign provider error", "code", e.Code, "message", e.Message)
		return
	case wire.CodeConnectionTerminated:
		m.connectionLost(m.conn.gen, fmt.Errorf("provider error %s: %s", e.Code, e.Message))
		return
	}
	m.log.Warn("realtime provider error", "code", e.Code, "message", e.Message,
		"retryable", reliability.IsRetryableProviderError(e.Code))
}

// surfaceTools hands the turn's finished calls to the caller once.
func (m *Manager) surfaceTools(t *turn) {
	if t.toolsSurfaced || !t.tools.hasCalls() {
		return
	}
	t.toolsSurfaced = true
	calls := t.tools.calls()
	if h := m.handlers.ToolCalls; h != nil {
		id := t.id
		m.disp.emit(func() { h(id, calls) })
		return
	}
	r := t.result()
	m.disp.emit(func() { t.release(r) })
}

func (m *Manager) observeHandle(handle string, expiresAt time.Time) {
	if !m.res.observe(handle, expiresAt) {
		return
	}
	m.log.Debug("resumption handle updated")
	if m.opts.Record == nil {
		return
	}
	ctx, cancel := m.opCtx()
	defer cancel()
	if err := m.opts.Record.SetResumptionHandle(ctx, m.res.handle, m.res.expiresAt); err != nil {
		m.log.Warn("persist resumption handle failed", "error", err)
	}
}

// expirePersistedHandle stamps the stored handle as expired without
// replacing it, so a later session on the same record starts fresh.
func (m *Manager) expirePersistedHandle() {
	if m.opts.Record == nil || m.res.handle == "" {
		return
	}
	ctx, cancel := m.opCtx()
	defer cancel()
	if err := m.opts.Record.SetResumptionHandle(ctx, m.res.handle, time.Now()); err != nil {
		m.log.Warn("mark resumption handle expired failed", "error", err)
	}
}

func (m *Manager) persistUsage(u wire.Usage) {
	if m.opts.Record == nil || u.IsZero() {
		return
	}
	ctx, cancel := m.opCtx()
	defer cancel()
	if err := m.opts.Record.AppendUsage(ctx, u); err != nil {
		m.log.Warn("persist usage failed", "error", err)
	}
}

func (m *Manager) persistTurn(t *turn, text string) {
	if m.opts.Record == nil {
		return
	}
	ctx, cancel := m.opCtx()
	defer cancel()
	if text != "" {
		if err := m.opts.Record.AppendOutputText(ctx, t.id, text); err != nil {
			m.log.Warn("persist turn output failed", "turn_id", t.id, "error", err)
		}
	}
	if !t.usage.IsZero() {
		if err := m.opts.Record.AppendUsage(ctx, t.usage); err != nil {
			m.log.Warn("persist usage failed", "turn_id", t.id, "error", err)
		}
	}
}

// cancelActive cancels the running turn, asking the provider to stop its
// response while the connection is still up.
func (m *Manager) cancelActive(err error) {
	t := m.active
	if t == nil {
		return
	}
	if t.streaming() && m.conn != nil && t.requested {
		ctx, cancel := m.opCtx()
		if _, sendErr := m.conn.send(ctx, wire.CancelResponse{}); sendErr != nil {
			m.log.Debug("cancel response failed", "error", sendErr)
		}
		cancel()
		m.pendingServerCompletes++
	}
	m.finalize(t, StateCancelled, err)
}

func (m *Manager) checkStop() {
	t := m.active
	if t == nil || !t.streaming() || !m.stopRequested(t) {
		return
	}
	m.log.Info("turn stopped by caller", "turn_id", t.id)
	m.cancelActive(nil)
}

func (m *Manager) pollLoop() {
	tick := time.NewTicker(m.opts.StopPollInterval)
	defer tick.Stop()
	for {
		select {
		case <-m.pollStop:
			return
		case <-tick.C:
			m.act.post(m.poll)
		}
	}
}

func (m *Manager) poll() {
	m.checkStop()
	t := m.active
	if t == nil || time.Since(t.lastEvent) < m.opts.TurnIdleTimeout {
		return
	}
	switch {
	case t.streaming():
		m.log.Warn("turn idle timeout", "turn_id", t.id, "state", t.state.String())
		m.teardown("turn_idle_timeout")
		m.finalize(t, StateCancelled, fmt.Errorf("%w: no provider activity for %s", ErrTimeout, m.opts.TurnIdleTimeout))
	case t.state == StateToolPending:
		m.log.Warn("tool results never arrived", "turn_id", t.id)
		if !t.serverDone && m.caps.CompletesAfterToolCalls {
			m.pendingServerCompletes++
		}
		m.finalize(t, StateCancelled, fmt.Errorf("%w: waiting for tool results", ErrTimeout))
	}
}

// finalize ends t exactly once: flush audio with its final marker, persist
// output and usage, then signal completion after all earlier callbacks.
func (m *Manager) finalize(t *turn, state TurnState, err error) {
	if !t.advance(state) {
		return
	}
	t.err = err
	t.jitter.Finalize()

	text := t.text.String()
	res := t.result()
	if t.req.Delegation {
		res.NextTarget, res.Content = parseDelegation(text, m.opts.DefaultTarget)
	}
	m.persistTurn(t, text)

	outcome := state.String()
	if state == StateCancelled && err != nil {
		outcome = "failed"
	}
	m.metrics.TurnOutcome(outcome)
	if !t.started.IsZero() {
		m.metrics.ObserveStage(observability.StageTurnTotal, time.Since(t.started))
	}
	m.log.Debug("turn finished", "turn_id", t.id, "state", state.String(), "implicit", t.implicit, "error", err)

	if m.active == t {
		m.active = nil
	} else {
		for i, q := range m.queue {
			if q == t {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				break
			}
		}
	}
	t.final = res
	close(t.finished)

	done := m.handlers.TurnDone
	m.disp.emit(func() {
		t.release(res)
		if done != nil {
			done(res)
		}
	})

	if m.resetAfterTurn && m.active == nil && m.conn != nil {
		m.resetAfterTurn = false
		if err := m.replaceConnection("deferred_reset"); err != nil {
			m.log.Warn("deferred reconnect failed", "error", err)
		}
	}
	m.startNext()
}
