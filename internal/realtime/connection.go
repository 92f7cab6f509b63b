package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/duplex/internal/observability"
	"github.com/ent0n29/duplex/internal/wire"
)

// exec runs fn on a live connection. A failure tears the connection down and
// retries once on a fresh one; a second failure is ErrRealtimeUnavailable.
// A nil fn only ensures the connection. Transport failures never drop the
// resumption handle; only a session_expired error from the provider does.
func (m *Manager) exec(fn func(*conn) error) error {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		if m.conn == nil {
			err = m.connect()
		}
		if err == nil {
			if fn == nil {
				return nil
			}
			if err = fn(m.conn); err == nil {
				return nil
			}
		}
		m.log.Warn("realtime transport failure", "attempt", attempt, "error", err)
		m.teardown("transport_error")
		if attempt == 1 {
			m.metrics.Reconnect("retry")
		}
	}
	m.metrics.Reconnect("failed")
	return fmt.Errorf("%w: %w", ErrRealtimeUnavailable, err)
}

func (m *Manager) connect() error {
	if m.cfg == nil {
		return ErrNoSession
	}
	codec := m.opts.Codec()
	tr := m.opts.Transport()
	ctx, cancel := m.opCtx()
	defer cancel()

	start := time.Now()
	if err := tr.Connect(ctx, codec.Endpoint()); err != nil {
		return fmt.Errorf("connect %s: %w", codec.Name(), err)
	}

	resume := ""
	if m.caps.Resumable {
		resume = m.res.usable(start)
	}
	m.gen++
	c := &conn{
		gen:     m.gen,
		codec:   codec,
		tr:      tr,
		metrics: m.metrics,
		resumed: resume != "",
		toolSig: toolSignature(m.cfg.Tools),
	}
	if _, err := c.send(ctx, m.configureOp(resume)); err != nil {
		_ = tr.Close()
		return fmt.Errorf("configure %s: %w", codec.Name(), err)
	}

	rctx, rcancel := context.WithCancel(m.baseCtx)
	c.cancel = rcancel
	m.conn = c
	m.connections++
	m.metrics.SessionOpened()
	m.metrics.ObserveStage(observability.StageConnect, time.Since(start))
	m.log.Info("realtime session connected", "gen", c.gen, "resumed", c.resumed, "mode", m.cfg.TurnMode.String())
	go m.receiveLoop(rctx, c)
	return nil
}

func (m *Manager) configureOp(resume string) wire.SessionConfigure {
	mode := wire.TurnDetectionAuto
	if m.cfg.TurnMode == TurnModeManual {
		mode = wire.TurnDetectionManual
	}
	return wire.SessionConfigure{
		Model:        m.cfg.ModelID,
		Voice:        m.cfg.Voice,
		InputFormat:  wire.AudioFormat{Encoding: "pcm16", SampleRate: m.caps.InputRate},
		OutputFormat: wire.AudioFormat{Encoding: "pcm16", SampleRate: m.caps.OutputRate},
		TurnDetection: wire.TurnDetection{
			Mode:            mode,
			SilenceMs:       m.cfg.VADSilenceMs,
			PrefixPaddingMs: m.cfg.VADPrefixPaddingMs,
		},
		Tools:        cloneTools(m.cfg.Tools),
		SystemPrompt: m.cfg.SystemPrompt,
		ResumeHandle: resume,
	}
}

func (m *Manager) teardown(reason string) {
	c := m.conn
	if c == nil {
		return
	}
	m.conn = nil
	m.pendingServerCompletes = 0
	m.appendedSinceCommit = 0
	c.close()
	m.metrics.SessionClosed()
	m.log.Info("realtime session disconnected", "gen", c.gen, "reason", reason)
}

// replaceConnection swaps the connection for a new one that resumes the
// current handle.
func (m *Manager) replaceConnection(reason string) error {
	m.teardown(reason)
	return m.exec(nil)
}

func (m *Manager) receiveLoop(ctx context.Context, c *conn) {
	for {
		msg, err := c.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.act.post(func() { m.connectionLost(c.gen, err) })
			return
		}
		events, err := c.codec.Decode(msg)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownEvent) {
				m.log.Debug("skipping unknown provider event", "error", err)
			} else {
				m.log.Warn("skipping malformed provider message", "error", err)
			}
			m.metrics.WireMessage("in", "undecodable")
			continue
		}
		for _, ev := range events {
			m.metrics.WireMessage("in", wire.EventName(ev))
		}
		if len(events) == 0 {
			continue
		}
		m.act.post(func() { m.handleEvents(c.gen, events) })
	}
}

func (m *Manager) live(gen uint64) bool { return m.conn != nil && m.conn.gen == gen }

func (m *Manager) connectionLost(gen uint64, cause error) {
	if !m.live(gen) {
		return
	}
	c := m.conn
	m.log.Warn("realtime connection lost", "gen", gen, "resumed", c.resumed, "ready", c.ready, "error", cause)
	m.teardown("connection_lost")
	if t := m.active; t != nil {
		m.finalize(t, StateCancelled, fmt.Errorf("%w: %w", ErrConnectionLost, cause))
	}
	m.scheduleReconnect()
}

// scheduleReconnect makes one paced attempt to restore a dropped session.
func (m *Manager) scheduleReconnect() {
	if m.conn != nil || !m.sessionOpen {
		return
	}
	delay, ok := m.reconnect.next()
	if !ok {
		m.metrics.Reconnect("throttled")
		m.log.Warn("reconnect budget spent, waiting for next request")
		return
	}
	time.AfterFunc(delay, func() { m.act.post(m.autoReconnect) })
}

func (m *Manager) autoReconnect() {
	if m.conn != nil || !m.sessionOpen {
		return
	}
	if err := m.exec(nil); err != nil {
		m.log.Warn("reconnect failed", "error", err)
		return
	}
	m.metrics.Reconnect("ok")
	m.startNext()
}
