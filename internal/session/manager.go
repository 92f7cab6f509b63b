// Package session tracks gateway sessions and the realtime engine each one
// drives.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/duplex/internal/logger"
	"github.com/ent0n29/duplex/internal/realtime"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

const engineShutdownTimeout = 5 * time.Second

var (
	ErrNotFound = errors.New("session not found")
	ErrEnded    = errors.New("session ended")
	ErrAttached = errors.New("session already has a client attached")
)

type Session struct {
	ID                string    `json:"session_id"`
	ConversationID    string    `json:"conversation_id"`
	UserID            string    `json:"user_id"`
	Status            Status    `json:"status"`
	Provider          string    `json:"provider"`
	TurnMode          string    `json:"turn_mode"`
	ActiveTurnID      string    `json:"active_turn_id"`
	CompletedTurns    int       `json:"completed_turns"`
	InterruptionCount int       `json:"interruption_count"`
	Attached          bool      `json:"attached"`
	EndReason         string    `json:"end_reason,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	EndedAt           time.Time `json:"ended_at,omitzero"`
}

type entry struct {
	s      *Session
	engine *realtime.Manager
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	inactivityTimeout time.Duration
	endedRetention    time.Duration
	onExpire          func(*Session)
	log               *slog.Logger
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
		endedRetention:    10 * time.Minute,
		log:               logger.With("component", "sessions"),
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// SetEndedRetention sets how long ended sessions stay readable before the
// janitor forgets them.
func (m *Manager) SetEndedRetention(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endedRetention = d
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

// Create registers a session that owns engine. The engine is shut down when
// the session ends.
func (m *Manager) Create(req CreateRequest, provider string, engine *realtime.Manager) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Provider:       provider,
		TurnMode:       req.TurnMode,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if s.ConversationID == "" {
		s.ConversationID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = &entry{s: s, engine: engine}
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.s), nil
}

// Engine returns the realtime engine of an active session.
func (m *Manager) Engine(sessionID string) (*realtime.Manager, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.s.Status != StatusActive {
		return nil, ErrEnded
	}
	return e.engine, nil
}

// Attach marks a client connection on the session. Only one client may be
// attached at a time; call the returned func when it disconnects.
func (m *Manager) Attach(sessionID string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.s.Status != StatusActive {
		return nil, ErrEnded
	}
	if e.s.Attached {
		return nil, ErrAttached
	}
	e.s.Attached = true
	e.s.LastActivityAt = time.Now().UTC()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			e.s.Attached = false
			e.s.LastActivityAt = time.Now().UTC()
			m.mu.Unlock()
		})
	}, nil
}

func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(e.s)
	e.s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(*Session) {})
}

func (m *Manager) StartTurn(sessionID, turnID string) error {
	return m.update(sessionID, func(s *Session) { s.ActiveTurnID = turnID })
}

// FinishTurn clears the active turn if it is turnID and counts it.
func (m *Manager) FinishTurn(sessionID, turnID string) error {
	return m.update(sessionID, func(s *Session) {
		if s.ActiveTurnID == turnID {
			s.ActiveTurnID = ""
		}
		s.CompletedTurns++
	})
}

func (m *Manager) Interrupt(sessionID string) error {
	return m.update(sessionID, func(s *Session) {
		s.InterruptionCount++
		s.ActiveTurnID = ""
	})
}

// End marks the session ended and shuts its engine down. Ending an ended
// session returns it unchanged.
func (m *Manager) End(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if e.s.Status != StatusActive {
		out := clone(e.s)
		m.mu.Unlock()
		return out, nil
	}
	markEnded(e.s, "ended", time.Now().UTC())
	out := clone(e.s)
	m.mu.Unlock()

	m.shutdownEngine(ctx, out.ID, e.engine)
	return out, nil
}

func (m *Manager) shutdownEngine(ctx context.Context, id string, engine *realtime.Manager) {
	if engine == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), engineShutdownTimeout)
	defer cancel()
	if err := engine.Shutdown(ctx); err != nil && !errors.Is(err, realtime.ErrClosed) {
		m.log.Warn("engine shutdown failed", "session_id", id, "error", err)
	}
}

// Shutdown ends every active session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id, e := range m.sessions {
		if e.s.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_, _ = m.End(ctx, id)
	}
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() { _ = m.RunJanitor(ctx, interval) }()
}

// RunJanitor expires inactive sessions every interval until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.expireInactive(ctx)
		}
	}
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive(ctx context.Context) {
	now := time.Now().UTC()
	var expired []*entry

	m.mu.Lock()
	for id, e := range m.sessions {
		if e.s.Status != StatusActive {
			if now.Sub(e.s.EndedAt) >= m.endedRetention {
				delete(m.sessions, id)
			}
			continue
		}
		if now.Sub(e.s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		markEnded(e.s, "expired", now)
		expired = append(expired, &entry{s: clone(e.s), engine: e.engine})
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, e := range expired {
		m.log.Info("session expired", "session_id", e.s.ID, "idle", m.inactivityTimeout)
		m.shutdownEngine(ctx, e.s.ID, e.engine)
		if hook != nil {
			hook(e.s)
		}
	}
}

func markEnded(s *Session, reason string, now time.Time) {
	s.Status = StatusEnded
	s.EndReason = reason
	s.ActiveTurnID = ""
	s.LastActivityAt = now
	s.EndedAt = now
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
