package session

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/duplex/internal/codec"
	"github.com/ent0n29/duplex/internal/logger"
	"github.com/ent0n29/duplex/internal/realtime"
	"github.com/ent0n29/duplex/internal/wire"
)

func newEngine(t *testing.T) *realtime.Manager {
	t.Helper()
	srv := codec.NewMockServer()
	engine, err := realtime.New(realtime.Options{
		Codec:     func() wire.Codec { return codec.NewMock() },
		Transport: srv.Transport,
		Logger:    logger.New(io.Discard, "text"),
	})
	if err != nil {
		t.Fatalf("realtime.New() error = %v", err)
	}
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })
	return engine
}

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	engine := newEngine(t)
	s := m.Create(CreateRequest{UserID: "u1", TurnMode: "auto"}, "mock", engine)
	if s.ID == "" || s.ConversationID == "" {
		t.Fatalf("session and conversation IDs should not be empty: %+v", s)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || got.Provider != "mock" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}
	if e, err := m.Engine(s.ID); err != nil || e != engine {
		t.Fatalf("Engine() = %v, %v", e, err)
	}

	ended, err := m.End(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded || ended.EndReason != "ended" {
		t.Fatalf("ended = %+v, want status %q reason ended", ended, StatusEnded)
	}
	if !engine.State().Closed {
		t.Fatalf("engine should be shut down after End")
	}
	if _, err := m.Engine(s.ID); !errors.Is(err, ErrEnded) {
		t.Fatalf("Engine() after End error = %v, want %v", err, ErrEnded)
	}
	if again, err := m.End(context.Background(), s.ID); err != nil || !again.EndedAt.Equal(ended.EndedAt) {
		t.Fatalf("second End() = %+v, %v", again, err)
	}
	if _, err := m.End(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("End(missing) error = %v, want %v", err, ErrNotFound)
	}
}

func TestManagerKeepsConversationID(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create(CreateRequest{ConversationID: "conv-7"}, "mock", nil)
	if s.ConversationID != "conv-7" {
		t.Fatalf("ConversationID = %q, want conv-7", s.ConversationID)
	}
}

func TestManagerTurnBookkeeping(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create(CreateRequest{UserID: "u1"}, "mock", nil)
	if err := m.StartTurn(s.ID, "turn-1"); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if err := m.FinishTurn(s.ID, "turn-0"); err != nil {
		t.Fatalf("FinishTurn() error = %v", err)
	}
	got, _ := m.Get(s.ID)
	if got.ActiveTurnID != "turn-1" {
		t.Fatalf("ActiveTurnID = %q, want turn-1", got.ActiveTurnID)
	}
	if err := m.Interrupt(s.ID); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ActiveTurnID != "" {
		t.Fatalf("ActiveTurnID = %q, want empty", got.ActiveTurnID)
	}
	if got.InterruptionCount != 1 || got.CompletedTurns != 1 {
		t.Fatalf("counters = %d interruptions %d completed, want 1 and 1", got.InterruptionCount, got.CompletedTurns)
	}
	if err := m.Touch("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Touch(missing) error = %v, want %v", err, ErrNotFound)
	}
}

func TestManagerAttachIsExclusive(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create(CreateRequest{}, "mock", nil)

	detach, err := m.Attach(s.ID)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, err := m.Attach(s.ID); !errors.Is(err, ErrAttached) {
		t.Fatalf("second Attach() error = %v, want %v", err, ErrAttached)
	}
	detach()
	detach()
	if got, _ := m.Get(s.ID); got.Attached {
		t.Fatalf("session still attached after detach")
	}
	if _, err := m.Attach(s.ID); err != nil {
		t.Fatalf("Attach() after detach error = %v", err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	engine := newEngine(t)
	s := m.Create(CreateRequest{UserID: "u1"}, "mock", engine)

	var expired atomic.Int32
	m.SetExpireHook(func(got *Session) {
		if got.ID == s.ID {
			expired.Add(1)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded || got.EndReason != "expired" {
		t.Fatalf("session = %+v, want expired", got)
	}
	if expired.Load() != 1 {
		t.Fatalf("expire hook calls = %d, want 1", expired.Load())
	}
	if !engine.State().Closed {
		t.Fatalf("engine should be shut down on expiry")
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerJanitorForgetsEndedSessions(t *testing.T) {
	m := NewManager(time.Minute)
	m.SetEndedRetention(20 * time.Millisecond)
	s := m.Create(CreateRequest{}, "mock", nil)
	if _, err := m.End(context.Background(), s.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.RunJanitor(ctx, 10*time.Millisecond) }()

	time.Sleep(80 * time.Millisecond)
	if _, err := m.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want %v", err, ErrNotFound)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RunJanitor() = %v, want nil", err)
	}
}

func TestManagerShutdownEndsAll(t *testing.T) {
	m := NewManager(time.Minute)
	a := m.Create(CreateRequest{}, "mock", newEngine(t))
	m.Create(CreateRequest{}, "mock", newEngine(t))
	m.Shutdown(context.Background())
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
	if got, _ := m.Get(a.ID); got.Status != StatusEnded {
		t.Fatalf("status = %q, want %q", got.Status, StatusEnded)
	}
}
