package realtime

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/duplex/internal/audio"
	"github.com/ent0n29/duplex/internal/wire"
)

// TurnState is the lifecycle position of one turn. States only move forward.
type TurnState int

const (
	StateIdle TurnState = iota
	StateOpening
	StateStreaming
	StateToolPending
	StateComplete
	StateCancelled
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateToolPending:
		return "tool_pending"
	case StateComplete:
		return "complete"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a turn.
func (s TurnState) Terminal() bool { return s == StateComplete || s == StateCancelled }

// rank orders states; both terminal states share the last rank.
func (s TurnState) rank() int {
	if s == StateCancelled {
		return int(StateComplete)
	}
	return int(s)
}

// canAdvance reports whether from -> to is a forward transition.
func canAdvance(from, to TurnState) bool {
	if from.Terminal() {
		return false
	}
	return to.rank() > from.rank()
}

type turn struct {
	id  string
	req TurnRequest
	// pcm is the input audio already at the codec input rate.
	pcm []byte
	// commitBuffered sends CommitAudio for input pushed earlier.
	commitBuffered bool
	implicit       bool
	followUpOf     string

	state      TurnState
	text       strings.Builder
	tools      *toolBridge
	usage      wire.Usage
	jitter     *audio.JitterBuffer
	err        error
	shouldStop func() bool

	// requested is set once ops that make the provider respond went out.
	requested bool
	// serverDone is set when the provider's TurnComplete for this turn arrived.
	serverDone    bool
	toolsSurfaced bool
	committed     bool
	sawText       bool
	sawAudio      bool

	started   time.Time
	lastEvent time.Time

	waiter      chan TurnResult
	releaseOnce sync.Once

	// final is written before finished is closed.
	final    TurnResult
	finished chan struct{}
}

func newTurn(req TurnRequest, rate, chunkMs int, sink func(*turn, audio.Chunk)) *turn {
	t := &turn{
		id:       uuid.NewString(),
		req:      req,
		tools:    newToolBridge(),
		waiter:   make(chan TurnResult, 1),
		finished: make(chan struct{}),
	}
	t.jitter = audio.NewJitterBuffer(rate, chunkMs, func(c audio.Chunk) { sink(t, c) })
	return t
}

func (t *turn) advance(to TurnState) bool {
	if !canAdvance(t.state, to) {
		return false
	}
	t.state = to
	return true
}

func (t *turn) touch(now time.Time) { t.lastEvent = now }

func (t *turn) result() TurnResult {
	return TurnResult{
		TurnID:     t.id,
		State:      t.state,
		Text:       t.text.String(),
		ToolCalls:  t.tools.calls(),
		Usage:      t.usage,
		Implicit:   t.implicit,
		FollowUpOf: t.followUpOf,
		Err:        t.err,
	}
}

// release hands r to a waiting SendTurn caller. Only the first call counts.
func (t *turn) release(r TurnResult) {
	t.releaseOnce.Do(func() { t.waiter <- r })
}

// streaming reports whether the turn is still producing model output.
func (t *turn) streaming() bool {
	return t.state == StateOpening || t.state == StateStreaming
}
