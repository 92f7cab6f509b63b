package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/ent0n29/duplex/internal/audio"
	"github.com/ent0n29/duplex/internal/logger"
	"github.com/ent0n29/duplex/internal/observability"
	"github.com/ent0n29/duplex/internal/wire"
)

// TurnMode selects who bounds user turns.
type TurnMode int

const (
	// TurnModeAuto lets the provider's voice activity detection end turns.
	TurnModeAuto TurnMode = iota
	// TurnModeManual ends turns only on explicit commit.
	TurnModeManual
)

func (m TurnMode) String() string {
	if m == TurnModeManual {
		return "manual"
	}
	return "auto"
}

// SessionConfig describes the provider session to open.
type SessionConfig struct {
	Provider           string
	ModelID            string
	Voice              string
	TurnMode           TurnMode
	VADSilenceMs       int
	VADPrefixPaddingMs int
	SystemPrompt       string
	Tools              []wire.Tool
	// ResumptionHandle asks the provider to reattach to an earlier session.
	ResumptionHandle string
}

// Handlers receive session output. All of them run on one delivery goroutine,
// in event order, and may call back into the Manager.
type Handlers struct {
	Text           func(turnID, delta string)
	Audio          func(turnID string, chunk audio.Chunk)
	ShouldStop     func() bool
	ToolCalls      func(turnID string, calls []ToolCall)
	AudioCommitted func(turnID string)
	TurnDone       func(TurnResult)
}

// TurnRequest is one user turn. Text and Audio may both be set.
type TurnRequest struct {
	Text        string
	Audio       []byte
	AudioFormat string
	AudioRate   int
	// Wait blocks SendTurn until the turn finishes or ctx is done.
	Wait bool
	// ShouldStop overrides Handlers.ShouldStop for this turn.
	ShouldStop func() bool
	// Delegation parses the output as a routing decision.
	Delegation bool
}

// ToolCall is one completed function call requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the output for one ToolCall, matched by CallID.
type ToolResult struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Output string `json:"output"`
}

// TurnResult describes a turn when it finishes, or when it stops to wait for
// tool results and no ToolCalls handler is installed.
type TurnResult struct {
	TurnID    string
	State     TurnState
	Text      string
	ToolCalls []ToolCall
	Usage     wire.Usage
	// Implicit is set for turns the provider started on its own.
	Implicit bool
	// FollowUpOf names the turn whose tool results opened this one.
	FollowUpOf string
	// NextTarget and Content hold the routing decision of a delegation turn.
	NextTarget string
	Content    string
	Err        error
}

// Record is the conversation record the engine writes through.
type Record interface {
	SetResumptionHandle(ctx context.Context, handle string, expiresAt time.Time) error
	AppendUsage(ctx context.Context, usage wire.Usage) error
	AppendOutputText(ctx context.Context, turnID, text string) error
}

// Snapshot is a point-in-time view of a Manager.
type Snapshot struct {
	Closed      bool      `json:"closed"`
	Open        bool      `json:"open"`
	Provider    string    `json:"provider"`
	Mode        string    `json:"mode"`
	Handle      string    `json:"handle,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
	ActiveTurn  string    `json:"active_turn,omitempty"`
	ActiveState string    `json:"active_state,omitempty"`
	Queued      int       `json:"queued"`
	Connections int       `json:"connections"`
}

// Options configures a Manager. Codec and Transport are required.
type Options struct {
	Codec     func() wire.Codec
	Transport func() wire.Transport
	Record    Record
	Logger    *slog.Logger
	Metrics   *observability.Metrics

	CallTimeout      time.Duration
	TurnIdleTimeout  time.Duration
	ResetWaitTimeout time.Duration
	StopPollInterval time.Duration
	InputChunkMs     int
	OutputChunkMs    int
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	// DefaultTarget receives delegation output that carries no valid route.
	DefaultTarget string
	// Session, when set, is opened by the first SendTurn on a Manager that
	// has no session yet. Without it SendTurn returns ErrNoSession.
	Session *SessionConfig
}

const (
	defaultCallTimeout      = 10 * time.Second
	defaultTurnIdleTimeout  = 45 * time.Second
	defaultResetWaitTimeout = 5 * time.Second
	defaultStopPollInterval = 100 * time.Millisecond
	defaultInputChunkMs     = 50
	defaultReconnectBase    = 250 * time.Millisecond
	defaultReconnectMax     = 5 * time.Second
	defaultDelegationTarget = "assistant"
)

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	if o.TurnIdleTimeout <= 0 {
		o.TurnIdleTimeout = defaultTurnIdleTimeout
	}
	if o.ResetWaitTimeout <= 0 {
		o.ResetWaitTimeout = defaultResetWaitTimeout
	}
	if o.StopPollInterval <= 0 {
		o.StopPollInterval = defaultStopPollInterval
	}
	if o.InputChunkMs <= 0 {
		o.InputChunkMs = defaultInputChunkMs
	}
	if o.OutputChunkMs <= 0 {
		o.OutputChunkMs = audio.DefaultOutputChunkMs
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = defaultReconnectBase
	}
	if o.ReconnectMax < o.ReconnectBase {
		o.ReconnectMax = defaultReconnectMax
	}
	if o.DefaultTarget == "" {
		o.DefaultTarget = defaultDelegationTarget
	}
	if o.Logger == nil {
		o.Logger = logger.DefaultLogger
	}
	return o
}
