// Package wire defines the provider-neutral contract between the realtime engine,
// its protocol codecs and its transports.
//
// Outbound traffic is expressed as Op values and inbound traffic as Event values.
// Both are closed sets: only types in this package satisfy the interfaces, so a
// type switch over them is exhaustive.
package wire

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// ErrUnknownEvent is returned by Codec.Decode for well-formed messages whose
// type the codec does not recognize.
var ErrUnknownEvent = errors.New("unknown inbound event")

// MessageKind distinguishes text and binary frames.
type MessageKind int

const (
	TextMessage MessageKind = iota + 1
	BinaryMessage
)

// Message is one transport frame.
type Message struct {
	Kind MessageKind
	Data []byte
}

// Endpoint is what a transport needs to dial a provider.
type Endpoint struct {
	URL    string
	Header http.Header
}

// Transport is a duplex message connection.
type Transport interface {
	Connect(ctx context.Context, ep Endpoint) error
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Capabilities describes provider behavior the engine adapts to.
type Capabilities struct {
	// InputRate and OutputRate are the PCM16 sample rates on the wire.
	InputRate  int
	OutputRate int
	// ExplicitResponse means a committed input or tool result only yields model
	// output after a CreateResponse op.
	ExplicitResponse bool
	// CompletesAfterToolCalls means the provider sends TurnComplete for the
	// response that requested tools, before any tool result is delivered.
	CompletesAfterToolCalls bool
	// Resumable means SessionConfigure.ResumeHandle is honored.
	Resumable bool
}

// Codec translates between ops/events and provider wire messages. A codec
// instance belongs to one connection and may keep per-connection state.
type Codec interface {
	Name() string
	Endpoint() Endpoint
	Capabilities() Capabilities
	Encode(op Op) ([]Message, error)
	Decode(msg Message) ([]Event, error)
}

// TurnDetectionMode selects who decides when user input ends.
type TurnDetectionMode int

const (
	TurnDetectionAuto TurnDetectionMode = iota
	TurnDetectionManual
)

func (m TurnDetectionMode) String() string {
	if m == TurnDetectionManual {
		return "manual"
	}
	return "auto"
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Mode            TurnDetectionMode
	SilenceMs       int
	PrefixPaddingMs int
}

// Tool is a function the model may call.
type Tool struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty" yaml:"-"`
}

// AudioFormat names the PCM encoding on one direction of the wire.
type AudioFormat struct {
	Encoding   string
	SampleRate int
}

// Usage is token accounting for one response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// IsZero reports whether no tokens were counted.
func (u Usage) IsZero() bool { return u.InputTokens == 0 && u.OutputTokens == 0 }

// Op is an outbound operation.
type Op interface{ isOp() }

type SessionConfigure struct {
	Model         string
	Voice         string
	InputFormat   AudioFormat
	OutputFormat  AudioFormat
	TurnDetection TurnDetection
	Tools         []Tool
	SystemPrompt  string
	ResumeHandle  string
}

type OpenTextTurn struct {
	Text string
}

type AppendAudio struct {
	PCM  []byte
	Rate int
}

type CommitAudio struct{}

type CreateResponse struct{}

type CancelResponse struct{}

type SendToolResult struct {
	CallID  string
	Name    string
	Payload string
}

func (SessionConfigure) isOp() {}
func (OpenTextTurn) isOp()     {}
func (AppendAudio) isOp()      {}
func (CommitAudio) isOp()      {}
func (CreateResponse) isOp()   {}
func (CancelResponse) isOp()   {}
func (SendToolResult) isOp()   {}

// OpName returns a stable label for op, used in logs and metrics.
func OpName(op Op) string {
	switch op.(type) {
	case SessionConfigure:
		return "session_configure"
	case OpenTextTurn:
		return "open_text_turn"
	case AppendAudio:
		return "append_audio"
	case CommitAudio:
		return "commit_audio"
	case CreateResponse:
		return "create_response"
	case CancelResponse:
		return "cancel_response"
	case SendToolResult:
		return "send_tool_result"
	default:
		return "unknown"
	}
}

// Event is an inbound, decoded session event.
type Event interface{ isEvent() }

type SessionReady struct {
	Handle    string
	ExpiresAt time.Time
}

type TurnStarted struct{}

type TextDelta struct {
	Text string
}

type AudioDelta struct {
	PCM []byte
}

type ToolCallStarted struct {
	ID     string
	CallID string
	Name   string
}

type ToolArgsDelta struct {
	ID       string
	Fragment string
}

// ToolCallDone closes a tool call. Arguments, when set, is the provider's
// complete argument string and supersedes the accumulated fragments.
type ToolCallDone struct {
	ID        string
	Arguments string
}

type TurnComplete struct {
	Usage Usage
}

type Error struct {
	Code    string
	Message string
}

type ResumptionUpdate struct {
	Handle string
}

// GoAway announces that the provider will drop the connection soon.
type GoAway struct {
	TimeLeft time.Duration
}

func (SessionReady) isEvent()     {}
func (TurnStarted) isEvent()      {}
func (TextDelta) isEvent()        {}
func (AudioDelta) isEvent()       {}
func (ToolCallStarted) isEvent()  {}
func (ToolArgsDelta) isEvent()    {}
func (ToolCallDone) isEvent()     {}
func (TurnComplete) isEvent()     {}
func (Error) isEvent()            {}
func (ResumptionUpdate) isEvent() {}
func (GoAway) isEvent()           {}

// EventName returns a stable label for ev, used in logs and metrics.
func EventName(ev Event) string {
	switch ev.(type) {
	case SessionReady:
		return "session_ready"
	case TurnStarted:
		return "turn_started"
	case TextDelta:
		return "text_delta"
	case AudioDelta:
		return "audio_delta"
	case ToolCallStarted:
		return "tool_call_started"
	case ToolArgsDelta:
		return "tool_args_delta"
	case ToolCallDone:
		return "tool_call_done"
	case TurnComplete:
		return "turn_complete"
	case Error:
		return "error"
	case ResumptionUpdate:
		return "resumption_update"
	case GoAway:
		return "go_away"
	default:
		return "unknown"
	}
}

// Well-known Error codes normalized by codecs.
const (
	CodeSessionExpired       = "session_expired"
	CodeActiveResponse       = "active_response_conflict"
	CodeResponseNotFound     = "response_cancel_not_active"
	CodeInputBufferEmpty     = "input_audio_buffer_commit_empty"
	CodeInvalidRequest       = "invalid_request_error"
	CodeServerError          = "server_error"
	CodeRateLimited          = "rate_limit_exceeded"
	CodeConnectionTerminated = "connection_terminated"
)
