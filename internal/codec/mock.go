package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ent0n29/duplex/internal/audio"
	"github.com/ent0n29/duplex/internal/wire"
)

// Mock is a JSON codec that mirrors the wire ops and events one to one.
// It pairs with MockServer for local runs and tests.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (*Mock) Name() string { return "mock" }

func (*Mock) Endpoint() wire.Endpoint { return wire.Endpoint{URL: "mock://local"} }

func (*Mock) Capabilities() wire.Capabilities {
	return wire.Capabilities{
		InputRate:               audio.SampleRate16kHz,
		OutputRate:              audio.SampleRate24kHz,
		ExplicitResponse:        true,
		CompletesAfterToolCalls: true,
		Resumable:               true,
	}
}

type mockFrame struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	Voice        string          `json:"voice,omitempty"`
	Mode         string          `json:"mode,omitempty"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	Tools        []wire.Tool     `json:"tools,omitempty"`
	Handle       string          `json:"handle,omitempty"`
	ExpiresAt    int64           `json:"expires_at,omitempty"`
	PCM          string          `json:"pcm,omitempty"`
	Rate         int             `json:"rate,omitempty"`
	ID           string          `json:"id,omitempty"`
	CallID       string          `json:"call_id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Fragment     string          `json:"fragment,omitempty"`
	Arguments    string          `json:"arguments,omitempty"`
	Payload      string          `json:"payload,omitempty"`
	Usage        *wire.Usage     `json:"usage,omitempty"`
	Code         string          `json:"code,omitempty"`
	Message      string          `json:"message,omitempty"`
	TimeLeftMs   int64           `json:"time_left_ms,omitempty"`
	Extra        json.RawMessage `json:"extra,omitempty"`
}

func (*Mock) Encode(op wire.Op) ([]wire.Message, error) {
	var f mockFrame
	switch o := op.(type) {
	case wire.SessionConfigure:
		f = mockFrame{Type: "session.configure", Voice: o.Voice, Mode: o.TurnDetection.Mode.String(), SystemPrompt: o.SystemPrompt, Tools: o.Tools, Handle: o.ResumeHandle}
	case wire.OpenTextTurn:
		f = mockFrame{Type: "turn.text", Text: o.Text}
	case wire.AppendAudio:
		f = mockFrame{Type: "audio.append", PCM: base64.StdEncoding.EncodeToString(o.PCM), Rate: o.Rate}
	case wire.CommitAudio:
		f = mockFrame{Type: "audio.commit"}
	case wire.CreateResponse:
		f = mockFrame{Type: "response.create"}
	case wire.CancelResponse:
		f = mockFrame{Type: "response.cancel"}
	case wire.SendToolResult:
		f = mockFrame{Type: "tool.result", CallID: o.CallID, Name: o.Name, Payload: o.Payload}
	default:
		return nil, fmt.Errorf("mock: unsupported op %T", op)
	}
	return frames(f)
}

func (*Mock) Decode(msg wire.Message) ([]wire.Event, error) {
	var f mockFrame
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		return nil, fmt.Errorf("mock: malformed event: %w", err)
	}
	switch f.Type {
	case "session.ready":
		ev := wire.SessionReady{Handle: f.Handle}
		if f.ExpiresAt > 0 {
			ev.ExpiresAt = time.Unix(f.ExpiresAt, 0).UTC()
		}
		return []wire.Event{ev}, nil
	case "turn.started":
		return []wire.Event{wire.TurnStarted{}}, nil
	case "text.delta":
		return []wire.Event{wire.TextDelta{Text: f.Text}}, nil
	case "audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(f.PCM)
		if err != nil {
			return nil, fmt.Errorf("mock: audio delta decode: %w", err)
		}
		return []wire.Event{wire.AudioDelta{PCM: pcm}}, nil
	case "tool.started":
		return []wire.Event{wire.ToolCallStarted{ID: f.ID, CallID: f.CallID, Name: f.Name}}, nil
	case "tool.delta":
		return []wire.Event{wire.ToolArgsDelta{ID: f.ID, Fragment: f.Fragment}}, nil
	case "tool.done":
		return []wire.Event{wire.ToolCallDone{ID: f.ID, Arguments: f.Arguments}}, nil
	case "turn.complete":
		ev := wire.TurnComplete{}
		if f.Usage != nil {
			ev.Usage = *f.Usage
		}
		return []wire.Event{ev}, nil
	case "error":
		return []wire.Event{wire.Error{Code: f.Code, Message: f.Message}}, nil
	case "resumption.update":
		return []wire.Event{wire.ResumptionUpdate{Handle: f.Handle}}, nil
	case "go_away":
		return []wire.Event{wire.GoAway{TimeLeft: time.Duration(f.TimeLeftMs) * time.Millisecond}}, nil
	case "noop":
		return nil, nil
	}
	return nil, fmt.Errorf("mock %q: %w", f.Type, wire.ErrUnknownEvent)
}

// EncodeMockEvent renders ev in the mock wire format, as a provider would send it.
func EncodeMockEvent(ev wire.Event) (wire.Message, error) {
	var f mockFrame
	switch e := ev.(type) {
	case wire.SessionReady:
		f = mockFrame{Type: "session.ready", Handle: e.Handle}
		if !e.ExpiresAt.IsZero() {
			f.ExpiresAt = e.ExpiresAt.Unix()
		}
	case wire.TurnStarted:
		f = mockFrame{Type: "turn.started"}
	case wire.TextDelta:
		f = mockFrame{Type: "text.delta", Text: e.Text}
	case wire.AudioDelta:
		f = mockFrame{Type: "audio.delta", PCM: base64.StdEncoding.EncodeToString(e.PCM)}
	case wire.ToolCallStarted:
		f = mockFrame{Type: "tool.started", ID: e.ID, CallID: e.CallID, Name: e.Name}
	case wire.ToolArgsDelta:
		f = mockFrame{Type: "tool.delta", ID: e.ID, Fragment: e.Fragment}
	case wire.ToolCallDone:
		f = mockFrame{Type: "tool.done", ID: e.ID, Arguments: e.Arguments}
	case wire.TurnComplete:
		u := e.Usage
		f = mockFrame{Type: "turn.complete", Usage: &u}
	case wire.Error:
		f = mockFrame{Type: "error", Code: e.Code, Message: e.Message}
	case wire.ResumptionUpdate:
		f = mockFrame{Type: "resumption.update", Handle: e.Handle}
	case wire.GoAway:
		f = mockFrame{Type: "go_away", TimeLeftMs: e.TimeLeft.Milliseconds()}
	default:
		return wire.Message{}, fmt.Errorf("mock: unsupported event %T", ev)
	}
	return textFrame(f)
}

// DecodeMockOp parses a frame produced by Mock.Encode back into an op.
func DecodeMockOp(msg wire.Message) (wire.Op, error) {
	var f mockFrame
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		return nil, fmt.Errorf("mock: malformed op: %w", err)
	}
	switch f.Type {
	case "session.configure":
		mode := wire.TurnDetectionAuto
		if f.Mode == wire.TurnDetectionManual.String() {
			mode = wire.TurnDetectionManual
		}
		return wire.SessionConfigure{
			Voice:         f.Voice,
			SystemPrompt:  f.SystemPrompt,
			Tools:         f.Tools,
			ResumeHandle:  f.Handle,
			TurnDetection: wire.TurnDetection{Mode: mode},
		}, nil
	case "turn.text":
		return wire.OpenTextTurn{Text: f.Text}, nil
	case "audio.append":
		pcm, err := base64.StdEncoding.DecodeString(f.PCM)
		if err != nil {
			return nil, fmt.Errorf("mock: audio append decode: %w", err)
		}
		return wire.AppendAudio{PCM: pcm, Rate: f.Rate}, nil
	case "audio.commit":
		return wire.CommitAudio{}, nil
	case "response.create":
		return wire.CreateResponse{}, nil
	case "response.cancel":
		return wire.CancelResponse{}, nil
	case "tool.result":
		return wire.SendToolResult{CallID: f.CallID, Name: f.Name, Payload: f.Payload}, nil
	}
	return nil, fmt.Errorf("mock op %q: %w", f.Type, wire.ErrUnknownEvent)
}
