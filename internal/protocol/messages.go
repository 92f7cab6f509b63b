// Package protocol defines the JSON messages exchanged with gateway clients
// over the session websocket.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientTextTurn    MessageType = "client_text_turn"
	TypeClientAudioChunk  MessageType = "client_audio_chunk"
	TypeClientAudioTurn   MessageType = "client_audio_turn"
	TypeClientControl     MessageType = "client_control"
	TypeClientToolResults MessageType = "client_tool_results"

	TypeTurnStarted        MessageType = "turn_started"
	TypeAudioCommitted     MessageType = "audio_committed"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeAssistantAudio     MessageType = "assistant_audio_chunk"
	TypeAssistantTurnEnd   MessageType = "assistant_turn_end"
	TypeToolCalls          MessageType = "tool_calls"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

// Control actions.
const (
	ActionCommit        = "commit"
	ActionForceResponse = "force_response"
	ActionCancel        = "cancel"
	ActionReset         = "reset"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientTextTurn struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
	// Delegation asks for a routing decision instead of a spoken reply.
	Delegation bool `json:"delegation,omitempty"`
}

// ClientAudioChunk streams microphone audio into the provider input buffer.
type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
}

// ClientAudioTurn sends one complete utterance as a turn.
type ClientAudioTurn struct {
	Type        MessageType `json:"type"`
	AudioBase64 string      `json:"audio_base64"`
	Format      string      `json:"format"`
	SampleRate  int         `json:"sample_rate"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

type ToolResult struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Output string `json:"output"`
}

type ClientToolResults struct {
	Type    MessageType  `json:"type"`
	Results []ToolResult `json:"results"`
	// Continue asks the model to respond to the results.
	Continue bool `json:"continue"`
}

type TurnStarted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
}

type AudioCommitted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	TextDelta string      `json:"text_delta"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	SampleRate  int         `json:"sample_rate"`
	Final       bool        `json:"final,omitempty"`
	AudioBase64 string      `json:"audio_base64"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type AssistantTurnEnd struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	TurnID     string      `json:"turn_id"`
	Reason     string      `json:"reason"`
	Text       string      `json:"text,omitempty"`
	Implicit   bool        `json:"implicit,omitempty"`
	FollowUpOf string      `json:"follow_up_of,omitempty"`
	NextTarget string      `json:"next_target,omitempty"`
	Usage      Usage       `json:"usage"`
	Error      string      `json:"error,omitempty"`
}

type ToolCall struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCalls asks the client to run calls the gateway has no executor for.
type ToolCalls struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Calls     []ToolCall  `json:"calls"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates one client frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientTextTurn:
		var msg ClientTextTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_text_turn: empty text")
		}
		return msg, nil
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientAudioTurn:
		var msg ClientAudioTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.AudioBase64 == "" {
			return nil, errors.New("invalid client_audio_turn: empty audio")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionCommit, ActionForceResponse, ActionCancel, ActionReset:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	case TypeClientToolResults:
		var msg ClientToolResults
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if len(msg.Results) == 0 {
			return nil, errors.New("invalid client_tool_results: no results")
		}
		for _, r := range msg.Results {
			if r.CallID == "" {
				return nil, errors.New("invalid client_tool_results: missing call_id")
			}
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// DecodeAudio returns the raw bytes of a base64 audio field.
func DecodeAudio(b64 string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 audio: %w", err)
	}
	return data, nil
}

func EncodeAudio(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// TypeOf reports the message type of a parsed or outbound message.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientTextTurn:
		return m.Type, true
	case ClientAudioChunk:
		return m.Type, true
	case ClientAudioTurn:
		return m.Type, true
	case ClientControl:
		return m.Type, true
	case ClientToolResults:
		return m.Type, true
	case TurnStarted:
		return m.Type, true
	case AudioCommitted:
		return m.Type, true
	case AssistantTextDelta:
		return m.Type, true
	case AssistantAudioChunk:
		return m.Type, true
	case AssistantTurnEnd:
		return m.Type, true
	case ToolCalls:
		return m.Type, true
	case SystemEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
