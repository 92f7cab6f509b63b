package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/duplex/internal/audio"
	"github.com/ent0n29/duplex/internal/wire"
)

const (
	defaultOpenAIURL   = "wss://api.openai.com/v1/realtime"
	defaultOpenAIModel = "gpt-4o-realtime-preview"
	defaultOpenAIVoice = "alloy"
)

// OpenAI speaks the OpenAI realtime event protocol.
type OpenAI struct {
	cfg Config
}

func NewOpenAI(cfg Config) *OpenAI {
	if cfg.URL == "" {
		cfg.URL = defaultOpenAIURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	return &OpenAI{cfg: cfg}
}

func (c *OpenAI) Name() string { return "openai" }

func (c *OpenAI) Endpoint() wire.Endpoint {
	u := c.cfg.URL
	if parsed, err := url.Parse(u); err == nil {
		q := parsed.Query()
		if q.Get("model") == "" {
			q.Set("model", c.cfg.Model)
		}
		parsed.RawQuery = q.Encode()
		u = parsed.String()
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.APIKey)
	h.Set("OpenAI-Beta", "realtime=v1")
	return wire.Endpoint{URL: u, Header: h}
}

func (c *OpenAI) Capabilities() wire.Capabilities {
	return wire.Capabilities{
		InputRate:               audio.SampleRate24kHz,
		OutputRate:              audio.SampleRate24kHz,
		ExplicitResponse:        true,
		CompletesAfterToolCalls: true,
	}
}

type oaTurnDetection struct {
	Type              string `json:"type"`
	SilenceDurationMs int    `json:"silence_duration_ms,omitempty"`
	PrefixPaddingMs   int    `json:"prefix_padding_ms,omitempty"`
	CreateResponse    bool   `json:"create_response"`
	InterruptResponse bool   `json:"interrupt_response"`
}

type oaTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type oaSession struct {
	Modalities              []string         `json:"modalities"`
	Instructions            string           `json:"instructions,omitempty"`
	Voice                   string           `json:"voice,omitempty"`
	InputAudioFormat        string           `json:"input_audio_format"`
	OutputAudioFormat       string           `json:"output_audio_format"`
	InputAudioTranscription map[string]any   `json:"input_audio_transcription,omitempty"`
	TurnDetection           *oaTurnDetection `json:"turn_detection"`
	Tools                   []oaTool         `json:"tools"`
	ToolChoice              string           `json:"tool_choice,omitempty"`
}

type oaItem struct {
	ID        string      `json:"id,omitempty"`
	Type      string      `json:"type"`
	Role      string      `json:"role,omitempty"`
	Content   []oaContent `json:"content,omitempty"`
	CallID    string      `json:"call_id,omitempty"`
	Name      string      `json:"name,omitempty"`
	Arguments string      `json:"arguments,omitempty"`
	Output    string      `json:"output,omitempty"`
}

type oaContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type oaClientEvent struct {
	Type    string     `json:"type"`
	Session *oaSession `json:"session,omitempty"`
	Item    *oaItem    `json:"item,omitempty"`
	Audio   string     `json:"audio,omitempty"`
}

func (c *OpenAI) Encode(op wire.Op) ([]wire.Message, error) {
	switch o := op.(type) {
	case wire.SessionConfigure:
		s := &oaSession{
			Modalities:        []string{"text", "audio"},
			Instructions:      o.SystemPrompt,
			Voice:             firstNonEmpty(o.Voice, defaultOpenAIVoice),
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			Tools:             []oaTool{},
		}
		if o.TurnDetection.Mode == wire.TurnDetectionAuto {
			s.TurnDetection = &oaTurnDetection{
				Type:              "server_vad",
				SilenceDurationMs: o.TurnDetection.SilenceMs,
				PrefixPaddingMs:   o.TurnDetection.PrefixPaddingMs,
				CreateResponse:    true,
				InterruptResponse: true,
			}
		}
		for _, t := range o.Tools {
			s.Tools = append(s.Tools, oaTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: schemaOrEmpty(t.Parameters)})
		}
		if len(s.Tools) > 0 {
			s.ToolChoice = "auto"
		}
		return frames(oaClientEvent{Type: "session.update", Session: s})
	case wire.OpenTextTurn:
		return frames(oaClientEvent{Type: "conversation.item.create", Item: &oaItem{
			Type:    "message",
			Role:    "user",
			Content: []oaContent{{Type: "input_text", Text: o.Text}},
		}})
	case wire.AppendAudio:
		return frames(oaClientEvent{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(o.PCM)})
	case wire.CommitAudio:
		return frames(oaClientEvent{Type: "input_audio_buffer.commit"})
	case wire.CreateResponse:
		return frames(oaClientEvent{Type: "response.create"})
	case wire.CancelResponse:
		return frames(oaClientEvent{Type: "response.cancel"})
	case wire.SendToolResult:
		return frames(oaClientEvent{Type: "conversation.item.create", Item: &oaItem{
			Type:   "function_call_output",
			CallID: o.CallID,
			Output: o.Payload,
		}})
	default:
		return nil, fmt.Errorf("openai: unsupported op %T", op)
	}
}

type oaServerEvent struct {
	Type     string          `json:"type"`
	Delta    string          `json:"delta"`
	ItemID   string          `json:"item_id"`
	Args     string          `json:"arguments"`
	Item     *oaItem         `json:"item"`
	Session  *oaSessionInfo  `json:"session"`
	Response *oaResponseInfo `json:"response"`
	Error    *oaErrorDetail  `json:"error"`
}

type oaSessionInfo struct {
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type oaResponseInfo struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Usage  *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type oaErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ignoredOpenAIEvent reports well-formed events the engine has no use for.
func ignoredOpenAIEvent(t string) bool {
	switch t {
	case "session.updated", "conversation.created",
		"conversation.item.created", "conversation.item.truncated", "conversation.item.deleted",
		"input_audio_buffer.committed", "input_audio_buffer.cleared",
		"input_audio_buffer.speech_started", "input_audio_buffer.speech_stopped",
		"response.output_item.done", "response.content_part.added", "response.content_part.done",
		"response.text.done", "response.audio.done", "response.audio_transcript.done",
		"rate_limits.updated":
		return true
	}
	return strings.HasPrefix(t, "conversation.item.input_audio_transcription.")
}

func (c *OpenAI) Decode(msg wire.Message) ([]wire.Event, error) {
	if msg.Kind == wire.BinaryMessage {
		return nil, fmt.Errorf("openai: unexpected binary frame (%d bytes)", len(msg.Data))
	}
	var ev oaServerEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return nil, fmt.Errorf("openai: malformed event: %w", err)
	}

	switch ev.Type {
	case "session.created":
		ready := wire.SessionReady{}
		if ev.Session != nil {
			ready.Handle = ev.Session.ID
			if ev.Session.ExpiresAt > 0 {
				ready.ExpiresAt = time.Unix(ev.Session.ExpiresAt, 0).UTC()
			}
		}
		return []wire.Event{ready}, nil
	case "response.created":
		return []wire.Event{wire.TurnStarted{}}, nil
	case "response.text.delta", "response.audio_transcript.delta":
		if ev.Delta == "" {
			return nil, nil
		}
		return []wire.Event{wire.TextDelta{Text: ev.Delta}}, nil
	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return nil, fmt.Errorf("openai: audio delta decode: %w", err)
		}
		return []wire.Event{wire.AudioDelta{PCM: pcm}}, nil
	case "response.output_item.added":
		if ev.Item == nil || ev.Item.Type != "function_call" {
			return nil, nil
		}
		return []wire.Event{wire.ToolCallStarted{ID: ev.Item.ID, CallID: ev.Item.CallID, Name: ev.Item.Name}}, nil
	case "response.function_call_arguments.delta":
		return []wire.Event{wire.ToolArgsDelta{ID: ev.ItemID, Fragment: ev.Delta}}, nil
	case "response.function_call_arguments.done":
		return []wire.Event{wire.ToolCallDone{ID: ev.ItemID, Arguments: ev.Args}}, nil
	case "response.done":
		done := wire.TurnComplete{}
		if ev.Response != nil && ev.Response.Usage != nil {
			done.Usage = wire.Usage{InputTokens: ev.Response.Usage.InputTokens, OutputTokens: ev.Response.Usage.OutputTokens}
		}
		return []wire.Event{done}, nil
	case "error":
		if ev.Error == nil {
			return []wire.Event{wire.Error{Code: wire.CodeServerError}}, nil
		}
		return []wire.Event{wire.Error{Code: normalizeOpenAICode(ev.Error), Message: ev.Error.Message}}, nil
	}
	if ignoredOpenAIEvent(ev.Type) {
		return nil, nil
	}
	return nil, fmt.Errorf("openai %q: %w", ev.Type, wire.ErrUnknownEvent)
}

func normalizeOpenAICode(e *oaErrorDetail) string {
	msg := strings.ToLower(e.Message)
	switch {
	case e.Code == "session_expired" || strings.Contains(msg, "session has expired") || strings.Contains(msg, "maximum duration"):
		return wire.CodeSessionExpired
	case e.Code == "conversation_already_has_active_response" || strings.Contains(msg, "already has an active response"):
		return wire.CodeActiveResponse
	case e.Code != "":
		return e.Code
	case e.Type != "":
		return e.Type
	default:
		return wire.CodeServerError
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
