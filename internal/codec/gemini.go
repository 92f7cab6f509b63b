package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/duplex/internal/audio"
	"github.com/ent0n29/duplex/internal/wire"
)

const (
	defaultGeminiURL   = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	defaultGeminiModel = "gemini-2.0-flash-live-001"
	defaultGeminiVoice = "Puck"
)

// Gemini speaks the Gemini Live bidirectional protocol.
//
// Encode and Decode keep separate state, so one goroutine may encode while
// another decodes. Each side must be called serially.
type Gemini struct {
	cfg Config

	// encode side
	manual       bool
	activityOpen bool

	// decode side
	turnOpen    bool
	interrupted bool
	usage       wire.Usage
}

func NewGemini(cfg Config) *Gemini {
	if cfg.URL == "" {
		cfg.URL = defaultGeminiURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	return &Gemini{cfg: cfg}
}

func (c *Gemini) Name() string { return "gemini" }

func (c *Gemini) Endpoint() wire.Endpoint {
	u := c.cfg.URL
	if c.cfg.APIKey != "" {
		if parsed, err := url.Parse(u); err == nil {
			q := parsed.Query()
			q.Set("key", c.cfg.APIKey)
			parsed.RawQuery = q.Encode()
			u = parsed.String()
		}
	}
	return wire.Endpoint{URL: u}
}

func (c *Gemini) Capabilities() wire.Capabilities {
	return wire.Capabilities{
		InputRate:  audio.SampleRate16kHz,
		OutputRate: audio.SampleRate24kHz,
		Resumable:  true,
	}
}

func modelPath(model string) string {
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

type gmPart struct {
	Text       string    `json:"text,omitempty"`
	InlineData *gmInline `json:"inlineData,omitempty"`
}

type gmInline struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}

type gmFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func (c *Gemini) Encode(op wire.Op) ([]wire.Message, error) {
	switch o := op.(type) {
	case wire.SessionConfigure:
		c.manual = o.TurnDetection.Mode == wire.TurnDetectionManual
		c.activityOpen = false
		return frames(map[string]any{"setup": c.setup(o)})
	case wire.OpenTextTurn:
		return frames(map[string]any{"clientContent": map[string]any{
			"turns":        []gmContent{{Role: "user", Parts: []gmPart{{Text: o.Text}}}},
			"turnComplete": true,
		}})
	case wire.AppendAudio:
		rate := o.Rate
		if rate <= 0 {
			rate = audio.SampleRate16kHz
		}
		chunk := map[string]any{"realtimeInput": map[string]any{
			"audio": gmInline{MimeType: fmt.Sprintf("audio/pcm;rate=%d", rate), Data: base64.StdEncoding.EncodeToString(o.PCM)},
		}}
		if c.manual && !c.activityOpen {
			c.activityOpen = true
			return frames(map[string]any{"realtimeInput": map[string]any{"activityStart": struct{}{}}}, chunk)
		}
		return frames(chunk)
	case wire.CommitAudio:
		if !c.manual {
			return frames(map[string]any{"realtimeInput": map[string]any{"audioStreamEnd": true}})
		}
		if !c.activityOpen {
			return nil, nil
		}
		c.activityOpen = false
		return frames(map[string]any{"realtimeInput": map[string]any{"activityEnd": struct{}{}}})
	case wire.CreateResponse, wire.CancelResponse:
		// Responses start on turnComplete or activityEnd; there is no cancel op.
		return nil, nil
	case wire.SendToolResult:
		return frames(map[string]any{"toolResponse": map[string]any{
			"functionResponses": []map[string]any{{
				"id":       o.CallID,
				"name":     o.Name,
				"response": toolResponseObject(o.Payload),
			}},
		}})
	default:
		return nil, fmt.Errorf("gemini: unsupported op %T", op)
	}
}

func (c *Gemini) setup(o wire.SessionConfigure) map[string]any {
	setup := map[string]any{
		"model": modelPath(firstNonEmpty(o.Model, c.cfg.Model)),
		"generationConfig": map[string]any{
			"responseModalities": []string{"AUDIO"},
			"speechConfig": map[string]any{
				"voiceConfig": map[string]any{
					"prebuiltVoiceConfig": map[string]any{"voiceName": firstNonEmpty(o.Voice, defaultGeminiVoice)},
				},
			},
		},
		"outputAudioTranscription": struct{}{},
		"inputAudioTranscription":  struct{}{},
	}

	vad := map[string]any{}
	if o.TurnDetection.Mode == wire.TurnDetectionManual {
		vad["disabled"] = true
	} else {
		if o.TurnDetection.SilenceMs > 0 {
			vad["silenceDurationMs"] = o.TurnDetection.SilenceMs
		}
		if o.TurnDetection.PrefixPaddingMs > 0 {
			vad["prefixPaddingMs"] = o.TurnDetection.PrefixPaddingMs
		}
	}
	setup["realtimeInputConfig"] = map[string]any{"automaticActivityDetection": vad}

	if o.SystemPrompt != "" {
		setup["systemInstruction"] = gmContent{Parts: []gmPart{{Text: o.SystemPrompt}}}
	}
	if len(o.Tools) > 0 {
		decls := make([]gmFunctionDecl, 0, len(o.Tools))
		for _, t := range o.Tools {
			decls = append(decls, gmFunctionDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		setup["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	resumption := map[string]any{}
	if o.ResumeHandle != "" {
		resumption["handle"] = o.ResumeHandle
	}
	setup["sessionResumption"] = resumption
	return setup
}

type gmServerMessage struct {
	SetupComplete           *struct{}           `json:"setupComplete"`
	ServerContent           *gmServerContent    `json:"serverContent"`
	ToolCall                *gmToolCall         `json:"toolCall"`
	ToolCallCancellation    *json.RawMessage    `json:"toolCallCancellation"`
	UsageMetadata           *gmUsage            `json:"usageMetadata"`
	SessionResumptionUpdate *gmResumptionUpdate `json:"sessionResumptionUpdate"`
	GoAway                  *gmGoAway           `json:"goAway"`
}

type gmServerContent struct {
	ModelTurn           *gmContent       `json:"modelTurn"`
	TurnComplete        bool             `json:"turnComplete"`
	GenerationComplete  bool             `json:"generationComplete"`
	Interrupted         bool             `json:"interrupted"`
	OutputTranscription *gmTranscription `json:"outputTranscription"`
	InputTranscription  *gmTranscription `json:"inputTranscription"`
}

type gmTranscription struct {
	Text string `json:"text"`
}

type gmToolCall struct {
	FunctionCalls []struct {
		ID   string          `json:"id"`
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"functionCalls"`
}

type gmUsage struct {
	PromptTokenCount   int `json:"promptTokenCount"`
	ResponseTokenCount int `json:"responseTokenCount"`
}

type gmResumptionUpdate struct {
	NewHandle string `json:"newHandle"`
	Resumable bool   `json:"resumable"`
}

type gmGoAway struct {
	TimeLeft string `json:"timeLeft"`
}

func (c *Gemini) Decode(msg wire.Message) ([]wire.Event, error) {
	var m gmServerMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		return nil, fmt.Errorf("gemini: malformed message: %w", err)
	}

	var events []wire.Event
	known := false

	if m.SetupComplete != nil {
		known = true
		events = append(events, wire.SessionReady{})
	}
	if u := m.SessionResumptionUpdate; u != nil {
		known = true
		if u.Resumable && u.NewHandle != "" {
			events = append(events, wire.ResumptionUpdate{Handle: u.NewHandle})
		}
	}
	if m.UsageMetadata != nil {
		known = true
		c.usage = wire.Usage{InputTokens: m.UsageMetadata.PromptTokenCount, OutputTokens: m.UsageMetadata.ResponseTokenCount}
	}
	if tc := m.ToolCall; tc != nil {
		known = true
		events = c.openTurn(events)
		for _, fc := range tc.FunctionCalls {
			args := string(fc.Args)
			if args == "" || args == "null" {
				args = "{}"
			}
			events = append(events,
				wire.ToolCallStarted{ID: fc.ID, CallID: fc.ID, Name: fc.Name},
				wire.ToolArgsDelta{ID: fc.ID, Fragment: args},
				wire.ToolCallDone{ID: fc.ID},
			)
		}
	}
	if m.ToolCallCancellation != nil {
		known = true
	}
	if sc := m.ServerContent; sc != nil {
		known = true
		events = c.decodeContent(sc, events)
	}
	if g := m.GoAway; g != nil {
		known = true
		left, _ := time.ParseDuration(g.TimeLeft)
		events = append(events, wire.GoAway{TimeLeft: left})
	}

	if !known {
		return nil, fmt.Errorf("gemini: %w", wire.ErrUnknownEvent)
	}
	return events, nil
}

func (c *Gemini) openTurn(events []wire.Event) []wire.Event {
	if c.turnOpen {
		return events
	}
	c.turnOpen = true
	c.interrupted = false
	return append(events, wire.TurnStarted{})
}

func (c *Gemini) decodeContent(sc *gmServerContent, events []wire.Event) []wire.Event {
	if sc.ModelTurn != nil || sc.OutputTranscription != nil {
		events = c.openTurn(events)
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.Text != "" {
				events = append(events, wire.TextDelta{Text: p.Text})
			}
			if p.InlineData != nil && strings.HasPrefix(p.InlineData.MimeType, "audio/") {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err == nil && len(pcm) > 0 {
					events = append(events, wire.AudioDelta{PCM: pcm})
				}
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, wire.TextDelta{Text: sc.OutputTranscription.Text})
	}
	switch {
	case sc.Interrupted:
		// Barge-in on the server side ends the turn now; the trailing
		// turnComplete for the same turn is swallowed.
		events = c.completeTurn(events)
		c.interrupted = !sc.TurnComplete
	case sc.TurnComplete && c.interrupted && !c.turnOpen:
		c.interrupted = false
	case sc.TurnComplete:
		events = c.completeTurn(events)
	}
	return events
}

func (c *Gemini) completeTurn(events []wire.Event) []wire.Event {
	events = append(events, wire.TurnComplete{Usage: c.usage})
	c.usage = wire.Usage{}
	c.turnOpen = false
	return events
}
