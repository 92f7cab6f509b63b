package codec

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/duplex/internal/wire"
)

func decodeJSON(t *testing.T, msg wire.Message) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &out))
	return out
}

func TestOpenAIEndpoint(t *testing.T) {
	c := NewOpenAI(Config{APIKey: "sk-test", Model: "gpt-test"})
	ep := c.Endpoint()
	assert.Equal(t, "wss://api.openai.com/v1/realtime?model=gpt-test", ep.URL)
	assert.Equal(t, "Bearer sk-test", ep.Header.Get("Authorization"))
	assert.Equal(t, "realtime=v1", ep.Header.Get("OpenAI-Beta"))
}

func TestOpenAIEncodeSessionUpdate(t *testing.T) {
	c := NewOpenAI(Config{})
	msgs, err := c.Encode(wire.SessionConfigure{
		Voice:         "verse",
		TurnDetection: wire.TurnDetection{Mode: wire.TurnDetectionAuto, SilenceMs: 2000, PrefixPaddingMs: 300},
		Tools:         []wire.Tool{{Name: "lookup", Description: "find things"}},
		SystemPrompt:  "be brief",
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	ev := decodeJSON(t, msgs[0])
	assert.Equal(t, "session.update", ev["type"])
	session := ev["session"].(map[string]any)
	assert.Equal(t, "verse", session["voice"])
	assert.Equal(t, "be brief", session["instructions"])
	assert.Equal(t, "auto", session["tool_choice"])

	td := session["turn_detection"].(map[string]any)
	assert.Equal(t, "server_vad", td["type"])
	assert.EqualValues(t, 2000, td["silence_duration_ms"])
	assert.EqualValues(t, 300, td["prefix_padding_ms"])

	tools := session["tools"].([]any)
	require.Len(t, tools, 1)
	tool := tools[0].(map[string]any)
	assert.Equal(t, "function", tool["type"])
	assert.Equal(t, "object", tool["parameters"].(map[string]any)["type"])
}

func TestOpenAIEncodeManualDisablesVAD(t *testing.T) {
	msgs, err := NewOpenAI(Config{}).Encode(wire.SessionConfigure{TurnDetection: wire.TurnDetection{Mode: wire.TurnDetectionManual}})
	require.NoError(t, err)
	session := decodeJSON(t, msgs[0])["session"].(map[string]any)
	v, ok := session["turn_detection"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestOpenAIEncodeOps(t *testing.T) {
	c := NewOpenAI(Config{})
	cases := []struct {
		op   wire.Op
		want string
	}{
		{wire.OpenTextTurn{Text: "hi"}, "conversation.item.create"},
		{wire.AppendAudio{PCM: []byte{1, 2}}, "input_audio_buffer.append"},
		{wire.CommitAudio{}, "input_audio_buffer.commit"},
		{wire.CreateResponse{}, "response.create"},
		{wire.CancelResponse{}, "response.cancel"},
		{wire.SendToolResult{CallID: "call_1", Payload: `{"ok":true}`}, "conversation.item.create"},
	}
	for _, tc := range cases {
		msgs, err := c.Encode(tc.op)
		require.NoError(t, err, wire.OpName(tc.op))
		require.Len(t, msgs, 1)
		assert.Equal(t, tc.want, decodeJSON(t, msgs[0])["type"], wire.OpName(tc.op))
	}

	msgs, _ := c.Encode(wire.SendToolResult{CallID: "call_1", Payload: "42"})
	item := decodeJSON(t, msgs[0])["item"].(map[string]any)
	assert.Equal(t, "function_call_output", item["type"])
	assert.Equal(t, "call_1", item["call_id"])
	assert.Equal(t, "42", item["output"])
}

func oaMsg(s string) wire.Message { return wire.Message{Kind: wire.TextMessage, Data: []byte(s)} }

func TestOpenAIDecode(t *testing.T) {
	c := NewOpenAI(Config{})
	pcm := base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0})

	cases := []struct {
		name string
		in   string
		want []wire.Event
	}{
		{"session", `{"type":"session.created","session":{"id":"sess_1","expires_at":0}}`, []wire.Event{wire.SessionReady{Handle: "sess_1"}}},
		{"started", `{"type":"response.created"}`, []wire.Event{wire.TurnStarted{}}},
		{"text", `{"type":"response.audio_transcript.delta","delta":"hel"}`, []wire.Event{wire.TextDelta{Text: "hel"}}},
		{"empty text", `{"type":"response.text.delta","delta":""}`, nil},
		{"audio", `{"type":"response.audio.delta","delta":"` + pcm + `"}`, []wire.Event{wire.AudioDelta{PCM: []byte{1, 0, 2, 0}}}},
		{"tool start", `{"type":"response.output_item.added","item":{"id":"it_1","type":"function_call","call_id":"call_1","name":"lookup"}}`,
			[]wire.Event{wire.ToolCallStarted{ID: "it_1", CallID: "call_1", Name: "lookup"}}},
		{"message item", `{"type":"response.output_item.added","item":{"id":"it_2","type":"message"}}`, nil},
		{"tool delta", `{"type":"response.function_call_arguments.delta","item_id":"it_1","delta":"{\"q\":"}`,
			[]wire.Event{wire.ToolArgsDelta{ID: "it_1", Fragment: `{"q":`}}},
		{"tool done", `{"type":"response.function_call_arguments.done","item_id":"it_1","arguments":"{\"q\":1}"}`,
			[]wire.Event{wire.ToolCallDone{ID: "it_1", Arguments: `{"q":1}`}}},
		{"done", `{"type":"response.done","response":{"usage":{"input_tokens":3,"output_tokens":5}}}`,
			[]wire.Event{wire.TurnComplete{Usage: wire.Usage{InputTokens: 3, OutputTokens: 5}}}},
		{"ignored", `{"type":"input_audio_buffer.speech_started"}`, nil},
		{"transcription", `{"type":"conversation.item.input_audio_transcription.completed"}`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.Decode(oaMsg(tc.in))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestOpenAIDecodeErrors(t *testing.T) {
	c := NewOpenAI(Config{})

	got, err := c.Decode(oaMsg(`{"type":"error","error":{"type":"invalid_request_error","code":"conversation_already_has_active_response","message":"Conversation already has an active response"}}`))
	require.NoError(t, err)
	assert.Equal(t, []wire.Event{wire.Error{Code: wire.CodeActiveResponse, Message: "Conversation already has an active response"}}, got)

	got, err = c.Decode(oaMsg(`{"type":"error","error":{"type":"invalid_request_error","message":"Your session hit the maximum duration of 30 minutes."}}`))
	require.NoError(t, err)
	assert.Equal(t, wire.CodeSessionExpired, got[0].(wire.Error).Code)

	_, err = c.Decode(oaMsg(`{"type":"response.brand_new"}`))
	assert.ErrorIs(t, err, wire.ErrUnknownEvent)

	_, err = c.Decode(oaMsg(`{not json`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, wire.ErrUnknownEvent)

	_, err = c.Decode(wire.Message{Kind: wire.BinaryMessage, Data: []byte{0}})
	assert.Error(t, err)
}
