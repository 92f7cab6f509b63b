package codec

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/duplex/internal/wire"
)

func TestGeminiEndpointCarriesKey(t *testing.T) {
	ep := NewGemini(Config{APIKey: "AIza-test"}).Endpoint()
	assert.Contains(t, ep.URL, "key=AIza-test")
	assert.Contains(t, ep.URL, "BidiGenerateContent")
}

func TestGeminiSetup(t *testing.T) {
	c := NewGemini(Config{Model: "gemini-live-test"})
	msgs, err := c.Encode(wire.SessionConfigure{
		TurnDetection: wire.TurnDetection{Mode: wire.TurnDetectionAuto, SilenceMs: 1500},
		Tools:         []wire.Tool{{Name: "lookup"}},
		SystemPrompt:  "be brief",
		ResumeHandle:  "h-1",
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	setup := decodeJSON(t, msgs[0])["setup"].(map[string]any)
	assert.Equal(t, "models/gemini-live-test", setup["model"])
	assert.Equal(t, "h-1", setup["sessionResumption"].(map[string]any)["handle"])
	vad := setup["realtimeInputConfig"].(map[string]any)["automaticActivityDetection"].(map[string]any)
	assert.EqualValues(t, 1500, vad["silenceDurationMs"])
	assert.NotContains(t, vad, "disabled")
	decls := setup["tools"].([]any)[0].(map[string]any)["functionDeclarations"].([]any)
	assert.Equal(t, "lookup", decls[0].(map[string]any)["name"])
}

func TestGeminiManualActivityBrackets(t *testing.T) {
	c := NewGemini(Config{})
	_, err := c.Encode(wire.SessionConfigure{TurnDetection: wire.TurnDetection{Mode: wire.TurnDetectionManual}})
	require.NoError(t, err)

	first, err := c.Encode(wire.AppendAudio{PCM: []byte{0, 0}, Rate: 16000})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Contains(t, decodeJSON(t, first[0])["realtimeInput"], "activityStart")
	audioIn := decodeJSON(t, first[1])["realtimeInput"].(map[string]any)["audio"].(map[string]any)
	assert.Equal(t, "audio/pcm;rate=16000", audioIn["mimeType"])

	second, err := c.Encode(wire.AppendAudio{PCM: []byte{0, 0}, Rate: 16000})
	require.NoError(t, err)
	assert.Len(t, second, 1)

	end, err := c.Encode(wire.CommitAudio{})
	require.NoError(t, err)
	require.Len(t, end, 1)
	assert.Contains(t, decodeJSON(t, end[0])["realtimeInput"], "activityEnd")

	again, err := c.Encode(wire.CommitAudio{})
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestGeminiResponseOpsAreImplicit(t *testing.T) {
	c := NewGemini(Config{})
	for _, op := range []wire.Op{wire.CreateResponse{}, wire.CancelResponse{}} {
		msgs, err := c.Encode(op)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	}
}

func TestGeminiToolResponseWrapsScalars(t *testing.T) {
	msgs, err := NewGemini(Config{}).Encode(wire.SendToolResult{CallID: "fc_1", Name: "lookup", Payload: "sunny"})
	require.NoError(t, err)
	resp := decodeJSON(t, msgs[0])["toolResponse"].(map[string]any)["functionResponses"].([]any)[0].(map[string]any)
	assert.Equal(t, "fc_1", resp["id"])
	assert.Equal(t, map[string]any{"output": "sunny"}, resp["response"])
}

func TestGeminiDecodeTurn(t *testing.T) {
	c := NewGemini(Config{})
	pcm := base64.StdEncoding.EncodeToString([]byte{5, 0, 6, 0})

	got, err := c.Decode(oaMsg(`{"setupComplete":{}}`))
	require.NoError(t, err)
	assert.Equal(t, []wire.Event{wire.SessionReady{}}, got)

	got, err = c.Decode(oaMsg(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` + pcm + `"}}]}}}`))
	require.NoError(t, err)
	assert.Equal(t, []wire.Event{wire.TurnStarted{}, wire.AudioDelta{PCM: []byte{5, 0, 6, 0}}}, got)

	got, err = c.Decode(oaMsg(`{"serverContent":{"outputTranscription":{"text":"hello"}}}`))
	require.NoError(t, err)
	assert.Equal(t, []wire.Event{wire.TextDelta{Text: "hello"}}, got)

	_, err = c.Decode(oaMsg(`{"usageMetadata":{"promptTokenCount":4,"responseTokenCount":9}}`))
	require.NoError(t, err)

	got, err = c.Decode(oaMsg(`{"serverContent":{"turnComplete":true}}`))
	require.NoError(t, err)
	assert.Equal(t, []wire.Event{wire.TurnComplete{Usage: wire.Usage{InputTokens: 4, OutputTokens: 9}}}, got)
}

func TestGeminiDecodeToolCall(t *testing.T) {
	got, err := NewGemini(Config{}).Decode(oaMsg(`{"toolCall":{"functionCalls":[{"id":"fc_1","name":"lookup","args":{"q":"x"}}]}}`))
	require.NoError(t, err)
	assert.Equal(t, []wire.Event{
		wire.TurnStarted{},
		wire.ToolCallStarted{ID: "fc_1", CallID: "fc_1", Name: "lookup"},
		wire.ToolArgsDelta{ID: "fc_1", Fragment: `{"q":"x"}`},
		wire.ToolCallDone{ID: "fc_1"},
	}, got)
}

func TestGeminiInterruptedSwallowsTrailingComplete(t *testing.T) {
	c := NewGemini(Config{})
	_, err := c.Decode(oaMsg(`{"serverContent":{"modelTurn":{"parts":[{"text":"hi"}]}}}`))
	require.NoError(t, err)

	got, err := c.Decode(oaMsg(`{"serverContent":{"interrupted":true}}`))
	require.NoError(t, err)
	assert.Equal(t, []wire.Event{wire.TurnComplete{}}, got)

	got, err = c.Decode(oaMsg(`{"serverContent":{"turnComplete":true}}`))
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = c.Decode(oaMsg(`{"serverContent":{"modelTurn":{"parts":[{"text":"next"}]},"turnComplete":true}}`))
	require.NoError(t, err)
	assert.Equal(t, []wire.Event{wire.TurnStarted{}, wire.TextDelta{Text: "next"}, wire.TurnComplete{}}, got)
}

func TestGeminiDecodeSessionSignals(t *testing.T) {
	c := NewGemini(Config{})

	got, err := c.Decode(oaMsg(`{"sessionResumptionUpdate":{"newHandle":"h-2","resumable":true}}`))
	require.NoError(t, err)
	assert.Equal(t, []wire.Event{wire.ResumptionUpdate{Handle: "h-2"}}, got)

	got, err = c.Decode(oaMsg(`{"sessionResumptionUpdate":{"resumable":false}}`))
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = c.Decode(oaMsg(`{"goAway":{"timeLeft":"10s"}}`))
	require.NoError(t, err)
	assert.Equal(t, []wire.Event{wire.GoAway{TimeLeft: 10 * time.Second}}, got)

	_, err = c.Decode(oaMsg(`{"somethingElse":{}}`))
	assert.ErrorIs(t, err, wire.ErrUnknownEvent)
}
