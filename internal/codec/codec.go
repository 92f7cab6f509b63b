// Package codec holds the provider wire adapters for the realtime engine.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ent0n29/duplex/internal/wire"
)

// Config carries provider credentials and endpoints.
type Config struct {
	APIKey string
	URL    string
	Model  string
}

// Factory builds a fresh codec for each provider connection.
type Factory func() wire.Codec

// NewFactory returns a codec factory for the named provider.
func NewFactory(provider string, cfg Config) (Factory, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai":
		return func() wire.Codec { return NewOpenAI(cfg) }, nil
	case "gemini":
		return func() wire.Codec { return NewGemini(cfg) }, nil
	case "mock":
		return func() wire.Codec { return NewMock() }, nil
	default:
		return nil, fmt.Errorf("unknown realtime provider %q", provider)
	}
}

func textFrame(v any) (wire.Message, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return wire.Message{}, err
	}
	return wire.Message{Kind: wire.TextMessage, Data: b}, nil
}

func frames(vs ...any) ([]wire.Message, error) {
	out := make([]wire.Message, 0, len(vs))
	for _, v := range vs {
		m, err := textFrame(v)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// schemaOrEmpty returns tool parameters as a JSON value, defaulting to an
// empty object schema.
func schemaOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return raw
}

// toolResponseObject wraps a non-object payload so providers that require a
// JSON object accept it.
func toolResponseObject(payload string) json.RawMessage {
	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	b, _ := json.Marshal(map[string]string{"output": payload})
	return b
}
