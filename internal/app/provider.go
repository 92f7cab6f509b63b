package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/duplex/internal/codec"
	"github.com/ent0n29/duplex/internal/config"
	"github.com/ent0n29/duplex/internal/transport"
	"github.com/ent0n29/duplex/internal/wire"
)

type providerSetup struct {
	name      string
	codec     codec.Factory
	transport func() wire.Transport
	detail    string
}

func resolveProvider(cfg config.Config) (providerSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if mode == "" {
		mode = "auto"
	}

	remote := func(name string, c codec.Config, detail string) (providerSetup, error) {
		f, err := codec.NewFactory(name, c)
		if err != nil {
			return providerSetup{}, err
		}
		return providerSetup{
			name:      name,
			codec:     f,
			transport: transport.Factory(transport.Options{}),
			detail:    detail,
		}, nil
	}
	openai := func() (providerSetup, error) {
		return remote("openai", codec.Config{APIKey: cfg.OpenAIAPIKey, URL: cfg.OpenAIRealtimeURL, Model: cfg.Model}, "openai realtime")
	}
	gemini := func() (providerSetup, error) {
		return remote("gemini", codec.Config{APIKey: cfg.GeminiAPIKey, URL: cfg.GeminiLiveURL, Model: cfg.Model}, "gemini live")
	}
	mock := func(detail string) providerSetup {
		srv := codec.NewMockServer()
		return providerSetup{
			name:      "mock",
			codec:     func() wire.Codec { return codec.NewMock() },
			transport: srv.Transport,
			detail:    detail,
		}
	}

	switch mode {
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return providerSetup{}, fmt.Errorf("REALTIME_PROVIDER=openai but OPENAI_API_KEY is not set")
		}
		return openai()
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return providerSetup{}, fmt.Errorf("REALTIME_PROVIDER=gemini but GEMINI_API_KEY is not set")
		}
		return gemini()
	case "mock":
		return mock("mock (in-process)"), nil
	case "auto":
		if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
			return openai()
		}
		if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
			return gemini()
		}
		return mock("mock (no OPENAI_API_KEY or GEMINI_API_KEY)"), nil
	default:
		return providerSetup{}, fmt.Errorf("invalid REALTIME_PROVIDER: %q (expected auto|openai|gemini|mock)", cfg.Provider)
	}
}
