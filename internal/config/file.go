package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

type fileConfig struct {
	Server   fileServerConfig   `toml:"server"`
	Realtime fileRealtimeConfig `toml:"realtime"`
	OpenAI   fileProviderConfig `toml:"openai"`
	Gemini   fileProviderConfig `toml:"gemini"`
	Storage  fileStorageConfig  `toml:"storage"`
	Tools    fileToolsConfig    `toml:"tools"`
}

type fileServerConfig struct {
	BindAddr                 string `toml:"bind_addr"`
	ShutdownTimeout          string `toml:"shutdown_timeout"`
	SessionInactivityTimeout string `toml:"session_inactivity_timeout"`
	MetricsNamespace         string `toml:"metrics_namespace"`
	AllowAnyOrigin           *bool  `toml:"allow_any_origin"`
}

type fileRealtimeConfig struct {
	Provider           string `toml:"provider"`
	Model              string `toml:"model"`
	Voice              string `toml:"voice"`
	SystemPrompt       string `toml:"system_prompt"`
	AutoTurn           *bool  `toml:"auto_turn"`
	VADSilenceMs       *int   `toml:"vad_silence_ms"`
	VADPrefixPaddingMs *int   `toml:"vad_prefix_padding_ms"`
	InputChunkMs       *int   `toml:"input_chunk_ms"`
	OutputChunkMs      *int   `toml:"output_chunk_ms"`
	CallTimeout        string `toml:"call_timeout"`
	TurnIdleTimeout    string `toml:"turn_idle_timeout"`
	ResetWaitTimeout   string `toml:"reset_wait_timeout"`
	ReconnectBase      string `toml:"reconnect_base"`
	ReconnectMax       string `toml:"reconnect_max"`
}

type fileProviderConfig struct {
	APIKey string `toml:"api_key"`
	URL    string `toml:"url"`
}

type fileStorageConfig struct {
	DatabaseURL     string `toml:"database_url"`
	RedisURL        string `toml:"redis_url"`
	ConversationTTL string `toml:"conversation_ttl"`
	RedactPII       *bool  `toml:"redact_pii"`
}

type fileToolsConfig struct {
	File                    string `toml:"file"`
	Timeout                 string `toml:"timeout"`
	DelegationDefaultTarget string `toml:"delegation_default_target"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file read failed: %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config file %s parse error: %w", path, err)
	}

	setString(&cfg.BindAddr, fc.Server.BindAddr)
	setString(&cfg.MetricsNamespace, fc.Server.MetricsNamespace)
	setBool(&cfg.AllowAnyOrigin, fc.Server.AllowAnyOrigin)

	setString(&cfg.Provider, fc.Realtime.Provider)
	setString(&cfg.Model, fc.Realtime.Model)
	setString(&cfg.Voice, fc.Realtime.Voice)
	setString(&cfg.SystemPrompt, fc.Realtime.SystemPrompt)
	setBool(&cfg.AutoTurn, fc.Realtime.AutoTurn)
	setInt(&cfg.VADSilenceMs, fc.Realtime.VADSilenceMs)
	setInt(&cfg.VADPrefixPaddingMs, fc.Realtime.VADPrefixPaddingMs)
	setInt(&cfg.InputChunkMs, fc.Realtime.InputChunkMs)
	setInt(&cfg.OutputChunkMs, fc.Realtime.OutputChunkMs)

	setString(&cfg.OpenAIAPIKey, fc.OpenAI.APIKey)
	setString(&cfg.OpenAIRealtimeURL, fc.OpenAI.URL)
	setString(&cfg.GeminiAPIKey, fc.Gemini.APIKey)
	setString(&cfg.GeminiLiveURL, fc.Gemini.URL)

	setString(&cfg.DatabaseURL, fc.Storage.DatabaseURL)
	setString(&cfg.RedisURL, fc.Storage.RedisURL)
	setBool(&cfg.RedactTranscripts, fc.Storage.RedactPII)

	setString(&cfg.ToolsFile, fc.Tools.File)
	setString(&cfg.DelegationDefaultTarget, fc.Tools.DelegationDefaultTarget)

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"server.shutdown_timeout", fc.Server.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"server.session_inactivity_timeout", fc.Server.SessionInactivityTimeout, &cfg.SessionInactivityTimeout},
		{"realtime.call_timeout", fc.Realtime.CallTimeout, &cfg.CallTimeout},
		{"realtime.turn_idle_timeout", fc.Realtime.TurnIdleTimeout, &cfg.TurnIdleTimeout},
		{"realtime.reset_wait_timeout", fc.Realtime.ResetWaitTimeout, &cfg.ResetWaitTimeout},
		{"realtime.reconnect_base", fc.Realtime.ReconnectBase, &cfg.ReconnectBase},
		{"realtime.reconnect_max", fc.Realtime.ReconnectMax, &cfg.ReconnectMax},
		{"storage.conversation_ttl", fc.Storage.ConversationTTL, &cfg.ConversationTTL},
		{"tools.timeout", fc.Tools.Timeout, &cfg.ToolTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %s parse error: %w", path, d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
