package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the realtime duplex service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	// Provider selects the realtime backend: auto, openai, gemini or mock.
	Provider     string
	Model        string
	Voice        string
	SystemPrompt string

	AutoTurn           bool
	VADSilenceMs       int
	VADPrefixPaddingMs int
	InputChunkMs       int
	OutputChunkMs      int

	CallTimeout      time.Duration
	TurnIdleTimeout  time.Duration
	ResetWaitTimeout time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration

	OpenAIAPIKey      string
	OpenAIRealtimeURL string
	GeminiAPIKey      string
	GeminiLiveURL     string

	DatabaseURL       string
	RedisURL          string
	ConversationTTL   time.Duration
	RedactTranscripts bool

	ToolsFile               string
	ToolTimeout             time.Duration
	DelegationDefaultTarget string

	// SourceFile is the TOML file the settings were layered over, if any.
	SourceFile string
}

const (
	defaultOpenAIRealtimeURL = "wss://api.openai.com/v1/realtime"
	defaultGeminiLiveURL     = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
)

// Defaults returns the built-in settings before any file or environment layer.
func Defaults() Config {
	return Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          10 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		MetricsNamespace:         "duplex",
		Provider:                 "auto",
		AutoTurn:                 true,
		VADSilenceMs:             2000,
		VADPrefixPaddingMs:       300,
		InputChunkMs:             50,
		OutputChunkMs:            60,
		CallTimeout:              10 * time.Second,
		TurnIdleTimeout:          45 * time.Second,
		ResetWaitTimeout:         5 * time.Second,
		ReconnectBase:            250 * time.Millisecond,
		ReconnectMax:             5 * time.Second,
		OpenAIRealtimeURL:        defaultOpenAIRealtimeURL,
		GeminiLiveURL:            defaultGeminiLiveURL,
		ConversationTTL:          24 * time.Hour,
		ToolTimeout:              15 * time.Second,
		DelegationDefaultTarget:  "assistant",
	}
}

// Load applies defaults, then the optional TOML file named by DUPLEX_CONFIG_FILE,
// then environment variables.
func Load() (Config, error) {
	cfg := Defaults()
	if path := stringsTrimSpace("DUPLEX_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
		cfg.SourceFile = path
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.Provider = strings.ToLower(envOrDefault("REALTIME_PROVIDER", cfg.Provider))
	cfg.Model = envOrDefault("REALTIME_MODEL", cfg.Model)
	cfg.Voice = envOrDefault("REALTIME_VOICE", cfg.Voice)
	cfg.SystemPrompt = envOrDefault("REALTIME_SYSTEM_PROMPT", cfg.SystemPrompt)
	cfg.OpenAIAPIKey = envOrDefault("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIRealtimeURL = envOrDefault("OPENAI_REALTIME_URL", cfg.OpenAIRealtimeURL)
	cfg.GeminiAPIKey = envOrDefault("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.GeminiLiveURL = envOrDefault("GEMINI_LIVE_URL", cfg.GeminiLiveURL)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.ToolsFile = envOrDefault("TOOLS_FILE", cfg.ToolsFile)
	cfg.DelegationDefaultTarget = envOrDefault("DELEGATION_DEFAULT_TARGET", cfg.DelegationDefaultTarget)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"REALTIME_CALL_TIMEOUT", &cfg.CallTimeout},
		{"REALTIME_TURN_IDLE_TIMEOUT", &cfg.TurnIdleTimeout},
		{"REALTIME_RESET_WAIT_TIMEOUT", &cfg.ResetWaitTimeout},
		{"REALTIME_RECONNECT_BASE", &cfg.ReconnectBase},
		{"REALTIME_RECONNECT_MAX", &cfg.ReconnectMax},
		{"CONVERSATION_TTL", &cfg.ConversationTTL},
		{"TOOL_TIMEOUT", &cfg.ToolTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"REALTIME_VAD_SILENCE_MS", &cfg.VADSilenceMs},
		{"REALTIME_VAD_PREFIX_PADDING_MS", &cfg.VADPrefixPaddingMs},
		{"REALTIME_INPUT_CHUNK_MS", &cfg.InputChunkMs},
		{"REALTIME_OUTPUT_CHUNK_MS", &cfg.OutputChunkMs},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.AutoTurn, err = boolFromEnv("REALTIME_AUTO_TURN", cfg.AutoTurn); err != nil {
		return Config{}, err
	}
	if cfg.RedactTranscripts, err = boolFromEnv("CONVERSATION_REDACT_PII", cfg.RedactTranscripts); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Provider {
	case "auto", "openai", "gemini", "mock":
	default:
		return fmt.Errorf("REALTIME_PROVIDER must be one of auto, openai, gemini, mock (got %q)", c.Provider)
	}
	if c.Provider == "openai" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when REALTIME_PROVIDER=openai")
	}
	if c.Provider == "gemini" && c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required when REALTIME_PROVIDER=gemini")
	}
	if c.VADSilenceMs < 0 || c.VADPrefixPaddingMs < 0 {
		return fmt.Errorf("VAD durations must be >= 0")
	}
	if c.InputChunkMs < 10 || c.InputChunkMs > 2000 {
		return fmt.Errorf("REALTIME_INPUT_CHUNK_MS must be in [10,2000]")
	}
	if c.OutputChunkMs < 10 || c.OutputChunkMs > 2000 {
		return fmt.Errorf("REALTIME_OUTPUT_CHUNK_MS must be in [10,2000]")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("REALTIME_CALL_TIMEOUT must be > 0")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
