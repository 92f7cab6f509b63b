package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ent0n29/duplex/internal/config"
	"github.com/ent0n29/duplex/internal/conversation"
	"github.com/ent0n29/duplex/internal/gateway"
	"github.com/ent0n29/duplex/internal/httpapi"
	"github.com/ent0n29/duplex/internal/logger"
	"github.com/ent0n29/duplex/internal/observability"
	"github.com/ent0n29/duplex/internal/realtime"
	"github.com/ent0n29/duplex/internal/session"
	"github.com/ent0n29/duplex/internal/tools"
)

type ProviderInfo struct {
	Name   string
	Detail string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *gateway.Orchestrator
	Tools        *tools.Registry
	Metrics      *observability.Metrics
	Provider     ProviderInfo
	StoreBackend string

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build wires the gateway from cfg. Metrics register on the default
// Prometheus registry, so Build runs once per process.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	log := logger.DefaultLogger
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	return build(ctx, cfg, metrics, log)
}

func build(ctx context.Context, cfg config.Config, metrics *observability.Metrics, log *slog.Logger) (*BuildResult, error) {
	provider, err := resolveProvider(cfg)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry(
		tools.WithTimeout(cfg.ToolTimeout),
		tools.WithMetrics(metrics),
		tools.WithLogger(log),
	)
	if err := tools.RegisterBuiltins(registry); err != nil {
		return nil, fmt.Errorf("builtin tools: %w", err)
	}
	if path := strings.TrimSpace(cfg.ToolsFile); path != "" {
		defs, err := tools.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if err := registry.RegisterStatic(defs); err != nil {
			return nil, fmt.Errorf("tools file %s: %w", path, err)
		}
	}

	store, err := conversation.NewStore(ctx, conversation.Config{
		DatabaseURL: cfg.DatabaseURL,
		RedisURL:    cfg.RedisURL,
		TTL:         cfg.ConversationTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store init failed: %w", err)
	}

	mode := realtime.TurnModeManual
	if cfg.AutoTurn {
		mode = realtime.TurnModeAuto
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	orchestrator := gateway.NewOrchestrator(sessions, gateway.Config{
		Provider: provider.name,
		Engine: realtime.Options{
			Codec:            provider.codec,
			Transport:        provider.transport,
			Logger:           log,
			Metrics:          metrics,
			CallTimeout:      cfg.CallTimeout,
			TurnIdleTimeout:  cfg.TurnIdleTimeout,
			ResetWaitTimeout: cfg.ResetWaitTimeout,
			InputChunkMs:     cfg.InputChunkMs,
			OutputChunkMs:    cfg.OutputChunkMs,
			ReconnectBase:    cfg.ReconnectBase,
			ReconnectMax:     cfg.ReconnectMax,
			DefaultTarget:    cfg.DelegationDefaultTarget,
		},
		Session: realtime.SessionConfig{
			Provider:           provider.name,
			ModelID:            cfg.Model,
			Voice:              cfg.Voice,
			TurnMode:           mode,
			VADSilenceMs:       cfg.VADSilenceMs,
			VADPrefixPaddingMs: cfg.VADPrefixPaddingMs,
			SystemPrompt:       cfg.SystemPrompt,
		},
		Store:     store,
		RedactPII: cfg.RedactTranscripts,
		Tools:     registry,
		Metrics:   metrics,
		Logger:    log,
	})
	sessions.SetExpireHook(func(s *session.Session) {
		orchestrator.OnExpire(s)
		metrics.SessionEvent("expired")
	})

	api := httpapi.New(cfg, sessions, orchestrator, metrics)

	cleanup := func() error {
		var errs []string
		sessions.Shutdown(context.Background())
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Tools:        registry,
		Metrics:      metrics,
		Provider:     ProviderInfo{Name: provider.name, Detail: provider.detail},
		StoreBackend: conversation.Backend(store),
		Cleanup:      cleanup,
	}, nil
}
