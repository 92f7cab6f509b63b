// Package logger provides the process-wide structured logger.
//
// It wraps log/slog with level and format selection from the environment
// (LOG_LEVEL, LOG_FORMAT) and redacts API keys and bearer tokens from every
// string attribute before it is written.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ent0n29/duplex/internal/policy"
)

var (
	// DefaultLogger is the global structured logger. Safe for concurrent use.
	DefaultLogger *slog.Logger

	level = new(slog.LevelVar)
)

func init() {
	level.Set(ParseLevel(os.Getenv("LOG_LEVEL")))
	DefaultLogger = New(os.Stderr, os.Getenv("LOG_FORMAT"))
}

// New builds a logger writing to w in the given format ("json" or text) that
// shares the package level.
func New(w io.Writer, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redactAttr}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// ParseLevel maps debug|info|warn|error to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the level of every logger built by this package.
func SetLevel(l slog.Level) { level.Set(l) }

// SetVerbose switches between debug and info.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
		return
	}
	SetLevel(slog.LevelInfo)
}

// With returns DefaultLogger with attrs attached.
func With(args ...any) *slog.Logger { return DefaultLogger.With(args...) }

func Info(msg string, args ...any)  { DefaultLogger.Info(msg, args...) }
func Debug(msg string, args ...any) { DefaultLogger.Debug(msg, args...) }
func Warn(msg string, args ...any)  { DefaultLogger.Warn(msg, args...) }
func Error(msg string, args ...any) { DefaultLogger.Error(msg, args...) }

func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// RedactSensitiveData masks API keys and bearer tokens in s.
func RedactSensitiveData(s string) string { return policy.RedactSecrets(s) }

// Preview shortens s for log output and redacts secrets.
func Preview(s string, n int) string {
	s = RedactSensitiveData(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		a.Value = slog.StringValue(policy.RedactSecrets(a.Value.String()))
	}
	return a
}
