package conversation

import (
	"context"
	"strings"
	"time"
)

// Config selects and tunes the backing store.
type Config struct {
	DatabaseURL string
	RedisURL    string
	TTL         time.Duration
	Prefix      string
}

// NewStore creates a postgres-backed store when DatabaseURL is set, a redis one
// when RedisURL is set, otherwise an in-memory store.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case strings.TrimSpace(cfg.RedisURL) != "":
		return NewRedisStoreFromURL(ctx, cfg.RedisURL, WithTTL(cfg.TTL), WithPrefix(cfg.Prefix))
	default:
		return NewInMemoryStore(), nil
	}
}

// Backend names the store implementation, for logs.
func Backend(s Store) string {
	switch s.(type) {
	case *PostgresStore:
		return "postgres"
	case *RedisStore:
		return "redis"
	case *InMemoryStore:
		return "memory"
	default:
		return "custom"
	}
}
