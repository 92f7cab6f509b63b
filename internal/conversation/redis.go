package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ent0n29/duplex/internal/wire"
)

const (
	defaultRedisPrefix = "duplex"
	redisTxRetries     = 5
)

// RedisStore keeps each conversation as one JSON value with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets how long an idle conversation is kept. Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, ttl: 24 * time.Hour, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisStoreFromURL parses a redis:// URL and pings the server.
func NewRedisStoreFromURL(ctx context.Context, rawURL string, opts ...RedisOption) (*RedisStore, error) {
	o, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisStore(client, opts...), nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + ":conversation:" + id
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &r, nil
}

// update applies fn under WATCH so concurrent writers to the same
// conversation don't lose each other's changes.
func (s *RedisStore) update(ctx context.Context, id string, fn func(*Record)) error {
	if id == "" {
		return ErrInvalidID
	}
	key := s.key(id)
	txf := func(tx *redis.Tx) error {
		now := time.Now().UTC()
		r := newRecord(id, now)
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, r); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
		}
		fn(r)
		r.UpdatedAt = now
		out, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < redisTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis update failed: %w", err)
		}
		return nil
	}
	return fmt.Errorf("redis update failed: %w", redis.TxFailedErr)
}

func (s *RedisStore) SetResumptionHandle(ctx context.Context, id, handle string, expiresAt time.Time) error {
	if handle == "" {
		return nil
	}
	return s.update(ctx, id, func(r *Record) { r.setHandle(handle, expiresAt) })
}

func (s *RedisStore) AppendUsage(ctx context.Context, id string, usage wire.Usage) error {
	return s.update(ctx, id, func(r *Record) { r.Usage = r.Usage.Add(usage) })
}

func (s *RedisStore) AppendOutput(ctx context.Context, id string, out Output) error {
	return s.update(ctx, id, func(r *Record) { r.appendOutput(out) })
}

func (s *RedisStore) Close() error { return s.client.Close() }
