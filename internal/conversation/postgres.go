package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/duplex/internal/wire"
)

// PostgresStore persists conversation records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			resumption_handle TEXT NOT NULL DEFAULT '',
			handle_expires_at TIMESTAMPTZ,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_outputs (
			id BIGSERIAL PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			turn_id TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_outputs_conv_created ON conversation_outputs (conversation_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	var (
		r       Record
		expires *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, resumption_handle, handle_expires_at, input_tokens, output_tokens, created_at, updated_at
		 FROM conversations WHERE id=$1`,
		id,
	).Scan(&r.ID, &r.ResumptionHandle, &expires, &r.Usage.InputTokens, &r.Usage.OutputTokens, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if expires != nil {
		r.HandleExpiresAt = expires.UTC()
	}

	rows, err := s.pool.Query(ctx,
		`SELECT turn_id, content, pii_redacted, created_at
		 FROM conversation_outputs WHERE conversation_id=$1 ORDER BY created_at, id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation outputs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o Output
		if err := rows.Scan(&o.TurnID, &o.Content, &o.PIIRedacted, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output row: %w", err)
		}
		r.Outputs = append(r.Outputs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate output rows: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) SetResumptionHandle(ctx context.Context, id, handle string, expiresAt time.Time) error {
	if id == "" {
		return ErrInvalidID
	}
	if handle == "" {
		return nil
	}
	var expires *time.Time
	if !expiresAt.IsZero() {
		expires = &expiresAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, resumption_handle, handle_expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET resumption_handle=EXCLUDED.resumption_handle,
		   handle_expires_at=EXCLUDED.handle_expires_at, updated_at=now()`,
		id, handle, expires,
	)
	if err != nil {
		return fmt.Errorf("save resumption handle: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendUsage(ctx context.Context, id string, usage wire.Usage) error {
	if id == "" {
		return ErrInvalidID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, input_tokens, output_tokens)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET input_tokens=conversations.input_tokens+EXCLUDED.input_tokens,
		   output_tokens=conversations.output_tokens+EXCLUDED.output_tokens, updated_at=now()`,
		id, usage.InputTokens, usage.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendOutput(ctx context.Context, id string, out Output) error {
	if id == "" {
		return ErrInvalidID
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append output: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (id) VALUES ($1)
		 ON CONFLICT (id) DO UPDATE SET updated_at=now()`,
		id,
	); err != nil {
		return fmt.Errorf("append output: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO conversation_outputs (conversation_id, turn_id, content, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, out.TurnID, out.Content, out.PIIRedacted, out.CreatedAt,
	); err != nil {
		return fmt.Errorf("append output: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append output: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
