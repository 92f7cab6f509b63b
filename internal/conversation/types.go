// Package conversation persists conversation records for realtime sessions:
// the provider resumption handle, accumulated token usage and assistant output.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/duplex/internal/wire"
)

// ErrNotFound is returned when a conversation doesn't exist in the store.
var ErrNotFound = errors.New("conversation not found")

// ErrInvalidID is returned for an empty conversation ID.
var ErrInvalidID = errors.New("invalid conversation ID")

// Output is one assistant turn's final text.
type Output struct {
	TurnID      string    `json:"turn_id"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Record is the stored state of one conversation.
type Record struct {
	ID               string     `json:"id"`
	ResumptionHandle string     `json:"resumption_handle,omitempty"`
	HandleExpiresAt  time.Time  `json:"handle_expires_at,omitempty"`
	Usage            wire.Usage `json:"usage"`
	Outputs          []Output   `json:"outputs,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Store persists conversation records. Mutations create the record when it
// does not exist yet.
type Store interface {
	Load(ctx context.Context, id string) (*Record, error)
	// SetResumptionHandle replaces the stored handle. An empty handle is ignored.
	SetResumptionHandle(ctx context.Context, id, handle string, expiresAt time.Time) error
	AppendUsage(ctx context.Context, id string, usage wire.Usage) error
	AppendOutput(ctx context.Context, id string, out Output) error
	Close() error
}

func newRecord(id string, now time.Time) *Record {
	return &Record{ID: id, CreatedAt: now, UpdatedAt: now}
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Outputs = append([]Output(nil), r.Outputs...)
	return &cp
}

func (r *Record) setHandle(handle string, expiresAt time.Time) {
	r.ResumptionHandle = handle
	r.HandleExpiresAt = expiresAt
}

func (r *Record) appendOutput(out Output) {
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	r.Outputs = append(r.Outputs, out)
}
