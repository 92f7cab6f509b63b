package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ent0n29/duplex/internal/policy"
	"github.com/ent0n29/duplex/internal/wire"
)

// Binding ties a Store to one conversation ID. It is the record handle a
// realtime session writes through.
type Binding struct {
	store     Store
	id        string
	redactPII bool
}

// BindOption configures a Binding.
type BindOption func(*Binding)

// WithPIIRedaction masks emails, phone numbers and card numbers in stored output.
func WithPIIRedaction(on bool) BindOption {
	return func(b *Binding) { b.redactPII = on }
}

func Bind(store Store, id string, opts ...BindOption) *Binding {
	b := &Binding{store: store, id: id}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Binding) ID() string { return b.id }

// ResumptionHandle returns the stored handle, or "" when none is stored or it
// has expired.
func (b *Binding) ResumptionHandle(ctx context.Context) (string, error) {
	r, err := b.store.Load(ctx, b.id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	if !r.HandleExpiresAt.IsZero() && time.Now().After(r.HandleExpiresAt) {
		return "", nil
	}
	return r.ResumptionHandle, nil
}

func (b *Binding) SetResumptionHandle(ctx context.Context, handle string, expiresAt time.Time) error {
	return b.store.SetResumptionHandle(ctx, b.id, handle, expiresAt)
}

func (b *Binding) AppendUsage(ctx context.Context, usage wire.Usage) error {
	if usage.IsZero() {
		return nil
	}
	return b.store.AppendUsage(ctx, b.id, usage)
}

func (b *Binding) AppendOutputText(ctx context.Context, turnID, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	out := Output{TurnID: turnID, Content: text}
	if b.redactPII {
		out.Content, out.PIIRedacted = policy.RedactPII(text)
	}
	return b.store.AppendOutput(ctx, b.id, out)
}
