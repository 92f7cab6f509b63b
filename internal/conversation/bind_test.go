package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/duplex/internal/wire"
)

func TestBindingWritesThrough(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	b := Bind(s, "conv-1")

	h, err := b.ResumptionHandle(ctx)
	require.NoError(t, err)
	assert.Empty(t, h)

	require.NoError(t, b.SetResumptionHandle(ctx, "h-1", time.Time{}))
	require.NoError(t, b.AppendUsage(ctx, wire.Usage{}))
	require.NoError(t, b.AppendUsage(ctx, wire.Usage{OutputTokens: 7}))
	require.NoError(t, b.AppendOutputText(ctx, "t1", "   "))
	require.NoError(t, b.AppendOutputText(ctx, "t1", "hello"))

	h, err = b.ResumptionHandle(ctx)
	require.NoError(t, err)
	assert.Equal(t, "h-1", h)

	r, err := s.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 7, r.Usage.OutputTokens)
	require.Len(t, r.Outputs, 1)
	assert.False(t, r.Outputs[0].PIIRedacted)
}

func TestBindingExpiredHandleIsIgnored(t *testing.T) {
	ctx := context.Background()
	b := Bind(NewInMemoryStore(), "conv-1")
	require.NoError(t, b.SetResumptionHandle(ctx, "old", time.Now().Add(-time.Minute)))
	h, err := b.ResumptionHandle(ctx)
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestBindingRedactsPII(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	b := Bind(s, "conv-1", WithPIIRedaction(true))
	require.NoError(t, b.AppendOutputText(ctx, "t1", "mail me at jane@example.com"))

	r, err := s.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, r.Outputs[0].PIIRedacted)
	assert.NotContains(t, r.Outputs[0].Content, "jane@example.com")
}
