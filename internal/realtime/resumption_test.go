package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResumptionOnlyMovesToNewerHandles(t *testing.T) {
	var r resumption
	exp := time.Now().Add(time.Hour)

	assert.True(t, r.observe("h1", exp))
	assert.False(t, r.observe("", time.Time{}), "empty handle never replaces")
	assert.False(t, r.observe("h1", time.Time{}))
	assert.Equal(t, "h1", r.handle)
	assert.Equal(t, exp, r.expiresAt)

	assert.True(t, r.observe("h2", time.Time{}))
	assert.Equal(t, "h2", r.handle)
	assert.True(t, r.expiresAt.IsZero(), "expiry belongs to the old handle")

	r.clear()
	assert.Empty(t, r.handle)
}

func TestResumptionUsable(t *testing.T) {
	now := time.Now()
	r := resumption{handle: "h", expiresAt: now.Add(-time.Second)}
	assert.Empty(t, r.usable(now))

	r.expiresAt = now.Add(time.Minute)
	assert.Equal(t, "h", r.usable(now))

	r.expiresAt = time.Time{}
	assert.Equal(t, "h", r.usable(now))
}

func TestReconnectorBudget(t *testing.T) {
	r := newReconnector(10*time.Millisecond, time.Hour)
	var delays []time.Duration
	for i := 0; i < reconnectBurst; i++ {
		d, ok := r.next()
		assert.True(t, ok)
		delays = append(delays, d)
	}
	_, ok := r.next()
	assert.False(t, ok, "burst spent")
	assert.Less(t, delays[0], delays[2])

	r.succeeded()
	assert.Zero(t, r.attempt)
}
