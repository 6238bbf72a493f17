package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))

	value, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", value)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "leased", "v", time.Minute))
	require.NoError(t, m.Set(ctx, "forever", "v", 0))

	now = now.Add(2 * time.Minute)

	_, ok, err := m.Get(ctx, "leased")
	require.NoError(t, err)
	assert.False(t, ok)

	// A zero ttl means no expiry.
	_, ok, err = m.Get(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemorySetNX(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.SetNX(ctx, "k", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "k", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	value, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", value)
}

func TestMemorySetNXAfterExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	now := time.Now()
	m.now = func() time.Time { return now }

	ok, err := m.SetNX(ctx, "k", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)

	ok, err = m.SetNX(ctx, "k", "second", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "k", "mine", time.Minute))

	// A stale token must not delete a successor's value.
	require.NoError(t, m.CompareAndDelete(ctx, "k", "theirs"))
	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.CompareAndDelete(ctx, "k", "mine"))
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	require.NoError(t, m.Delete(ctx, "k"))

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
