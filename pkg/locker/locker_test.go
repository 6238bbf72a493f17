package locker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojoworks/workspaced/pkg/cache"
)

func TestUserKey(t *testing.T) {
	assert.Equal(t, "user.42.docker.lock", UserKey(42))
}

func TestAcquireContention(t *testing.T) {
	ctx := context.Background()
	l := New(cache.NewMemory(), 20*time.Second)

	release, err := l.Acquire(ctx, UserKey(1))
	require.NoError(t, err)
	require.NotNil(t, release)

	// Second acquisition fails immediately instead of blocking.
	_, err = l.Acquire(ctx, UserKey(1))
	assert.ErrorIs(t, err, ErrNotAcquired)

	// Locks for other users are independent.
	other, err := l.Acquire(ctx, UserKey(2))
	require.NoError(t, err)
	other()

	release()

	// Released locks can be re-acquired.
	release, err = l.Acquire(ctx, UserKey(1))
	require.NoError(t, err)
	release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := New(cache.NewMemory(), 20*time.Second)

	release, err := l.Acquire(ctx, UserKey(1))
	require.NoError(t, err)
	release()
	release()

	_, err = l.Acquire(ctx, UserKey(1))
	assert.NoError(t, err)
}

func TestStaleReleaseDoesNotFreeSuccessor(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()
	l := New(c, 20*time.Second)

	stale, err := l.Acquire(ctx, UserKey(1))
	require.NoError(t, err)

	// Simulate lease expiry and a successor taking the lock.
	require.NoError(t, c.Delete(ctx, UserKey(1)))
	_, err = l.Acquire(ctx, UserKey(1))
	require.NoError(t, err)

	stale()

	// The successor's lock survives the stale holder's release.
	_, err = l.Acquire(ctx, UserKey(1))
	assert.ErrorIs(t, err, ErrNotAcquired)
}
