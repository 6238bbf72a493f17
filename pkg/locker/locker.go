// Package locker provides non-blocking advisory locks in the shared cache.
//
// A lock is a SetNX'd key holding a random token with a lease TTL. Release
// is compare-and-delete on the token, so a holder that outlived its lease
// cannot delete a successor's lock. Acquisition never blocks: contention is
// surfaced immediately as ErrNotAcquired.
package locker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dojoworks/workspaced/pkg/cache"
)

// ErrNotAcquired is returned when the lock is already held.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker issues advisory locks backed by the shared cache.
type Locker struct {
	cache cache.Cache
	lease time.Duration
}

// New creates a Locker with the given lease duration.
func New(c cache.Cache, lease time.Duration) *Locker {
	return &Locker{cache: c, lease: lease}
}

// UserKey is the lock key guarding workspace starts for a user.
func UserKey(userID int64) string {
	return fmt.Sprintf("user.%d.docker.lock", userID)
}

// Acquire takes the named lock, returning a release function on success
// and ErrNotAcquired without blocking if it is held. The lease is a safety
// net: an unreleased lock expires on its own.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("failed to generate lock token: %w", err)
	}
	token := hex.EncodeToString(buf[:])

	ok, err := l.cache.SetNX(ctx, key, token, l.lease)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	release := func() {
		// Release errors are swallowed; the lease bounds the damage.
		_ = l.cache.CompareAndDelete(context.Background(), key, token)
	}
	return release, nil
}
