// Package jobstore persists workspace job records in the shared cache.
//
// Records are stored as UTF-8 JSON under {prefix}{job id} with a TTL that
// is refreshed on every write. Eviction is by TTL only; jobs are never
// explicitly deleted. After creation only the provisioning worker writes
// to a given job, so the read-modify-write in Update needs no locking.
package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dojoworks/workspaced/pkg/cache"
	"github.com/dojoworks/workspaced/pkg/types"
)

// DefaultTTL is the job record time-to-live when none is configured.
const DefaultTTL = 900 * time.Second

// Store reads and writes job records.
type Store struct {
	cache  cache.Cache
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewStore creates a job store over the shared cache.
func NewStore(c cache.Cache, prefix string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		cache:  c,
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

// Put serializes the job and writes it with a refreshed TTL and
// updated_at timestamp.
func (s *Store) Put(ctx context.Context, job *types.Job) error {
	job.UpdatedAt = types.Epoch(s.now())
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job %s: %w", job.ID, err)
	}
	if err := s.cache.Set(ctx, s.key(job.ID), string(payload), s.ttl); err != nil {
		return fmt.Errorf("failed to store job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns the job record, or nil if it is absent or expired.
func (s *Store) Get(ctx context.Context, id string) (*types.Job, error) {
	payload, ok, err := s.cache.Get(ctx, s.key(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	var job types.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

// Update applies mutate to the stored record and writes it back. It
// returns nil if the job no longer exists.
func (s *Store) Update(ctx context.Context, id string, mutate func(*types.Job)) (*types.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	mutate(job)
	if err := s.Put(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}
