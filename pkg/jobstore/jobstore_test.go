package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojoworks/workspaced/pkg/cache"
	"github.com/dojoworks/workspaced/pkg/types"
)

func testJob() *types.Job {
	return &types.Job{
		ID:            "0123456789abcdef0123456789abcdef",
		Token:         "tok",
		UserID:        42,
		UserName:      "hacker",
		DojoID:        1,
		DojoReference: "intro",
		DojoName:      "Intro",
		ChallengeID:   "hello-world",
		ChallengeName: "Hello World",
		State:         types.JobStatePending,
		CreatedAt:     types.Epoch(time.Now()),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(cache.NewMemory(), "dojo:docker_job:", time.Minute)

	job := testJob()
	require.NoError(t, store.Put(ctx, job))

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, job.ID, loaded.ID)
	assert.Equal(t, job.Token, loaded.Token)
	assert.Equal(t, job.UserID, loaded.UserID)
	assert.Equal(t, job.ChallengeID, loaded.ChallengeID)
	assert.Equal(t, types.JobStatePending, loaded.State)
	assert.NotZero(t, loaded.UpdatedAt)
	assert.Nil(t, loaded.WorkspaceURL)
	assert.Nil(t, loaded.Error)
	assert.Nil(t, loaded.FinishedAt)
}

func TestStoreGetAbsent(t *testing.T) {
	store := NewStore(cache.NewMemory(), "dojo:docker_job:", time.Minute)

	job, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewStore(cache.NewMemory(), "dojo:docker_job:", time.Minute)

	job := testJob()
	require.NoError(t, store.Put(ctx, job))

	url := "https://dojo.example.com/workspace/80/sig/abcdef012345"
	updated, err := store.Update(ctx, job.ID, func(j *types.Job) {
		j.State = types.JobStateReady
		j.WorkspaceURL = &url
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, types.JobStateReady, updated.State)

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, types.JobStateReady, loaded.State)
	require.NotNil(t, loaded.WorkspaceURL)
	assert.Equal(t, url, *loaded.WorkspaceURL)
}

func TestStoreUpdateEvicted(t *testing.T) {
	store := NewStore(cache.NewMemory(), "dojo:docker_job:", time.Minute)

	updated, err := store.Update(context.Background(), "gone", func(j *types.Job) {
		j.State = types.JobStateRunning
	})
	require.NoError(t, err)
	assert.Nil(t, updated)
}

func TestJobStateTerminal(t *testing.T) {
	assert.False(t, types.JobStatePending.Terminal())
	assert.False(t, types.JobStateRunning.Terminal())
	assert.True(t, types.JobStateReady.Terminal())
	assert.True(t, types.JobStateError.Terminal())
}
