package provision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojoworks/workspaced/pkg/cache"
	"github.com/dojoworks/workspaced/pkg/jobstore"
	"github.com/dojoworks/workspaced/pkg/platform"
	"github.com/dojoworks/workspaced/pkg/types"
)

type fakeLauncher struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many attempts before succeeding
	url      string
}

func (f *fakeLauncher) Launch(ctx context.Context, req *LaunchRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("engine unavailable")
	}
	return f.url, nil
}

type fakeFeed struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeFeed) PublishContainerStart(ctx context.Context, user *types.User, mode string, ch *types.Challenge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, mode)
	return nil
}

func provisionFixture(t *testing.T, official bool) (*jobstore.Store, *platform.MemoryDirectory, *types.Job) {
	t.Helper()

	store := jobstore.NewStore(cache.NewMemory(), "dojo:docker_job:", time.Minute)

	directory := platform.NewMemoryDirectory()
	directory.Users[42] = &types.User{ID: 42, Name: "hacker"}
	dojo := &types.Dojo{ID: 1, ReferenceID: "intro", Name: "Intro", Official: official}
	directory.Dojos["intro"] = dojo
	directory.Challenges = append(directory.Challenges, &types.Challenge{
		ID:          "hello-world",
		ChallengeID: 7,
		Name:        "Hello World",
		Dojo:        dojo,
		Module:      &types.Module{ID: "basics", Name: "Basics"},
		Image:       "pwncollege/challenge:latest",
		Visible:     true,
	})

	job := &types.Job{
		ID:          "job1",
		Token:       "tok",
		UserID:      42,
		ChallengeID: "hello-world",
		State:       types.JobStatePending,
	}
	require.NoError(t, store.Put(context.Background(), job))
	return store, directory, job
}

func TestOrchestratorSuccess(t *testing.T) {
	ctx := context.Background()
	store, directory, job := provisionFixture(t, true)

	launcher := &fakeLauncher{url: "https://dojo.example.com/workspace/80/sig/abcdef012345"}
	feed := &fakeFeed{}
	o := &Orchestrator{
		Store:      store,
		Users:      directory,
		Challenges: directory,
		Launcher:   launcher,
		Feed:       feed,
		Attempts:   3,
	}

	o.Run(ctx, &Request{JobID: job.ID, UserID: 42, ChallengeID: "hello-world"})

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, types.JobStateReady, loaded.State)
	require.NotNil(t, loaded.WorkspaceURL)
	assert.Equal(t, launcher.url, *loaded.WorkspaceURL)
	assert.Nil(t, loaded.Error)
	assert.NotNil(t, loaded.FinishedAt)

	assert.Equal(t, 1, launcher.calls)
	assert.Equal(t, []string{"assessment"}, feed.events)
}

func TestOrchestratorRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store, directory, job := provisionFixture(t, false)

	launcher := &fakeLauncher{failures: 1, url: "https://dojo.example.com/w"}
	o := &Orchestrator{
		Store:      store,
		Users:      directory,
		Challenges: directory,
		Launcher:   launcher,
		Attempts:   3,
		Backoff:    time.Millisecond,
	}

	o.Run(ctx, &Request{JobID: job.ID, UserID: 42, ChallengeID: "hello-world"})

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateReady, loaded.State)
	assert.Equal(t, 2, launcher.calls)
}

func TestOrchestratorRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	store, directory, job := provisionFixture(t, false)

	backoff := 20 * time.Millisecond
	launcher := &fakeLauncher{failures: 100}
	o := &Orchestrator{
		Store:      store,
		Users:      directory,
		Challenges: directory,
		Launcher:   launcher,
		Attempts:   3,
		Backoff:    backoff,
	}

	start := time.Now()
	o.Run(ctx, &Request{JobID: job.ID, UserID: 42, ChallengeID: "hello-world"})
	elapsed := time.Since(start)

	assert.Equal(t, 3, launcher.calls)
	assert.GreaterOrEqual(t, elapsed, 2*backoff)

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateError, loaded.State)
	require.NotNil(t, loaded.Error)
	assert.Equal(t, "Workspace failed to start. Please retry.", *loaded.Error)
	assert.Nil(t, loaded.WorkspaceURL)
	assert.NotNil(t, loaded.FinishedAt)
}

func TestOrchestratorUnresolvableActors(t *testing.T) {
	ctx := context.Background()
	store, directory, job := provisionFixture(t, false)

	launcher := &fakeLauncher{}
	o := &Orchestrator{
		Store:      store,
		Users:      directory,
		Challenges: directory,
		Launcher:   launcher,
	}

	o.Run(ctx, &Request{JobID: job.ID, UserID: 9999, ChallengeID: "hello-world"})

	loaded, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateError, loaded.State)
	require.NotNil(t, loaded.Error)
	assert.Equal(t, "Workspace request is no longer valid.", *loaded.Error)
	assert.Zero(t, launcher.calls)
}

func TestOrchestratorJobEvicted(t *testing.T) {
	ctx := context.Background()
	_, directory, _ := provisionFixture(t, false)
	store := jobstore.NewStore(cache.NewMemory(), "dojo:docker_job:", time.Minute)

	launcher := &fakeLauncher{}
	o := &Orchestrator{
		Store:      store,
		Users:      directory,
		Challenges: directory,
		Launcher:   launcher,
	}

	// The job record expired before the worker started; nothing runs.
	o.Run(ctx, &Request{JobID: "gone", UserID: 42, ChallengeID: "hello-world"})
	assert.Zero(t, launcher.calls)
}

func TestOrchestratorPracticeFeedMode(t *testing.T) {
	ctx := context.Background()
	store, directory, job := provisionFixture(t, true)

	feed := &fakeFeed{}
	o := &Orchestrator{
		Store:      store,
		Users:      directory,
		Challenges: directory,
		Launcher:   &fakeLauncher{url: "https://dojo.example.com/w"},
		Feed:       feed,
	}

	o.Run(ctx, &Request{JobID: job.ID, UserID: 42, ChallengeID: "hello-world", Practice: true})
	assert.Equal(t, []string{"practice"}, feed.events)
}

func TestOrchestratorUnofficialDojoNotPublished(t *testing.T) {
	ctx := context.Background()
	store, directory, job := provisionFixture(t, false)

	feed := &fakeFeed{}
	o := &Orchestrator{
		Store:      store,
		Users:      directory,
		Challenges: directory,
		Launcher:   &fakeLauncher{url: "https://dojo.example.com/w"},
		Feed:       feed,
	}

	o.Run(ctx, &Request{JobID: job.ID, UserID: 42, ChallengeID: "hello-world"})
	assert.Empty(t, feed.events)
}

func TestImpersonating(t *testing.T) {
	user := &types.User{ID: 1}
	other := &types.User{ID: 2}

	assert.False(t, (&LaunchRequest{User: user, AsUser: user}).Impersonating())
	assert.True(t, (&LaunchRequest{User: user, AsUser: other}).Impersonating())
}
