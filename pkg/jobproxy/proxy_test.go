package jobproxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojoworks/workspaced/pkg/cache"
	"github.com/dojoworks/workspaced/pkg/jobstore"
	"github.com/dojoworks/workspaced/pkg/types"
)

func proxyFixture(t *testing.T) (*Proxy, *jobstore.Store) {
	t.Helper()
	store := jobstore.NewStore(cache.NewMemory(), "dojo:docker_job:", time.Minute)
	return &Proxy{Store: store, Refresh: 3}, store
}

func putJob(t *testing.T, store *jobstore.Store, job *types.Job) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), job))
}

func get(p *Proxy, jobID, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/workspace/job/"+jobID+"/"+token, nil)
	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, req)
	return w
}

func TestServeJobUnknown(t *testing.T) {
	p, _ := proxyFixture(t)
	w := get(p, "nope", "tok")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeJobTokenMismatch(t *testing.T) {
	p, store := proxyFixture(t)
	putJob(t, store, &types.Job{ID: "job1", Token: "right", State: types.JobStatePending})

	w := get(p, "job1", "wrong")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeJobHoldingPage(t *testing.T) {
	p, store := proxyFixture(t)
	putJob(t, store, &types.Job{
		ID:            "job1",
		Token:         "tok",
		State:         types.JobStateRunning,
		ChallengeName: "Hello World",
		DojoName:      "Intro",
		Practice:      true,
	})

	w := get(p, "job1", "tok")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	body := w.Body.String()
	assert.Contains(t, body, `http-equiv="refresh" content="3"`)
	assert.Contains(t, body, "Hello World")
	assert.Contains(t, body, "Intro")
	assert.Contains(t, body, "practice mode")
}

func TestServeJobRefreshFloor(t *testing.T) {
	p, store := proxyFixture(t)
	p.Refresh = 0
	putJob(t, store, &types.Job{ID: "job1", Token: "tok", State: types.JobStatePending})

	w := get(p, "job1", "tok")
	assert.Contains(t, w.Body.String(), `http-equiv="refresh" content="1"`)
}

func TestServeJobReady(t *testing.T) {
	p, store := proxyFixture(t)
	url := "https://dojo.example.com/workspace/80/sig/abcdef012345"
	putJob(t, store, &types.Job{
		ID:           "job1",
		Token:        "tok",
		State:        types.JobStateReady,
		WorkspaceURL: &url,
	})

	w := get(p, "job1", "tok")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, url, w.Header().Get("Location"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestServeJobError(t *testing.T) {
	p, store := proxyFixture(t)
	msg := "Workspace failed to start. Please retry."
	putJob(t, store, &types.Job{
		ID:    "job1",
		Token: "tok",
		State: types.JobStateError,
		Error: &msg,
	})

	w := get(p, "job1", "tok")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Body.String(), msg)
}

func TestServeJobReadyWithoutURL(t *testing.T) {
	p, store := proxyFixture(t)
	putJob(t, store, &types.Job{
		ID:            "job1",
		Token:         "tok",
		State:         types.JobStateReady,
		ChallengeName: "Hello World",
	})

	// A ready record with no recorded URL keeps the client waiting
	// instead of redirecting nowhere.
	w := get(p, "job1", "tok")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `http-equiv="refresh"`)
}

type failingCache struct {
	cache.Cache
}

func (f *failingCache) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errors.New("connection refused")
}

func TestServeJobStoreUnavailable(t *testing.T) {
	store := jobstore.NewStore(&failingCache{}, "dojo:docker_job:", time.Minute)
	p := &Proxy{Store: store, Refresh: 3}

	w := get(p, "job1", "tok")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
