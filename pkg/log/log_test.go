package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	return &buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	return entry
}

// The field helpers must support level calls chained directly on their
// return value, as call sites throughout the tree do.
func TestWithComponent(t *testing.T) {
	buf := capture(t)

	WithComponent("builder").Info().Msg("started")

	entry := lastEntry(t, buf)
	assert.Equal(t, "builder", entry["component"])
	assert.Equal(t, "started", entry["message"])
}

func TestWithJobID(t *testing.T) {
	buf := capture(t)

	WithJobID("job1").Warn().Msg("slow")

	entry := lastEntry(t, buf)
	assert.Equal(t, "job1", entry["job_id"])
	assert.Equal(t, "warn", entry["level"])
}

func TestWithUserID(t *testing.T) {
	buf := capture(t)

	WithUserID(42).Error().Msg("boom")

	entry := lastEntry(t, buf)
	assert.EqualValues(t, 42, entry["user_id"])
}

func TestWithTraceID(t *testing.T) {
	buf := capture(t)

	logger := WithTraceID("abc")
	logger.Debug().Msg("traced")

	entry := lastEntry(t, buf)
	assert.Equal(t, "abc", entry["trace_id"])
}
