package builder

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostname(t *testing.T) {
	tests := []struct {
		name          string
		practice      bool
		moduleID      string
		challengeName string
		expected      string
	}{
		{
			name:          "simple challenge name",
			moduleID:      "program-misuse",
			challengeName: "level1",
			expected:      "program-misuse~level1",
		},
		{
			name:          "practice prefix",
			practice:      true,
			moduleID:      "program-misuse",
			challengeName: "level1",
			expected:      "practice~program-misuse~level1",
		},
		{
			name:          "uppercase and punctuation normalized",
			moduleID:      "intro",
			challengeName: "Hello, World! (part 2)",
			expected:      "intro~hello-world-part-2",
		},
		{
			name:          "whitespace dots and dashes collapse",
			moduleID:      "web",
			challengeName: "a .. b--c  d",
			expected:      "web~a-b-c-d",
		},
		{
			name:          "empty challenge name",
			moduleID:      "web",
			challengeName: "",
			expected:      "web~",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Hostname(tt.practice, tt.moduleID, tt.challengeName))
		})
	}
}

func TestHostnameTruncation(t *testing.T) {
	long := strings.Repeat("a", 100)
	hostname := Hostname(true, "module", long)

	assert.Len(t, hostname, 64)
	assert.Equal(t, "practice~module~"+strings.Repeat("a", 48), hostname)
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "user_42", ContainerName(42))
	assert.Equal(t, "user_1", ContainerName(1))
}

func TestUserIPv4(t *testing.T) {
	// Deterministic, distinct, and clear of the low reserved addresses.
	assert.Equal(t, UserIPv4(42), UserIPv4(42))
	assert.NotEqual(t, UserIPv4(1), UserIPv4(2))
	assert.Equal(t, "10.16.1.42", UserIPv4(42))
}

func TestUserIPv4WithinRange(t *testing.T) {
	// Every id maps inside 10.16.0.0/12, second octet 16 through 31.
	for _, id := range []int64{0, 1, 1 << 16, 0xfff00, 0xfffff, 9999999, 1 << 31} {
		parts := strings.Split(UserIPv4(id), ".")
		require.Len(t, parts, 4)
		assert.Equal(t, "10", parts[0])

		octet, err := strconv.Atoi(parts[1])
		require.NoError(t, err)
		assert.GreaterOrEqual(t, octet, 16, "id %d -> %s", id, UserIPv4(id))
		assert.LessOrEqual(t, octet, 31, "id %d -> %s", id, UserIPv4(id))
	}
}
