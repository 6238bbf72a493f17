package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDeviceList(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		expected []string
	}{
		{
			name:     "typical find output",
			output:   "/dev/null\n/dev/kvm\n/dev/net/tun\n",
			expected: []string{"/dev/null", "/dev/kvm", "/dev/net/tun"},
		},
		{
			name:     "blank lines and padding dropped",
			output:   "\n  /dev/kvm  \n\n/dev/tty\n",
			expected: []string{"/dev/kvm", "/dev/tty"},
		},
		{
			name:     "empty output",
			output:   "",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseDeviceList([]byte(tt.output)))
		})
	}
}
