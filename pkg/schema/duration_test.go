package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"5ms", 5 * time.Millisecond},
		{"1m30s", 90 * time.Second},
		{"200 ms", 200 * time.Millisecond},
		{"5 seconds", 5 * time.Second},
		{"1h 30m", 90 * time.Minute},
		{"2 days", 48 * time.Hour},
		{"250", 250 * time.Millisecond},
		{"1.5s", 1500 * time.Millisecond},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			d, err := ParseDuration(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, d)
		})
	}
}

func TestParseDuration_Invalid(t *testing.T) {
	for _, in := range []string{"", "soon", "5 fortnights", "ms"} {
		_, err := ParseDuration(in)
		require.Error(t, err, in)
		assert.True(t, IsCode(err, ErrCodeDefinition))
	}
}
