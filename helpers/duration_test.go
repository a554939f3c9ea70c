package helpers

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
		{"10m", 10 * time.Minute},
		{"90s", 90 * time.Second},
		{"31d", 31 * 24 * time.Hour},
		{"1d12h", 36 * time.Hour},
		{" 2h ", 2 * time.Hour},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseDurationInvalid(t *testing.T) {
	for _, in := range []string{"", "xd", "-1d", "1dfoo", "ten minutes"} {
		_, err := ParseDuration(in)
		assert.Error(t, err, in)
	}
}

func TestParseSize(t *testing.T) {
	tests := map[string]int64{
		"1024": 1024,
		"5mb":  5 << 20,
		"1GB":  1 << 30,
		"10kb": 10 << 10,
		"7b":   7,
	}
	for in, want := range tests {
		got, err := ParseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "mb", "-1kb", "1.5gb"} {
		_, err := ParseSize(in)
		assert.Error(t, err, in)
	}
}
