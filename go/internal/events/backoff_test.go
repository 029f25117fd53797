package events

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DefaultsDoubleUntilCap(t *testing.T) {
	cfg := DefaultBackoffConfig()

	assert.Equal(t, time.Second, cfg.Backoff(0))
	assert.Equal(t, 2*time.Second, cfg.Backoff(1))
	assert.Equal(t, 8*time.Second, cfg.Backoff(3))
	assert.Equal(t, 256*time.Second, cfg.Backoff(8))
	assert.Equal(t, 300*time.Second, cfg.Backoff(9))
	assert.Equal(t, 300*time.Second, cfg.Backoff(1000))
}

func TestBackoff_NonDecreasing(t *testing.T) {
	cfg := BackoffConfig{Base: 250 * time.Millisecond, Cap: time.Hour}

	prev := time.Duration(0)
	for attempt := 0; attempt < 100; attempt++ {
		d := cfg.Backoff(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, cfg.Cap)
		prev = d
	}
}

func TestBackoff_EdgeCases(t *testing.T) {
	tests := []struct {
		name    string
		cfg     BackoffConfig
		attempt int
		want    time.Duration
	}{
		{name: "negative attempt", cfg: DefaultBackoffConfig(), attempt: -4, want: time.Second},
		{name: "zero base", cfg: BackoffConfig{Base: 0, Cap: time.Minute}, attempt: 5, want: 0},
		{name: "no cap saturates", cfg: BackoffConfig{Base: time.Hour}, attempt: 62, want: time.Duration(math.MaxInt64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.Backoff(tt.attempt))
		})
	}
}
