package events

import (
	"math"
	"time"
)

const maxShift = 62

// BackoffConfig holds the base delay and the cap of the exponential backoff.
type BackoffConfig struct {
	Base time.Duration `yaml:"base"`
	Cap  time.Duration `yaml:"cap"`
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base: time.Second,
		Cap:  300 * time.Second,
	}
}

// Backoff returns min(Base * 2^attempt, Cap). Negative attempts count as 0 and
// the multiplication saturates instead of overflowing.
func (c BackoffConfig) Backoff(attempt int) time.Duration {
	if c.Base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt

	delay := time.Duration(math.MaxInt64)
	if int64(c.Base) <= math.MaxInt64/multiplier {
		delay = time.Duration(int64(c.Base) * multiplier)
	}

	if c.Cap > 0 && delay > c.Cap {
		return c.Cap
	}
	return delay
}
