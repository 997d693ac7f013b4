package engine

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/quartermile/ledgerflow/internal/config"
)

// jitterCalculators spread retry delays to avoid thundering herds when
// many runs fail together
var jitterCalculators = map[string]func(time.Duration) time.Duration{
	config.JitterNone: func(d time.Duration) time.Duration {
		return d
	},
	config.JitterFull: func(d time.Duration) time.Duration {
		if d <= 0 {
			return 0
		}
		return time.Duration(rand.Int64N(int64(d) + 1))
	},
}

// RetryDelay computes the backoff before the given attempt is retried.
// attempt is 1-based: the delay after the first failed attempt uses the
// base delay, and each further attempt multiplies by the factor up to
// the configured ceiling.
func RetryDelay(cfg config.RetryConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(cfg.BaseDelayMs) *
		math.Pow(cfg.Factor, float64(attempt-1))
	if delay > float64(cfg.MaxDelayMs) {
		delay = float64(cfg.MaxDelayMs)
	}

	d := time.Duration(delay) * time.Millisecond
	if jitter, ok := jitterCalculators[cfg.Jitter]; ok {
		return jitter(d)
	}
	return d
}

// NextRetryAt returns the redelivery time for a failed attempt
func NextRetryAt(
	cfg config.RetryConfig, attempt int, now time.Time,
) time.Time {
	return now.Add(RetryDelay(cfg, attempt))
}
