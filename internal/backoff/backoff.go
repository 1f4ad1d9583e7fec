// Package backoff provides the bounded exponential delay schedule used by
// the connection orchestrator and a retry helper for transient API calls.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/emberapp/chatlink/internal/cherr"
)

// Config holds the backoff schedule parameters.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      bool
}

// DefaultConfig returns the schedule used for transient HTTP retries.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 3,
		Jitter:      true,
	}
}

// Delay computes the wait before attempt n (1-based):
// min(base × 2^(n−1), max). Attempts below 1 are clamped to 1.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(c.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if d > c.MaxDelay || d <= 0 { // <= 0 catches float overflow
		d = c.MaxDelay
	}
	return d
}

// Do executes fn with exponential backoff. Only retryable errors
// (cherr.IsRetryable) are retried.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !cherr.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.Delay(attempt)
		if cfg.Jitter {
			delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
