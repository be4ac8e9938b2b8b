package utils

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"
)

// RetryConfig controls exponential backoff for calls against external
// providers.
type RetryConfig struct {
	// MaxAttempts counts the initial attempt, so 3 means two retries.
	MaxAttempts int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// BackoffFactor multiplies the delay after each attempt.
	BackoffFactor float64

	// JitterFactor randomizes each delay by up to this fraction so
	// concurrent sync jobs do not retry in lockstep.
	JitterFactor float64

	// RetryableErrors decides whether an error is worth another
	// attempt. Nil retries everything.
	RetryableErrors func(error) bool
}

// DefaultRetryConfig matches the tuning used for provider data calls:
// three attempts, one second initial delay doubling up to thirty
// seconds, 10% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
		RetryableErrors: func(err error) bool {
			return true
		},
	}
}

// RetryWithBackoff runs fn until it succeeds, a non-retryable error is
// returned, the attempt budget is spent, or ctx is done. Exhausted
// budgets return the last error wrapped in "max retries exceeded";
// non-retryable errors come back unwrapped so callers can classify
// them.
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if config.RetryableErrors != nil && !config.RetryableErrors(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * config.BackoffFactor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
		if config.JitterFactor > 0 {
			jitter := time.Duration(float64(delay) * config.JitterFactor)
			delay += time.Duration(randomInt64n(int64(jitter)))
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// randomInt64n returns a random int64 in [0, n), falling back to a
// clock-derived value if the random source fails. Only used for retry
// jitter, so the fallback quality is acceptable.
func randomInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}

	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return time.Now().UnixNano() % n
	}

	val := int64(bytes[0])<<56 | int64(bytes[1])<<48 | int64(bytes[2])<<40 | int64(bytes[3])<<32 |
		int64(bytes[4])<<24 | int64(bytes[5])<<16 | int64(bytes[6])<<8 | int64(bytes[7])
	if val < 0 {
		val = -val
	}
	return val % n
}
