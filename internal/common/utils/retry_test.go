package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastConfig() RetryConfig {
	config := DefaultRetryConfig()
	config.InitialDelay = 5 * time.Millisecond
	config.MaxDelay = 50 * time.Millisecond
	config.JitterFactor = 0
	return config
}

func TestRetryWithBackoffSucceedsAfterTransientFailure(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), fastConfig(), func() error {
		attempts++
		if attempts < 2 {
			return errors.New("temporarily unavailable")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryWithBackoffExhaustsBudget(t *testing.T) {
	persistent := errors.New("provider down")
	attempts := 0

	err := RetryWithBackoff(context.Background(), fastConfig(), func() error {
		attempts++
		return persistent
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.ErrorIs(t, err, persistent)
}

func TestRetryWithBackoffStopsOnNonRetryable(t *testing.T) {
	config := fastConfig()
	config.RetryableErrors = func(err error) bool {
		return err.Error() != "invalid_grant"
	}

	rejected := errors.New("invalid_grant")
	attempts := 0

	err := RetryWithBackoff(context.Background(), config, func() error {
		attempts++
		return rejected
	})

	// Non-retryable errors must come back unwrapped for classification
	assert.Equal(t, rejected, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithBackoffRespectsContext(t *testing.T) {
	config := fastConfig()
	config.MaxAttempts = 5
	config.InitialDelay = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	attempts := 0
	err := RetryWithBackoff(ctx, config, func() error {
		attempts++
		return errors.New("always fails")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 5)
}

func TestRetryWithBackoffDelayGrowthIsCapped(t *testing.T) {
	config := RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		BackoffFactor: 2.0,
	}

	attempts := 0
	var delays []time.Duration
	lastTime := time.Now()

	err := RetryWithBackoff(context.Background(), config, func() error {
		attempts++
		if attempts > 1 {
			delays = append(delays, time.Since(lastTime))
		}
		lastTime = time.Now()
		return errors.New("always fails")
	})

	assert.Error(t, err)
	assert.Equal(t, 4, attempts)
	assert.Len(t, delays, 3)

	tolerance := float64(8 * time.Millisecond)
	assert.InDelta(t, 10*time.Millisecond, delays[0], tolerance)
	assert.InDelta(t, 20*time.Millisecond, delays[1], tolerance)
	assert.InDelta(t, 20*time.Millisecond, delays[2], tolerance)
}

func TestRetryWithBackoffMixedErrorSequences(t *testing.T) {
	retryable := map[string]bool{
		"network timeout":     true,
		"rate limited":        true,
		"service unavailable": true,
		"invalid credentials": false,
	}

	config := fastConfig()
	config.RetryableErrors = func(err error) bool {
		return retryable[err.Error()]
	}

	tests := []struct {
		name             string
		errorSequence    []string
		expectedAttempts int
		shouldSucceed    bool
	}{
		{
			name:             "transient then success",
			errorSequence:    []string{"network timeout", ""},
			expectedAttempts: 2,
			shouldSucceed:    true,
		},
		{
			name:             "permanent fails immediately",
			errorSequence:    []string{"invalid credentials"},
			expectedAttempts: 1,
			shouldSucceed:    false,
		},
		{
			name:             "transient then permanent",
			errorSequence:    []string{"rate limited", "invalid credentials"},
			expectedAttempts: 2,
			shouldSucceed:    false,
		},
		{
			name:             "transient until budget spent",
			errorSequence:    []string{"network timeout", "rate limited", "service unavailable"},
			expectedAttempts: 3,
			shouldSucceed:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := RetryWithBackoff(context.Background(), config, func() error {
				attempts++
				if attempts-1 < len(tt.errorSequence) {
					msg := tt.errorSequence[attempts-1]
					if msg == "" {
						return nil
					}
					return errors.New(msg)
				}
				return nil
			})

			assert.Equal(t, tt.expectedAttempts, attempts)
			if tt.shouldSucceed {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRandomInt64n(t *testing.T) {
	n := int64(100)
	seen := make(map[int64]int)

	for i := 0; i < 10000; i++ {
		r := randomInt64n(n)
		assert.GreaterOrEqual(t, r, int64(0))
		assert.Less(t, r, n)
		seen[r]++
	}

	assert.Greater(t, len(seen), 10, "jitter values should vary")

	assert.Equal(t, int64(0), randomInt64n(0))
	assert.Equal(t, int64(0), randomInt64n(-10))
	assert.Equal(t, int64(0), randomInt64n(1))
}
