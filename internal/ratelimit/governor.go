// Package ratelimit keeps outbound provider traffic inside each
// provider's API budget. Windows are fixed, aligned to the window
// duration, and the grant decision is a single atomic
// increment-with-cap in storage so that concurrent workers across
// process instances cannot overrun the cap.
package ratelimit

import (
	"context"
	"time"

	apperrors "integration-hub/internal/common/errors"
	"integration-hub/internal/common/logging"
	"integration-hub/internal/redis"
	"integration-hub/internal/storage"
)

// Governor grants or denies request budget per integration. When a
// Redis client is present it is consulted first as a cheap rejection
// path; the storage row stays the source of truth for the cap.
type Governor struct {
	storage storage.Storage
	redis   *redis.Client
	logger  logging.Logger
	limit   int
	window  time.Duration

	// overrides maps provider name to a limit different from the
	// default, for providers with tighter published budgets.
	overrides map[string]int
}

type Option func(*Governor)

// WithRedis enables the Redis fast path.
func WithRedis(client *redis.Client) Option {
	return func(g *Governor) {
		g.redis = client
	}
}

// WithProviderLimit overrides the request limit for one provider.
func WithProviderLimit(provider string, limit int) Option {
	return func(g *Governor) {
		g.overrides[provider] = limit
	}
}

func NewGovernor(store storage.Storage, limit int, window time.Duration, logger logging.Logger, opts ...Option) *Governor {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if limit < 1 {
		limit = 1000
	}
	if window < time.Second {
		window = time.Hour
	}
	g := &Governor{
		storage:   store,
		logger:    logger,
		limit:     limit,
		window:    window,
		overrides: make(map[string]int),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// LimitFor returns the request limit applied to the provider.
func (g *Governor) LimitFor(provider string) int {
	if override, ok := g.overrides[provider]; ok {
		return override
	}
	return g.limit
}

// windowBounds returns the fixed window containing now, aligned to the
// window duration so every process computes identical boundaries.
func (g *Governor) windowBounds(now time.Time) (time.Time, time.Time) {
	start := now.UTC().Truncate(g.window)
	return start, start.Add(g.window)
}

// TryAcquire atomically reserves cost requests from the integration's
// current window. Returns false without consuming budget when the
// window cannot cover the cost.
func (g *Governor) TryAcquire(ctx context.Context, integrationID, provider string, cost int) (bool, error) {
	if cost < 1 {
		cost = 1
	}
	limit := g.LimitFor(provider)
	windowStart, windowEnd := g.windowBounds(time.Now())

	// Redis rejection fast path. A denial here is authoritative enough
	// to skip the storage round trip; a grant still has to pass the
	// durable cap below.
	if g.redis != nil {
		allowed, _, err := g.redis.CheckProviderBudget(ctx, integrationID, limit, g.window)
		if err != nil {
			g.logger.Warn("Rate budget fast path unavailable, falling through to storage",
				logging.Field{Key: "integration_id", Value: integrationID},
				logging.Field{Key: "error", Value: err})
		} else if !allowed {
			return false, nil
		}
	}

	granted, err := g.storage.IncrementRateWindow(integrationID, windowStart, windowEnd, cost, limit)
	if err != nil {
		return false, err
	}
	if !granted {
		g.logger.Debug("Rate budget exhausted",
			logging.Field{Key: "integration_id", Value: integrationID},
			logging.Field{Key: "provider", Value: provider},
			logging.Field{Key: "limit", Value: limit},
			logging.Field{Key: "window_end", Value: windowEnd})
	}
	return granted, nil
}

// WaitTime returns how long a denied caller should wait: the time
// until the current window closes and the budget resets.
func (g *Governor) WaitTime(now time.Time) time.Duration {
	_, windowEnd := g.windowBounds(now)
	wait := windowEnd.Sub(now.UTC())
	if wait < 0 {
		return 0
	}
	return wait
}

// Usage reports requests made and the limit for the current window.
// A window row that does not exist yet reads as zero usage.
func (g *Governor) Usage(ctx context.Context, integrationID, provider string) (int, int, error) {
	windowStart, _ := g.windowBounds(time.Now())
	window, err := g.storage.GetRateWindow(integrationID, windowStart)
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrTypeNotFound) {
			return 0, g.LimitFor(provider), nil
		}
		return 0, 0, err
	}
	return window.RequestsMade, window.RequestsLimit, nil
}
