package ratelimit

import (
	"context"
	"time"
)

// Limiter paces outbound requests to one upstream.
type Limiter interface {
	// Wait blocks until a request may be sent or ctx is done.
	Wait(ctx context.Context) error
	// Allow consumes a slot if one is free right now.
	Allow() bool
	// Reserve reports how long the next request would wait.
	Reserve() time.Duration
	Reset()
}

// Strategy selects a Limiter implementation.
type Strategy string

const (
	StrategyTokenBucket Strategy = "token_bucket"
	StrategyFixedWindow Strategy = "fixed_window"
	StrategyFixedDelay  Strategy = "fixed_delay"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyTokenBucket, StrategyFixedWindow, StrategyFixedDelay:
		return true
	}
	return false
}

// NewLimiter creates a limiter for cfg.Strategy.
func NewLimiter(cfg Config) Limiter {
	cfg = cfg.withDefaults()
	switch cfg.Strategy {
	case StrategyFixedWindow:
		return NewFixedWindow(cfg)
	case StrategyFixedDelay:
		return NewFixedDelayLimiter(cfg)
	default:
		return NewTokenBucket(cfg)
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
