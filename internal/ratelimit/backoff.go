package ratelimit

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

// NewBackOff returns an exponential policy bounded by cfg.MaxRetries that
// stops when ctx is done.
func NewBackOff(ctx context.Context, cfg Config) backoff.BackOff {
	cfg = cfg.withDefaults()
	if cfg.MaxRetries == 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialBackoff
	bo.MaxInterval = cfg.MaxBackoff
	bo.Multiplier = cfg.BackoffMultiplier
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = 0
	bo.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.MaxRetries)), ctx)
}

// Retry runs op until it succeeds, returns a Permanent error, or the policy
// gives up. notify is called before every retry and may be nil.
func Retry(ctx context.Context, cfg Config, op func() error, notify func(err error, wait time.Duration)) error {
	if notify == nil {
		notify = func(error, time.Duration) {}
	}
	return backoff.RetryNotify(op, NewBackOff(ctx, cfg), notify)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
