package ratelimit

import (
	"context"
	"sync"
	"time"
)

// FixedDelayLimiter spaces requests at least delay apart.
type FixedDelayLimiter struct {
	mu    sync.Mutex
	delay time.Duration
	next  time.Time
	now   func() time.Time
}

// NewFixedDelayLimiter creates a limiter using cfg.FixedDelay.
func NewFixedDelayLimiter(cfg Config) *FixedDelayLimiter {
	cfg = cfg.withDefaults()
	return &FixedDelayLimiter{delay: cfg.FixedDelay, now: time.Now}
}

// Wait claims the next slot and sleeps until it opens. A cancelled wait
// gives the slot back.
func (l *FixedDelayLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()
	slot := l.next
	if slot.Before(now) {
		slot = now
	}
	prev := l.next
	l.next = slot.Add(l.delay)
	l.mu.Unlock()

	if err := sleep(ctx, slot.Sub(now)); err != nil {
		l.mu.Lock()
		if l.next.Equal(slot.Add(l.delay)) {
			l.next = prev
		}
		l.mu.Unlock()
		return err
	}
	return nil
}

// Allow claims the slot only when no wait is needed.
func (l *FixedDelayLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Before(l.next) {
		return false
	}
	l.next = now.Add(l.delay)
	return true
}

// Reserve returns the wait before the next slot without claiming it.
func (l *FixedDelayLimiter) Reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if wait := l.next.Sub(l.now()); wait > 0 {
		return wait
	}
	return 0
}

// Reset frees the next slot immediately.
func (l *FixedDelayLimiter) Reset() {
	l.mu.Lock()
	l.next = time.Time{}
	l.mu.Unlock()
}
