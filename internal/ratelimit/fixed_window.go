package ratelimit

import (
	"context"
	"sync"
	"time"
)

// FixedWindow allows limit requests per window, counted from the first
// request of each window.
type FixedWindow struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	count       int
	windowStart time.Time
	now         func() time.Time
}

// NewFixedWindow creates a limiter allowing cfg.RequestsPerWindow per cfg.Window.
func NewFixedWindow(cfg Config) *FixedWindow {
	cfg = cfg.withDefaults()
	return &FixedWindow{
		limit:  cfg.RequestsPerWindow,
		window: cfg.Window,
		now:    time.Now,
	}
}

// Wait blocks until the current or a later window has room.
func (fw *FixedWindow) Wait(ctx context.Context) error {
	for {
		if fw.Allow() {
			return nil
		}
		if err := sleep(ctx, fw.Reserve()); err != nil {
			return err
		}
	}
}

// Allow counts the request if the window has room.
func (fw *FixedWindow) Allow() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	fw.roll()
	if fw.count < fw.limit {
		fw.count++
		return true
	}
	return false
}

// Reserve returns the time until the window resets, or zero if it has room.
func (fw *FixedWindow) Reserve() time.Duration {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	fw.roll()
	if fw.count < fw.limit {
		return 0
	}
	return fw.window - fw.now().Sub(fw.windowStart)
}

// Reset starts a fresh window.
func (fw *FixedWindow) Reset() {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	fw.count = 0
	fw.windowStart = time.Time{}
}

// roll opens a new window once the current one expired. Lock held.
func (fw *FixedWindow) roll() {
	now := fw.now()
	if fw.windowStart.IsZero() || now.Sub(fw.windowStart) >= fw.window {
		fw.count = 0
		fw.windowStart = now
	}
}
