// Package retry provides a small retry helper with exponential backoff and
// recoverable-error classification, used for transient storage and transport
// failures.
package retry

import (
	"context"
	"math/rand"
	"time"
)

type config struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
	jitter     bool
}

// Option configures a call to Do.
type Option func(*config)

// WithMaxRetries sets how many retries follow the initial attempt. Zero means
// the function runs exactly once.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithBaseWait sets the wait before the first retry; each subsequent wait
// doubles.
func WithBaseWait(d time.Duration) Option {
	return func(c *config) { c.baseWait = d }
}

// WithMaxWait caps the wait between retries.
func WithMaxWait(d time.Duration) Option {
	return func(c *config) { c.maxWait = d }
}

// WithJitter randomizes each wait over [0, wait).
func WithJitter() Option {
	return func(c *config) { c.jitter = true }
}

// Do runs fn until it succeeds, returns a non-recoverable error, or the retry
// budget is exhausted. The last error is returned unmodified.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	cfg := &config{
		maxRetries: 3,
		baseWait:   time.Second,
		maxWait:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var lastErr error
	wait := cfg.baseWait
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		if attempt > 0 {
			sleep := wait
			if cfg.jitter {
				sleep = time.Duration(rand.Int63n(int64(wait) + 1))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
			wait *= 2
			if cfg.maxWait > 0 && wait > cfg.maxWait {
				wait = cfg.maxWait
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRecoverable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
