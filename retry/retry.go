// Package retry provides the one retrying client used for cross-actor
// calls. Any call between actors — coordinator to ledger, and whatever
// comes next — is fallible by contract and goes through a Caller: bounded
// attempts, backoff between them, and a final error the call site turns
// into a dead-letter record. Call sites never hand-roll retry loops.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/darkroom/backoff"
)

// Caller retries an operation a bounded number of times with a backoff
// strategy. It is stateless between calls and safe for concurrent use.
type Caller struct {
	strategy backoff.Strategy
	attempts int
	logger   *slog.Logger
}

// Option configures a Caller.
type Option func(*Caller)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Caller) { c.logger = l }
}

// New creates a Caller that tries an operation up to attempts times,
// waiting strategy.Delay(n) before retry n. attempts < 1 is treated as 1.
func New(strategy backoff.Strategy, attempts int, opts ...Option) *Caller {
	if attempts < 1 {
		attempts = 1
	}
	c := &Caller{
		strategy: strategy,
		attempts: attempts,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attempts returns the configured attempt budget.
func (c *Caller) Attempts() int { return c.attempts }

// Do runs fn until it succeeds, the attempt budget is spent, or ctx is
// done. It returns nil on success, ctx.Err() on cancellation, and the
// last fn error (wrapped with the op name and attempt count) on
// exhaustion.
func (c *Caller) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == c.attempts {
			break
		}

		delay := c.strategy.Delay(attempt)
		c.logger.Warn("call failed, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()),
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("retry: %s exhausted %d attempts: %w", op, c.attempts, lastErr)
}
