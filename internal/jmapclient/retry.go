package jmapclient

import (
	"context"
	"time"
)

// withRetry runs fn, retrying transport-level failures with exponential
// backoff up to c.retries attempts (0 means unbounded). fn
// should return a *TransportError for failures eligible for retry and
// any other error (e.g. *AuthError) to abort immediately.
func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := 250 * time.Millisecond
	const maxDelay = 30 * time.Second

	var lastErr error
	for attempt := 0; c.retries == 0 || attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if _, ok := err.(*TransportError); !ok {
			return err
		}
	}
	return lastErr
}
