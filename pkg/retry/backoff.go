// Package retry runs operations against remote services with exponential
// backoff.
//
// Return Stop(err) from the operation to give up at once on failures that a
// later attempt cannot fix:
//
//	err := retry.WithRetry(ctx, func() error {
//		body, err = fetch(ctx, key)
//		if isNotFound(err) {
//			return retry.Stop(err)
//		}
//		return err
//	}, retry.DefaultBackoffConfig())
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/migadu/popd/logger"
)

// BackoffConfig describes the wait between attempts. The first retry waits
// InitialInterval, each further one Multiplier times longer, capped at
// MaxInterval. MaxRetries counts retries, so an operation runs at most
// MaxRetries+1 times.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter draws each delay uniformly from the upper half of its interval.
	Jitter     bool
	MaxRetries int
}

// DefaultBackoffConfig suits object store reads on the POP3 request path,
// where a client is waiting for the response.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
		Jitter:          true,
		MaxRetries:      3,
	}
}

// Delay returns how long to wait before retry number n (1 based).
func (c BackoffConfig) Delay(n int) time.Duration {
	d := float64(c.InitialInterval)
	for i := 1; i < n && d < float64(c.MaxInterval); i++ {
		d *= c.Multiplier
	}
	delay := min(time.Duration(d), c.MaxInterval)

	if c.Jitter && delay >= 2 {
		half := delay / 2
		delay = half + rand.N(delay-half)
	}
	return delay
}

type stopError struct{ err error }

func (e stopError) Error() string { return e.err.Error() }
func (e stopError) Unwrap() error { return e.err }

// Stop marks err as permanent. WithRetry returns it unwrapped without
// further attempts.
func Stop(err error) error {
	return stopError{err: err}
}

// WithRetry runs fn until it succeeds, returns a Stop error, the retries run
// out or ctx is done.
func WithRetry(ctx context.Context, fn func() error, config BackoffConfig) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var stop stopError
		if errors.As(err, &stop) {
			return stop.err
		}
		if attempt == config.MaxRetries {
			return fmt.Errorf("giving up after %d attempts: %w", attempt+1, err)
		}

		delay := config.Delay(attempt + 1)
		logger.Debug("Retry: attempt failed", "attempt", attempt+1, "next_in", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}
