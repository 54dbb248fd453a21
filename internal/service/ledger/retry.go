package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zerorouter/zerorouter/backend/internal/clock"
)

// RetryOptions controls Retry. A nil Clock waits in real time.
type RetryOptions struct {
	MaxRetries int
	Delay      time.Duration
	Clock      clock.Clock
}

// DefaultRetryOptions suits read queries issued during session setup.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{MaxRetries: 3, Delay: 500 * time.Millisecond}
}

// Retry runs fn until it succeeds, returns a non-transient error, or the
// attempts run out. Only ErrGatewayUnavailable is retried; the wait grows
// linearly with each attempt.
func Retry(ctx context.Context, opts RetryOptions, fn func(ctx context.Context) error) error {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	var lastErr error
	for i := 0; i < opts.MaxRetries; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrGatewayUnavailable) {
			return err
		}
		lastErr = err

		if i == opts.MaxRetries-1 {
			break
		}

		retryDelay := time.Duration(i+1) * opts.Delay
		elapsed := make(chan struct{})
		timer := opts.Clock.AfterFunc(retryDelay, func() { close(elapsed) })
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-elapsed:
		}
	}

	return fmt.Errorf("gave up after %d attempts: %w", opts.MaxRetries, lastErr)
}
