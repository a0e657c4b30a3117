package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"brokerd/internal/broker"
)

// Start starts the provider, retrying transient failures up to attempts
// times with exponential backoff. Authentication and argument errors are
// returned immediately since repeating the call cannot fix them.
func (e *Engine) Start(ctx context.Context, attempts int) error {
	if attempts < 1 {
		attempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.startDelay()
	bo.MaxInterval = 30 * time.Second

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = e.provider.Start(ctx); err == nil {
			return nil
		}
		if !retryableStart(err) || attempt == attempts {
			break
		}

		sleep := bo.NextBackOff()
		e.log.Warn("starting provider", "attempt", attempt, "retry_in", sleep, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return err
}

func (e *Engine) startDelay() time.Duration {
	if e.retryBase > 0 {
		return e.retryBase
	}
	return time.Second
}

func retryableStart(err error) bool {
	var be *broker.Error
	if !errors.As(err, &be) {
		return true
	}
	return be.Retryable()
}
