package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrIndexUnavailable means the vector index never answered during the
// readiness wait. The worker does not start without it.
var ErrIndexUnavailable = errors.New("vector index unavailable")

type Pinger interface {
	Ping(ctx context.Context) error
}

// WaitReady pings p up to attempts times, delay apart.
func WaitReady(ctx context.Context, p Pinger, attempts int, delay time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)),
		ctx,
	)

	attempt := 0
	operation := func() error {
		attempt++
		return p.Ping(ctx)
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("Vector index not ready", "attempt", attempt, "of", attempts, "retry_in", next, "error", err)
	}

	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w after %d attempts: %v", ErrIndexUnavailable, attempt, err)
	}

	logger.Info("Vector index ready", "attempts", attempt)
	return nil
}
