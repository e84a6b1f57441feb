package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/vzahanych/plant-curator/internal/logger"
)

// withRetry runs fn up to attempts times in total, sleeping delay between
// attempts. It stops early when ctx is done.
func withRetry(ctx context.Context, log *logger.Logger, op string, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			log.Debug("Retrying request", "op", op, "attempt", attempt, "max_attempts", attempts)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		log.Warn("Request attempt failed", "op", op, "attempt", attempt, "error", err)
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}
