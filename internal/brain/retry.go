package brain

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/carevoice/internal/reliability"
)

const (
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// retryableError marks a failure worth another attempt.
type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

func retryable(err error) error { return retryableError{err: err} }

// withRetries runs fn until it succeeds, returns a non retryable error, or
// maxRetries extra attempts are used up.
func withRetries(ctx context.Context, maxRetries int, logger *zap.Logger, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		var re retryableError
		if err == nil || !errors.As(err, &re) || attempt >= maxRetries {
			break
		}
		delay := reliability.ExponentialBackoff(attempt, retryBaseDelay, retryMaxDelay)
		logger.Debug("retrying generation call",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	var re retryableError
	if errors.As(err, &re) {
		return re.err
	}
	return err
}
