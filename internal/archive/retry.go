package archive

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/breeze-rmm/recorder/internal/logging"
)

// RetryPolicy controls how often a failed upload is attempted again.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // ±fraction of delay to randomize (0.3 = ±30%)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  2 * time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

// retryable reports whether another attempt could succeed. A missing local
// file or an unsafe key will fail the same way every time.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, ErrUnsafeKey):
		return false
	}
	return true
}

// withRetry runs fn until it succeeds, returns a permanent error, attempts are
// exhausted or ctx ends. It returns the number of attempts made.
func withRetry(ctx context.Context, p RetryPolicy, logger *slog.Logger, key string, fn func() error) (int, error) {
	delay := p.InitialDelay
	var err error
	attempt := 0
	for ; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := applyJitter(delay, p.JitterFrac)
			logger.Debug("retrying archive upload", "key", key, "attempt", attempt, "delay", wait)
			select {
			case <-ctx.Done():
				return attempt, ctx.Err()
			case <-time.After(wait):
			}
			delay = time.Duration(float64(delay) * p.BackoffFactor)
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
		if err = fn(); !retryable(err) {
			return attempt + 1, err
		}
		logger.Warn("archive upload attempt failed", "key", key, "attempt", attempt+1, logging.KeyError, err.Error())
	}
	return attempt, err
}

func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	jitter := float64(d) * frac * (2*rand.Float64() - 1)
	if out := time.Duration(float64(d) + jitter); out > 0 {
		return out
	}
	return 0
}
