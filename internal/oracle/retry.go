package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 500 * time.Millisecond
)

// Retrying retries transient failures of an inner generator with
// exponential backoff.
type Retrying struct {
	inner    Generator
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// WithRetry wraps inner. attempts counts the first call; values below 1 and
// a non-positive backoff select the defaults.
func WithRetry(inner Generator, attempts int, backoff time.Duration) *Retrying {
	if attempts < 1 {
		attempts = defaultAttempts
	}
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	return &Retrying{inner: inner, attempts: attempts, backoff: backoff, logger: slog.Default()}
}

func (r *Retrying) Generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := range r.attempts {
		out, err := r.inner.Generate(ctx, prompt)
		if err == nil {
			return out, nil
		}
		if !IsTransient(err) {
			return "", err
		}
		lastErr = err

		if attempt < r.attempts-1 {
			wait := time.Duration(float64(r.backoff) * math.Pow(2, float64(attempt)))
			r.logger.Debug("oracle call failed, retrying", "attempt", attempt+1, "wait", wait, "error", err)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return "", fmt.Errorf("oracle failed after %d attempts: %w", r.attempts, lastErr)
}
