package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default retry parameters.
const (
	defaultMaxAttempts = 3
	defaultBackoff     = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// ErrRetryAborted is returned by [Backoff.Retry] when the stop channel closes
// before an attempt succeeds.
var ErrRetryAborted = errors.New("resilience: retry aborted")

// Backoff runs an operation with exponential backoff between attempts.
//
// The zero value is usable and applies the defaults (3 attempts, 1s initial
// backoff doubling up to 30s).
type Backoff struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Defaults to 3 if zero.
	MaxAttempts int

	// Initial is the wait after the first failure. Doubles each attempt up to
	// Max. Defaults to 1s if zero.
	Initial time.Duration

	// Max is the upper limit on the wait. Defaults to 30s if zero.
	Max time.Duration

	// Name labels log lines (e.g., "voice-agent").
	Name string
}

func (b Backoff) withDefaults() Backoff {
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = defaultMaxAttempts
	}
	if b.Initial <= 0 {
		b.Initial = defaultBackoff
	}
	if b.Max <= 0 {
		b.Max = defaultMaxBackoff
	}
	return b
}

// Retry calls fn until it succeeds, the attempt ceiling is reached, ctx is
// cancelled, or stop is closed. stop may be nil.
//
// It returns the number of attempts made and, on failure, the last error
// returned by fn (or the cancellation cause).
func (b Backoff) Retry(ctx context.Context, stop <-chan struct{}, fn func(ctx context.Context, attempt int) error) (int, error) {
	b = b.withDefaults()
	wait := b.Initial

	var lastErr error
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return attempt - 1, ctx.Err()
		case <-stop:
			return attempt - 1, ErrRetryAborted
		default:
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			if attempt > 1 {
				slog.Info("retry succeeded", "name", b.Name, "attempt", attempt)
			}
			return attempt, nil
		}

		slog.Warn("attempt failed",
			"name", b.Name,
			"attempt", attempt,
			"max_attempts", b.MaxAttempts,
			"error", lastErr,
		)
		if attempt == b.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-stop:
			return attempt, ErrRetryAborted
		case <-time.After(wait):
		}

		wait *= 2
		if wait > b.Max {
			wait = b.Max
		}
	}

	slog.Error("giving up after max attempts", "name", b.Name, "max_attempts", b.MaxAttempts)
	return b.MaxAttempts, fmt.Errorf("after %d attempts: %w", b.MaxAttempts, lastErr)
}
