package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// RetryConfig controls retry behavior with exponential backoff and jitter.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt. Zero
	// means a single attempt. Negative values use the default of 3.
	MaxRetries int

	// InitialBackoff is the base delay before the first retry. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default: 30s.
	MaxBackoff time.Duration

	// Multiplier scales the backoff after each backoff step. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = no jitter, 0.5 = ±50%). Default: 0.25.
	JitterFraction float64

	// OnRetry is called before each retry with the attempt number just
	// completed and its error.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the retry configuration used for enrichment calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// Outcome is the terminal result of a retried operation.
type Outcome[T any] struct {
	Value    T
	Err      error
	Kind     Kind
	Attempts int
}

// OK reports whether the operation eventually succeeded.
func (o Outcome[T]) OK() bool {
	return o.Err == nil
}

// Exhausted reports whether the operation failed because every attempt was
// spent on retryable errors.
func (o Outcome[T]) Exhausted() bool {
	return o.Err != nil && o.Kind.Retryable()
}

// Run executes fn until it succeeds, fails with a non-retryable error, or
// MaxRetries+1 attempts are spent. fn receives the zero-based attempt index.
//
// Transient and malformed failures back off exponentially, honoring the
// server's retry-after hint when it is longer. Rate-limit failures back off
// on the same schedule. Quota failures retry immediately on the assumption
// that the caller rotates credentials; they consume an attempt but do not
// advance the backoff exponent. Aborted failures consume nothing and stop
// the loop, as does context cancellation.
func Run[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) (T, error)) Outcome[T] {
	cfg = applyDefaults(cfg)

	var out Outcome[T]
	step := 0
	for out.Attempts <= cfg.MaxRetries {
		if err := ctx.Err(); err != nil {
			return aborted(out, err)
		}

		val, err := fn(ctx, out.Attempts)
		if err == nil {
			out.Value = val
			out.Err = nil
			out.Attempts++
			return out
		}

		kind := KindOf(err)
		if kind == KindAborted {
			out.Err = err
			out.Kind = kind
			return out
		}
		out.Attempts++
		out.Err = err
		out.Kind = kind

		if ctx.Err() != nil {
			return aborted(out, ctx.Err())
		}
		if !kind.Retryable() || out.Attempts > cfg.MaxRetries {
			return out
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(out.Attempts, err)
		}

		if kind == KindQuotaExhausted {
			continue
		}

		delay := computeBackoff(step, cfg)
		step++
		// A rate-limit hint cools that credential in the pool; the retry
		// only backs off before rotating to another one.
		if hint := RetryAfterOf(err); kind != KindRateLimited && hint != nil && *hint > delay {
			delay = *hint
		}
		if err := sleep(ctx, delay); err != nil {
			return aborted(out, err)
		}
	}

	return out
}

func aborted[T any](out Outcome[T], cause error) Outcome[T] {
	out.Kind = KindAborted
	out.Err = NewAbortedError(eris.Wrap(cause, "retry: cancelled"))
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

func computeBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}

	// Apply jitter: ±JitterFraction of delay.
	if cfg.JitterFraction > 0 {
		jitterRange := delay * cfg.JitterFraction
		jitter := (rand.Float64()*2 - 1) * jitterRange // [-jitterRange, +jitterRange]
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(operation, subject string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("operation", operation),
			zap.String("subject", subject),
			zap.Int("attempt", attempt),
			zap.String("kind", KindOf(err).String()),
			zap.Error(err),
		)
	}
}
