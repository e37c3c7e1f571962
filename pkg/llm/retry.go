package llm

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryConfig configures retry behavior for Complete calls.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	MaxAttempts int

	// InitialBackoff is the starting backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied after each attempt.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64
}

// DefaultRetry is the standard retry configuration.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// IsRetryable reports whether an error is a transient provider failure.
func IsRetryable(err error) bool {
	var provider *Error
	return errors.As(err, &provider) && provider.Retryable
}

// WithRetry wraps a client so transient Complete failures are retried
// with exponential backoff. Stream calls pass through unretried: partial
// output may already have been emitted.
func WithRetry(client Client, cfg RetryConfig) Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &retryingClient{inner: client, cfg: cfg}
}

type retryingClient struct {
	inner Client
	cfg   RetryConfig
}

// Complete implements Client.
func (c *retryingClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	backoff := c.cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := c.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return nil, err
		}

		// No sleep after the last attempt.
		if attempt < c.cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jittered(backoff, c.cfg.Jitter)):
			}

			backoff = time.Duration(float64(backoff) * c.cfg.BackoffFactor)
			if backoff > c.cfg.MaxBackoff && c.cfg.MaxBackoff > 0 {
				backoff = c.cfg.MaxBackoff
			}
		}
	}

	return nil, lastErr
}

// Stream implements Client.
func (c *retryingClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	return c.inner.Stream(ctx, req)
}

// jittered applies random jitter: base +/- (base * jitter * random).
func jittered(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	amount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + amount)
}
