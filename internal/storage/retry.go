package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures retry behavior for store operations.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig suits single object operations inside a backup run.
// The run deadline still bounds the total through ctx.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      4,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  time.Minute,
	}
}

// Retry runs op with exponential backoff until it succeeds, returns a
// permanent error, the retries run out, or ctx is done. ErrNotFound is
// never retried.
func Retry(ctx context.Context, cfg RetryConfig, op func() error, notify func(err error, wait time.Duration)) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialInterval
	exp.MaxInterval = cfg.MaxInterval
	exp.MaxElapsedTime = cfg.MaxElapsedTime
	exp.Reset()

	var b backoff.BackOff = exp
	if cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(exp, cfg.MaxRetries)
	}
	b = backoff.WithContext(b, ctx)

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}

	if notify == nil {
		return backoff.Retry(wrapped, b)
	}
	return backoff.RetryNotify(wrapped, b, notify)
}
