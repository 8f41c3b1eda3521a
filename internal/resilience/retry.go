package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry defaults for upstream calls.
const (
	DefaultAttempts      = 3
	DefaultInitialDelay  = 1 * time.Second
	DefaultMaxDelay      = 60 * time.Second
	DefaultBackoffFactor = 2.0

	// jitterFactor spreads each delay over [0.5x, 1.5x].
	jitterFactor = 0.5
)

// RetryPolicy describes a bounded exponential backoff.
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// DefaultRetryPolicy returns 3 attempts, 1s initial delay doubling up to 60s, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:     DefaultAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Factor:       DefaultBackoffFactor,
		Jitter:       true,
	}
}

// NewBackOff returns an unbounded exponential backoff following the policy's
// delays. Callers own attempt counting.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	if p.InitialDelay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = p.InitialDelay
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = maxDelay
	b.Multiplier = factor
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	if p.Jitter {
		b.RandomizationFactor = jitterFactor
	}
	b.Reset()
	return b
}

// Backoff returns the wait before retry number attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	b := p.NewBackOff()
	wait := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		wait = b.NextBackOff()
	}
	return wait
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry runs op until it succeeds, returns a permanent error, the circuit is
// open, the context is done, or the attempts are exhausted. onRetry may be nil.
// When ctx ends during a wait the last upstream error is returned.
func Retry(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error, onRetry func(attempt int, wait time.Duration, err error)) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	operation := func() error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) || errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	retries := 0
	notify := func(err error, wait time.Duration) {
		retries++
		if onRetry != nil {
			onRetry(retries, wait, err)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.NewBackOff(), uint64(attempts-1)), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	if err != nil && lastErr != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return lastErr
	}
	return err
}
