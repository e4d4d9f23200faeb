// Package retry runs remote operations through a circuit breaker with
// bounded exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/jacentio/trove/internal/breaker"
	"github.com/jacentio/trove/internal/metrics"
)

// ErrExhausted is returned when every attempt failed with a retryable error.
// It wraps the last observed error.
var ErrExhausted = errors.New("trove: retry attempts exhausted")

// Policy bounds the retry loop.
type Policy struct {
	// MaxAttempts is the number of times an operation is tried.
	// Default: 3
	MaxAttempts int

	// BaseDelay is the sleep after the first failed attempt; it doubles per attempt.
	// Default: 100ms
	BaseDelay time.Duration

	// MaxDelay caps a single sleep.
	// Default: 2s
	MaxDelay time.Duration
}

// DefaultPolicy returns 3 attempts with 100ms..2s backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

func (p *Policy) validate() {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
}

// newBackOff returns a jitter-free schedule yielding min(BaseDelay*2^n, MaxDelay)
// for n = 0, 1, 2, ...
func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Delay returns min(BaseDelay*2^n, MaxDelay). Run sleeps Delay(n) after
// failed attempt n (0-indexed), so the sleep before the second attempt is
// Delay(0) = BaseDelay and Delay(n) is the sleep before attempt n+1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	b := p.newBackOff()
	d := b.NextBackOff()
	for i := 0; i < attempt && d < p.MaxDelay; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Operation is one remote call. It is invoked once per attempt.
type Operation func(ctx context.Context) (any, error)

// Executor applies breaker gating, classification and backoff to operations.
// One Executor owns one Breaker; its failure count is shared by every
// operation routed through it.
type Executor struct {
	breaker  *breaker.Breaker
	policy   Policy
	classify Classifier
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates an Executor. A nil classifier means IsRetryable.
func New(b *breaker.Breaker, policy Policy, classify Classifier, logger *zap.Logger) *Executor {
	policy.validate()
	if classify == nil {
		classify = IsRetryable
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		breaker:  b,
		policy:   policy,
		classify: classify,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// Policy returns the validated policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Breaker returns the breaker guarding this executor.
func (e *Executor) Breaker() *breaker.Breaker {
	return e.breaker
}

// Run invokes op up to maxAttempts times (values below 1 use the policy
// default).
//
// An open breaker fails with breaker.ErrOpen without calling op. A failure
// that trips the breaker aborts the loop with an error wrapping both
// breaker.ErrOpen and the failure. Non-retryable errors are returned as is on
// first occurrence. When attempts run out the result wraps ErrExhausted and
// the last error.
func (e *Executor) Run(ctx context.Context, maxAttempts int, op Operation) (any, error) {
	if maxAttempts < 1 {
		maxAttempts = e.policy.MaxAttempts
	}
	schedule := e.policy.newBackOff()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("retry aborted: %w (last error: %v)", err, lastErr)
			}
			return nil, err
		}

		invoked := false
		result, err := e.breaker.Execute(func() (any, error) {
			invoked = true
			return op(ctx)
		})
		if err == nil {
			metrics.Attempt(metrics.OutcomeOK)
			return result, nil
		}

		if !invoked {
			metrics.Attempt("rejected")
			return nil, err
		}
		metrics.Attempt(metrics.OutcomeError)
		lastErr = err

		if e.breaker.IsOpen() {
			e.logger.Warn("operation tripped circuit breaker",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%w: tripped by repeated failures: %w", breaker.ErrOpen, err)
		}

		if !e.classify(err) {
			return nil, err
		}

		if attempt == maxAttempts-1 {
			break
		}

		delay := schedule.NextBackOff()
		e.logger.Debug("retrying operation",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		metrics.Retry()
		if err := e.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("retry aborted: %w (last error: %v)", err, lastErr)
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxAttempts, lastErr)
}

// Do is the typed form of Executor.Run using the policy's attempt count.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	return DoN(ctx, e, 0, op)
}

// DoN is Do with an explicit attempt count.
func DoN[T any](ctx context.Context, e *Executor, maxAttempts int, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := e.Run(ctx, maxAttempts, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, _ := result.(T)
	return typed, nil
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
