// Package breaker guards remote calls with a consecutive-failure circuit
// breaker built on sony/gobreaker.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jacentio/trove/internal/metrics"
)

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("trove: circuit breaker is open")

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	// Default: 5
	FailureThreshold uint32

	// ResetTimeout is how long the breaker stays open before the next call
	// is let through again.
	// Default: 30s
	ResetTimeout time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

func (c *Config) validate() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
}

// State is the observable breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Counts is a read-only snapshot of the breaker counters.
type Counts struct {
	Requests            uint32
	TotalFailures       uint32
	ConsecutiveFailures uint32
}

// Breaker is a closed/open circuit breaker. The counter is not time-windowed:
// it accumulates until a success or a reset.
//
// After ResetTimeout the next call is let through as a normal attempt. If it
// fails the breaker opens again straight away; calls racing that attempt are
// rejected with ErrOpen.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// New creates a Breaker. A nil logger disables logging.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	cfg.validate()
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{logger: logger.With(zap.String("breaker", name))}

	threshold := cfg.FailureThreshold
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onStateChange(name, from, to)
		},
	})

	return b
}

// Execute runs fn unless the breaker is open. Rejections return ErrOpen and
// never invoke fn. Every error returned by fn counts as a failure except
// context cancellation and deadline errors, which say nothing about the
// store's health.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return result, err
}

// State returns the current state. An open breaker whose timeout elapsed
// reports half-open.
func (b *Breaker) State() State {
	return convertState(b.cb.State())
}

// IsOpen reports whether calls are currently being rejected.
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// Counts returns a snapshot of the failure counters.
func (b *Breaker) Counts() Counts {
	c := b.cb.Counts()
	return Counts{
		Requests:            c.Requests,
		TotalFailures:       c.TotalFailures,
		ConsecutiveFailures: c.ConsecutiveFailures,
	}
}

// isSuccessful reports whether err leaves the failure count untouched.
// gobreaker v1 has no neutral outcome, so caller cancellations are recorded
// as successes.
func isSuccessful(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	metrics.BreakerTransition(name, to.String())

	switch to {
	case gobreaker.StateOpen:
		b.logger.Warn("circuit breaker opened, calls will fail fast",
			zap.String("from", from.String()))
	case gobreaker.StateHalfOpen:
		b.logger.Info("circuit breaker reset timeout elapsed, letting next call through")
	case gobreaker.StateClosed:
		b.logger.Info("circuit breaker closed", zap.String("from", from.String()))
	}
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}
