package store

import (
	"errors"

	"github.com/jacentio/trove/internal/breaker"
	"github.com/jacentio/trove/internal/conn"
	"github.com/jacentio/trove/internal/retry"
)

var (
	// ErrInitialization is returned when the store connection could not be
	// established. It is terminal until the process restarts.
	ErrInitialization = conn.ErrInitialization

	// ErrMissingCredential is returned (wrapped in ErrInitialization) when no
	// store credential is configured or served by the auth endpoint.
	ErrMissingCredential = conn.ErrMissingCredential

	// ErrMalformedCredential is returned (wrapped in ErrInitialization) when
	// the credential is not valid base64 "<access key id>:<secret>".
	ErrMalformedCredential = conn.ErrMalformedCredential

	// ErrCircuitOpen is returned while the circuit breaker rejects calls, and
	// by the call that trips it.
	ErrCircuitOpen = breaker.ErrOpen

	// ErrRetryExhausted is returned when every attempt failed with a transient error.
	ErrRetryExhausted = retry.ErrExhausted

	// ErrConcurrencyConflict is returned when a conditional write's expected
	// version does not match the stored document.
	ErrConcurrencyConflict = errors.New("trove: document was modified concurrently")

	// ErrNotFound is returned when the store reports that the targeted
	// document does not exist.
	ErrNotFound = errors.New("trove: document not found")

	// ErrRemoteOperation wraps non-transient store failures not covered above.
	ErrRemoteOperation = errors.New("trove: remote operation failed")

	// ErrInvalidInput is returned for malformed arguments. It is never retried.
	ErrInvalidInput = errors.New("trove: invalid input")
)

// classified reports whether err already belongs to the taxonomy above.
func classified(err error) bool {
	return errors.Is(err, ErrInitialization) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrRetryExhausted) ||
		errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrRemoteOperation) ||
		errors.Is(err, ErrInvalidInput)
}

// isRetryable is the store's retry classifier: taxonomy errors are final,
// everything else is judged by retry.IsRetryable.
func isRetryable(err error) bool {
	if classified(err) {
		return false
	}
	return retry.IsRetryable(err)
}
