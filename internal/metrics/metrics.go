// Package metrics registers the process-wide counters and histograms
// emitted by the data-access layer.
package metrics

import (
	"fmt"
	"io"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
)

// Outcome labels for operations.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Operation records one completed DataAccessAPI call.
func Operation(op, outcome string, started time.Time) {
	vm.GetOrCreateCounter(fmt.Sprintf(`trove_operations_total{op=%q,outcome=%q}`, op, outcome)).Inc()
	vm.GetOrCreateHistogram(fmt.Sprintf(`trove_operation_duration_seconds{op=%q}`, op)).UpdateDuration(started)
}

// Attempt records a single remote attempt made by the retry executor.
func Attempt(outcome string) {
	vm.GetOrCreateCounter(fmt.Sprintf(`trove_attempts_total{outcome=%q}`, outcome)).Inc()
}

// Retry records a backoff sleep before another attempt.
func Retry() {
	vm.GetOrCreateCounter(`trove_retries_total`).Inc()
}

// BreakerTransition records a circuit breaker state change.
func BreakerTransition(name, to string) {
	vm.GetOrCreateCounter(fmt.Sprintf(`trove_breaker_transitions_total{breaker=%q,to=%q}`, name, to)).Inc()
}

// Initialization records the outcome of a connection initialization.
func Initialization(outcome string) {
	vm.GetOrCreateCounter(fmt.Sprintf(`trove_initializations_total{outcome=%q}`, outcome)).Inc()
}

// Count returns the current value of a counter, for tests and diagnostics.
func Count(name string) uint64 {
	return vm.GetOrCreateCounter(name).Get()
}

// WritePrometheus writes all registered metrics in Prometheus text format.
func WritePrometheus(w io.Writer) {
	vm.WritePrometheus(w, false)
}
