// Package appliance provides resilient clients for the external
// security appliances (IDS, ban service, firewall): retry with
// exponential backoff, circuit breaking, response caching, and health
// tracking.
package appliance

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen is returned fail-fast while an adapter's circuit
	// breaker is open; no network call is attempted.
	ErrCircuitOpen = errors.New("appliance: circuit open")

	// ErrTimeout indicates no response within the adapter deadline.
	ErrTimeout = errors.New("appliance: request timeout")

	// ErrNotFound is returned by the pool for unknown service names.
	ErrNotFound = errors.New("appliance: service not found")
)

// HTTPError reports a non-2xx response after retries were exhausted.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("appliance: HTTP %d: %s", e.Status, e.Body)
}

// TransportError wraps a connection-level failure.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("appliance: transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
