package sink

import (
	"errors"
	"fmt"
)

// Persistence error categories.
var (
	// ErrConnectionFailed indicates a failure to reach the backend.
	ErrConnectionFailed = errors.New("sink: connection failed")

	// ErrWriteFailed indicates an insert failure.
	ErrWriteFailed = errors.New("sink: write failed")

	// ErrClosed indicates the sink has been closed.
	ErrClosed = errors.New("sink: closed")
)

// PersistenceError wraps a backend failure with the operation and the
// record kind involved.
type PersistenceError struct {
	Op   string // "SaveMatch", "SaveAnomaly", "Flush"
	Kind string // "alert", "anomaly"
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("sink.%s(%s): %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("sink.%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsRetryable reports whether the failure is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}

func wrapWriteError(op, kind string, err error) error {
	return &PersistenceError{
		Op:   op,
		Kind: kind,
		Err:  fmt.Errorf("%w: %v", ErrWriteFailed, err),
	}
}
