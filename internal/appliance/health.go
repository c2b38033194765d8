package appliance

import (
	"sync"
	"time"
)

// Status classifies an appliance's availability.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusUnhealthy   Status = "unhealthy"
	StatusUnknown     Status = "unknown"
	StatusUnreachable Status = "unreachable"
)

// Health is a point-in-time snapshot of one adapter's availability.
// Process-local; rebuilt from scratch on restart.
type Health struct {
	ServiceName         string    `json:"service_name"`
	Status              Status    `json:"status"`
	ResponseTimeMs      int64     `json:"response_time_ms"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ErrorMessage        string    `json:"error_message,omitempty"`
	TotalRequests       uint64    `json:"total_requests"`
	TotalErrors         uint64    `json:"total_errors"`
}

// healthTracker records per-attempt outcomes behind a mutex.
type healthTracker struct {
	mu     sync.Mutex
	health Health
}

func newHealthTracker(serviceName string) *healthTracker {
	return &healthTracker{
		health: Health{ServiceName: serviceName, Status: StatusUnknown},
	}
}

// record updates the snapshot after one call attempt.
func (t *healthTracker) record(latency time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.health.TotalRequests++
	t.health.ResponseTimeMs = latency.Milliseconds()
	t.health.LastCheck = time.Now().UTC()

	if err == nil {
		t.health.Status = StatusHealthy
		t.health.ConsecutiveFailures = 0
		t.health.ErrorMessage = ""
		return
	}

	t.health.TotalErrors++
	t.health.ConsecutiveFailures++
	t.health.ErrorMessage = err.Error()

	switch err.(type) {
	case *HTTPError:
		t.health.Status = StatusUnhealthy
	default:
		t.health.Status = StatusUnreachable
	}
}

// snapshot returns a copy of the current health.
func (t *healthTracker) snapshot() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.health
}
