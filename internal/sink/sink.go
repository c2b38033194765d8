// Package sink is the persistence boundary for synthesized alerts.
// Correlation matches and traffic anomalies are handed to a Sink once
// created; the sink owns their persisted form thereafter.
package sink

import (
	"context"
	"sync"

	"netsentinel/internal/anomaly"
	"netsentinel/internal/correlation"
)

// Sink persists synthesized alerts. Implementations must be safe for
// concurrent use; the orchestrator issues saves from many goroutines.
type Sink interface {
	// SaveMatch persists one correlation match and returns its id.
	SaveMatch(ctx context.Context, match *correlation.Match) (string, error)

	// SaveAnomaly persists one traffic anomaly and returns its id.
	SaveAnomaly(ctx context.Context, a *anomaly.Anomaly) (string, error)

	Close() error
}

// MemorySink keeps alerts in memory. Used in tests and for deployments
// without a ClickHouse backend.
type MemorySink struct {
	mu        sync.RWMutex
	matches   []*correlation.Match
	anomalies []*anomaly.Anomaly
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) SaveMatch(_ context.Context, match *correlation.Match) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches = append(s.matches, match)
	return match.ID.String(), nil
}

func (s *MemorySink) SaveAnomaly(_ context.Context, a *anomaly.Anomaly) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomalies = append(s.anomalies, a)
	return a.ID.String(), nil
}

func (s *MemorySink) Close() error { return nil }

// Matches returns a copy of the stored correlation matches.
func (s *MemorySink) Matches() []*correlation.Match {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*correlation.Match, len(s.matches))
	copy(out, s.matches)
	return out
}

// Anomalies returns a copy of the stored anomalies.
func (s *MemorySink) Anomalies() []*anomaly.Anomaly {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*anomaly.Anomaly, len(s.anomalies))
	copy(out, s.anomalies)
	return out
}

// Counts returns how many matches and anomalies have been stored.
func (s *MemorySink) Counts() (matches, anomalies int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matches), len(s.anomalies)
}
