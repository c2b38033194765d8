// Package anomaly compares live traffic metrics against learned
// statistical baselines and flags deviations exceeding configured
// thresholds.
package anomaly

import (
	"fmt"
	"sync"
	"time"
)

// Baseline is the learned "normal" reference for one metric within an
// optional network segment. While Learning is true the baseline absorbs
// samples into its running mean instead of flagging anomalies; once
// learning ends it is read-only in production.
type Baseline struct {
	ID               string     `json:"id" yaml:"id"`
	Name             string     `json:"name" yaml:"name"`
	NetworkSegment   string     `json:"network_segment,omitempty" yaml:"network_segment,omitempty"`
	Metric           string     `json:"metric" yaml:"metric"`
	MeanValue        float64    `json:"mean_value" yaml:"mean_value"`
	ThresholdPercent float64    `json:"threshold_percent" yaml:"threshold_percent"`
	Learning         bool       `json:"learning" yaml:"learning"`
	LearningEndsAt   *time.Time `json:"learning_ends_at,omitempty" yaml:"learning_ends_at,omitempty"`
}

// Validate checks baseline invariants.
func (b *Baseline) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("baseline ID is required")
	}
	if b.Metric == "" {
		return fmt.Errorf("baseline %s: metric is required", b.ID)
	}
	if b.ThresholdPercent <= 0 {
		return fmt.Errorf("baseline %s: threshold percent must be > 0", b.ID)
	}
	return nil
}

// BaselineStore is the persistence boundary for baselines.
type BaselineStore interface {
	// Find resolves the baseline for a (segment, metric) pair, or nil
	// when the metric is not baselined.
	Find(segment, metric string) *Baseline
	// UpdateRunningMean persists a new running mean for a learning
	// baseline.
	UpdateRunningMean(baselineID string, mean float64) error
}

// MemoryBaselineStore is an in-memory BaselineStore keyed by
// (segment, metric).
type MemoryBaselineStore struct {
	mu        sync.RWMutex
	baselines map[string]*Baseline
}

// NewMemoryBaselineStore creates an empty store.
func NewMemoryBaselineStore() *MemoryBaselineStore {
	return &MemoryBaselineStore{baselines: make(map[string]*Baseline)}
}

func storeKey(segment, metric string) string {
	return segment + "\x00" + metric
}

// Add validates and registers a baseline.
func (s *MemoryBaselineStore) Add(b *Baseline) error {
	if err := b.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.baselines[storeKey(b.NetworkSegment, b.Metric)] = b
	s.mu.Unlock()
	return nil
}

// Find implements BaselineStore. Segment-scoped baselines take
// precedence over segment-less ones for the same metric.
func (s *MemoryBaselineStore) Find(segment, metric string) *Baseline {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.baselines[storeKey(segment, metric)]; ok {
		return b
	}
	if segment != "" {
		if b, ok := s.baselines[storeKey("", metric)]; ok {
			return b
		}
	}
	return nil
}

// UpdateRunningMean implements BaselineStore.
func (s *MemoryBaselineStore) UpdateRunningMean(baselineID string, mean float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.baselines {
		if b.ID == baselineID {
			b.MeanValue = mean
			return nil
		}
	}
	return fmt.Errorf("unknown baseline %s", baselineID)
}

// All returns every registered baseline.
func (s *MemoryBaselineStore) All() []*Baseline {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Baseline, 0, len(s.baselines))
	for _, b := range s.baselines {
		out = append(out, b)
	}
	return out
}
