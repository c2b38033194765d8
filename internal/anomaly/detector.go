package anomaly

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"netsentinel/internal/schema"
)

// Anomaly is flagged when a sample deviates from its baseline by more
// than the baseline's threshold. Immutable once created.
type Anomaly struct {
	ID               uuid.UUID       `json:"id"`
	BaselineID       string          `json:"baseline_id"`
	Type             string          `json:"type"`
	Severity         schema.Severity `json:"severity"`
	CurrentValue     float64         `json:"current_value"`
	BaselineValue    float64         `json:"baseline_value"`
	DeviationPercent float64         `json:"deviation_percent"`
	Timestamp        time.Time       `json:"timestamp"`
	SourceIP         string          `json:"source_ip,omitempty"`
}

// DetectorConfig configures severity banding and learning behavior.
// Severity grows with how far past its threshold a deviation lands:
// up to HighMultiple times the threshold is medium, up to
// CriticalMultiple times is high, beyond that critical. The banding is
// monotonic in the deviation.
type DetectorConfig struct {
	// EWMAAlpha is the smoothing factor for the learning-mode running
	// mean; higher values weight recent samples more.
	EWMAAlpha float64 `yaml:"ewma_alpha"`
	// HighMultiple and CriticalMultiple are the band edges expressed as
	// multiples of the baseline's threshold percent.
	HighMultiple     float64 `yaml:"high_multiple"`
	CriticalMultiple float64 `yaml:"critical_multiple"`
}

// DefaultDetectorConfig returns the default banding configuration.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		EWMAAlpha:        0.2,
		HighMultiple:     2.0,
		CriticalMultiple: 4.0,
	}
}

// Detector flags baseline deviations for events carrying metric samples.
type Detector struct {
	config DetectorConfig
	store  BaselineStore

	// Serializes learning-mode mean updates per baseline.
	mu sync.Mutex
}

// NewDetector creates a detector backed by the given baseline store.
func NewDetector(config DetectorConfig, store BaselineStore) *Detector {
	if config.EWMAAlpha <= 0 || config.EWMAAlpha > 1 {
		config.EWMAAlpha = DefaultDetectorConfig().EWMAAlpha
	}
	return &Detector{config: config, store: store}
}

// Detect compares each event's metric sample against the applicable
// baseline. Events without a sample or without a matching baseline are
// skipped. Output order follows input order.
func (d *Detector) Detect(events []*schema.Event) []*Anomaly {
	var anomalies []*Anomaly
	for _, event := range events {
		if a := d.detectOne(event); a != nil {
			anomalies = append(anomalies, a)
		}
	}
	return anomalies
}

// DetectOne checks a single event; nil when nothing is flagged.
func (d *Detector) DetectOne(event *schema.Event) *Anomaly {
	return d.detectOne(event)
}

func (d *Detector) detectOne(event *schema.Event) *Anomaly {
	if event == nil || event.Metric == nil {
		return nil
	}
	sample := event.Metric

	baseline := d.store.Find(sample.Segment, sample.Name)
	if baseline == nil {
		return nil
	}

	if d.learning(baseline) {
		d.absorb(baseline, sample.Value)
		return nil
	}

	deviation := deviationPercent(sample.Value, baseline.MeanValue)
	if deviation <= baseline.ThresholdPercent {
		return nil
	}

	severity := d.bandSeverity(deviation, baseline.ThresholdPercent)

	slog.Info("traffic anomaly detected",
		"baseline_id", baseline.ID,
		"metric", sample.Name,
		"segment", sample.Segment,
		"current", sample.Value,
		"mean", baseline.MeanValue,
		"deviation_pct", deviation,
		"severity", severity,
	)

	return &Anomaly{
		ID:               uuid.New(),
		BaselineID:       baseline.ID,
		Type:             "baseline_deviation",
		Severity:         severity,
		CurrentValue:     sample.Value,
		BaselineValue:    baseline.MeanValue,
		DeviationPercent: deviation,
		Timestamp:        event.Timestamp,
		SourceIP:         event.SourceIP,
	}
}

// learning reports whether the baseline is still absorbing samples,
// flipping it to frozen once its learning deadline passes.
func (d *Detector) learning(b *Baseline) bool {
	if !b.Learning {
		return false
	}
	if b.LearningEndsAt != nil && time.Now().After(*b.LearningEndsAt) {
		b.Learning = false
		slog.Info("baseline learning period ended", "baseline_id", b.ID, "mean", b.MeanValue)
		return false
	}
	return true
}

// absorb folds a sample into the learning baseline's running mean.
func (d *Detector) absorb(b *Baseline, value float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b.MeanValue == 0 {
		b.MeanValue = value
	} else {
		b.MeanValue = d.config.EWMAAlpha*value + (1-d.config.EWMAAlpha)*b.MeanValue
	}

	if err := d.store.UpdateRunningMean(b.ID, b.MeanValue); err != nil {
		slog.Error("failed to persist running mean", "baseline_id", b.ID, "error", err)
	}
}

// deviationPercent computes the relative deviation. A zero baseline
// with any nonzero sample counts as 100% deviation so the comparison
// never divides by zero.
func deviationPercent(value, mean float64) float64 {
	if mean == 0 {
		if value == 0 {
			return 0
		}
		return 100
	}
	return math.Abs(value-mean) / mean * 100
}

func (d *Detector) bandSeverity(deviation, threshold float64) schema.Severity {
	ratio := deviation / threshold
	switch {
	case ratio > d.config.CriticalMultiple:
		return schema.SeverityCritical
	case ratio > d.config.HighMultiple:
		return schema.SeverityHigh
	default:
		return schema.SeverityMedium
	}
}
