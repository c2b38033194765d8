// Package schema defines the canonical security event for NetSentinel.
// All ingested telemetry (IDS alerts, ban events, firewall events) is
// normalized to this structure before correlation.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event represents one unit of security telemetry.
// EventID is assigned at creation and immutable thereafter. Raw holds the
// original telemetry fields; Enrichment is added by the processing pipeline
// and never overwrites original fields.
type Event struct {
	EventID    uuid.UUID      `json:"event_id" validate:"required"`
	EventType  string         `json:"event_type" validate:"required,event_type_format"`
	SourceIP   string         `json:"source_ip" validate:"required,ip"`
	DestIP     string         `json:"dest_ip,omitempty" validate:"omitempty,ip"`
	Timestamp  time.Time      `json:"timestamp" validate:"required"`
	Severity   Severity       `json:"severity"`
	Raw        map[string]any `json:"raw,omitempty"`
	Enrichment map[string]any `json:"enrichment,omitempty"`

	// Metric carries an optional numeric sample for anomaly detection.
	Metric *MetricSample `json:"metric,omitempty"`
}

// MetricSample is a numeric measurement attached to an event,
// e.g. requests per minute observed for a network segment.
type MetricSample struct {
	Segment string  `json:"segment,omitempty"`
	Name    string  `json:"name" validate:"required"`
	Value   float64 `json:"value"`
}

// FromRaw constructs an Event from raw telemetry data. Field parsing
// failures are reported; schema validation is a separate step.
func FromRaw(raw map[string]any) (*Event, error) {
	event := &Event{
		EventID:    uuid.New(),
		Raw:        raw,
		Enrichment: make(map[string]any),
	}

	if v, ok := raw["event_type"].(string); ok {
		event.EventType = v
	}
	if v, ok := raw["source_ip"].(string); ok {
		event.SourceIP = v
	}
	if v, ok := raw["dest_ip"].(string); ok {
		event.DestIP = v
	}

	switch ts := raw["timestamp"].(type) {
	case time.Time:
		event.Timestamp = ts
	case string:
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("unparseable timestamp %q: %w", ts, err)
		}
		event.Timestamp = parsed
	case float64:
		event.Timestamp = time.Unix(int64(ts), 0).UTC()
	case nil:
		// Left zero; the validator rejects it.
	default:
		return nil, fmt.Errorf("unsupported timestamp type %T", ts)
	}

	event.Severity = ParseSeverity(raw["severity"])

	if m, ok := raw["metric"].(map[string]any); ok {
		sample := &MetricSample{}
		if v, ok := m["segment"].(string); ok {
			sample.Segment = v
		}
		if v, ok := m["name"].(string); ok {
			sample.Name = v
		}
		if v, ok := toFloat(m["value"]); ok {
			sample.Value = v
		}
		if sample.Name != "" {
			event.Metric = sample
		}
	}

	return event, nil
}

// Enrich attaches contextual metadata without altering original fields.
func (e *Event) Enrich(key string, value any) {
	if e.Enrichment == nil {
		e.Enrichment = make(map[string]any)
	}
	e.Enrichment[key] = value
}

// Field resolves a named field for rule evaluation. Enrichment keys are
// addressed with an "enrichment." prefix; unknown names fall through to
// the raw telemetry map. Returns nil when the field is absent.
func (e *Event) Field(name string) any {
	switch name {
	case "event_type":
		return e.EventType
	case "source_ip":
		return e.SourceIP
	case "dest_ip":
		return e.DestIP
	case "severity":
		return e.Severity.Rank()
	case "timestamp":
		return e.Timestamp
	}

	if rest, ok := strings.CutPrefix(name, "enrichment."); ok {
		if e.Enrichment != nil {
			if v, ok := e.Enrichment[rest]; ok {
				return v
			}
		}
		return nil
	}

	if e.Raw != nil {
		if v, ok := e.Raw[name]; ok {
			return v
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
