package schema

import (
	"testing"
	"time"
)

func TestFromRaw(t *testing.T) {
	raw := map[string]any{
		"event_type": "brute_force",
		"source_ip":  "10.0.0.5",
		"dest_ip":    "192.168.1.10",
		"timestamp":  "2026-08-01T12:00:00Z",
		"severity":   "high",
		"signature":  "ET SCAN SSH BruteForce",
	}

	event, err := FromRaw(raw)
	if err != nil {
		t.Fatalf("FromRaw() error = %v", err)
	}

	if event.EventType != "brute_force" {
		t.Errorf("EventType = %q, want brute_force", event.EventType)
	}
	if event.SourceIP != "10.0.0.5" {
		t.Errorf("SourceIP = %q, want 10.0.0.5", event.SourceIP)
	}
	if event.Severity != SeverityHigh {
		t.Errorf("Severity = %v, want high", event.Severity)
	}
	if event.EventID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("EventID should be assigned at creation")
	}
	want := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if !event.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", event.Timestamp, want)
	}
}

func TestFromRaw_TimestampTypes(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	tests := []struct {
		name    string
		value   any
		want    time.Time
		wantErr bool
	}{
		{name: "time.Time", value: now, want: now},
		{name: "rfc3339 string", value: now.Format(time.RFC3339), want: now},
		{name: "unix epoch float", value: float64(now.Unix()), want: now},
		{name: "garbage string", value: "yesterday", wantErr: true},
		{name: "unsupported type", value: []string{"x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := FromRaw(map[string]any{
				"event_type": "test",
				"source_ip":  "10.0.0.1",
				"timestamp":  tt.value,
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromRaw() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && !event.Timestamp.Equal(tt.want) {
				t.Errorf("Timestamp = %v, want %v", event.Timestamp, tt.want)
			}
		})
	}
}

func TestFromRaw_MetricSample(t *testing.T) {
	event, err := FromRaw(map[string]any{
		"event_type": "traffic_sample",
		"source_ip":  "10.0.0.1",
		"timestamp":  time.Now(),
		"metric": map[string]any{
			"segment": "dmz",
			"name":    "requests_per_minute",
			"value":   420.0,
		},
	})
	if err != nil {
		t.Fatalf("FromRaw() error = %v", err)
	}
	if event.Metric == nil {
		t.Fatal("expected metric sample")
	}
	if event.Metric.Segment != "dmz" || event.Metric.Name != "requests_per_minute" {
		t.Errorf("metric = %+v", event.Metric)
	}
	if event.Metric.Value != 420.0 {
		t.Errorf("metric value = %v, want 420", event.Metric.Value)
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  Severity
	}{
		{name: "string lowercase", value: "high", want: SeverityHigh},
		{name: "string uppercase", value: "CRITICAL", want: SeverityCritical},
		{name: "string padded", value: " medium ", want: SeverityMedium},
		{name: "suricata 1", value: 1, want: SeverityCritical},
		{name: "suricata 2", value: 2, want: SeverityHigh},
		{name: "suricata 3", value: 3, want: SeverityMedium},
		{name: "suricata 4", value: 4, want: SeverityLow},
		{name: "suricata json float", value: float64(2), want: SeverityHigh},
		{name: "unknown string", value: "catastrophic", want: SeverityInfo},
		{name: "unknown int", value: 99, want: SeverityInfo},
		{name: "nil", value: nil, want: SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseSeverity(tt.value); got != tt.want {
				t.Errorf("ParseSeverity(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestSeverity_RankOrdering(t *testing.T) {
	order := []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("rank of %v should exceed %v", order[i], order[i-1])
		}
	}
}

func TestEvent_Field(t *testing.T) {
	event := &Event{
		EventType: "ids.alert",
		SourceIP:  "10.0.0.5",
		DestIP:    "192.168.1.1",
		Severity:  SeverityHigh,
		Raw:       map[string]any{"signature": "ET SCAN", "port": 22},
	}
	event.Enrich("device_name", "core-switch-1")

	tests := []struct {
		field string
		want  any
	}{
		{field: "event_type", want: "ids.alert"},
		{field: "source_ip", want: "10.0.0.5"},
		{field: "dest_ip", want: "192.168.1.1"},
		{field: "severity", want: 3},
		{field: "signature", want: "ET SCAN"},
		{field: "port", want: 22},
		{field: "enrichment.device_name", want: "core-switch-1"},
		{field: "enrichment.missing", want: nil},
		{field: "nonexistent", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			if got := event.Field(tt.field); got != tt.want {
				t.Errorf("Field(%q) = %v, want %v", tt.field, got, tt.want)
			}
		})
	}
}

func TestEvent_EnrichDoesNotTouchRaw(t *testing.T) {
	event := &Event{Raw: map[string]any{"source_ip": "10.0.0.5"}}
	event.Enrich("source_ip", "overridden")

	if event.Raw["source_ip"] != "10.0.0.5" {
		t.Error("enrichment must not alter original fields")
	}
	if event.Enrichment["source_ip"] != "overridden" {
		t.Error("enrichment value not recorded")
	}
}
