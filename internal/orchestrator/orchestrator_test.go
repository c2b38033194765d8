package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"netsentinel/internal/anomaly"
	"netsentinel/internal/correlation"
	"netsentinel/internal/schema"
	"netsentinel/internal/sink"
	"netsentinel/internal/topology"
)

// failingSink fails SaveMatch for specific call numbers (1-based).
type failingSink struct {
	*sink.MemorySink
	failOn map[int]bool
	calls  int
}

func (s *failingSink) SaveMatch(ctx context.Context, match *correlation.Match) (string, error) {
	s.calls++
	if s.failOn[s.calls] {
		return "", errors.New("backend unavailable")
	}
	return s.MemorySink.SaveMatch(ctx, match)
}

func testRule(id string, threshold int) *correlation.Rule {
	return &correlation.Rule{
		ID:       id,
		Name:     id,
		Enabled:  true,
		Severity: schema.SeverityHigh,
		Conditions: []correlation.Condition{
			{Field: "event_type", Operator: "eq", Value: "auth_failure"},
		},
		Window:           5 * time.Minute,
		Threshold:        threshold,
		AggregationField: "source_ip",
	}
}

func newTestOrchestrator(t *testing.T, alertSink sink.Sink, rules ...*correlation.Rule) *Orchestrator {
	t.Helper()
	repo := correlation.NewMemoryRuleRepository()
	for _, r := range rules {
		if err := repo.AddRule(r); err != nil {
			t.Fatalf("AddRule(%s) error = %v", r.ID, err)
		}
	}
	engine := correlation.NewEngine(correlation.DefaultEngineConfig(), repo)

	store := anomaly.NewMemoryBaselineStore()
	store.Add(&anomaly.Baseline{
		ID:               "bl-http",
		NetworkSegment:   "dmz",
		Metric:           "requests_per_minute",
		MeanValue:        100,
		ThresholdPercent: 20,
	})
	detector := anomaly.NewDetector(anomaly.DefaultDetectorConfig(), store)

	provider := topology.NewStaticProvider(map[string]topology.Context{
		"10.0.0.5": {"network_segment": "dmz", "device_name": "web-1"},
	})

	return New(DefaultConfig(), schema.NewValidator(), provider, engine, detector, alertSink, nil, nil)
}

func rawEvent(eventType, sourceIP string, ts time.Time) map[string]any {
	return map[string]any{
		"event_type": eventType,
		"source_ip":  sourceIP,
		"timestamp":  ts,
	}
}

func TestOrchestrator_ValidationErrorPropagates(t *testing.T) {
	o := newTestOrchestrator(t, sink.NewMemorySink())

	_, err := o.ProcessEvent(context.Background(), map[string]any{
		"source_ip": "10.0.0.5",
		"timestamp": time.Now(),
	})
	var ve *schema.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("ProcessEvent() error = %v, want *schema.ValidationError", err)
	}
	if got := o.Stats()["events_rejected"].(uint64); got != 1 {
		t.Errorf("events_rejected = %d, want 1", got)
	}
}

func TestOrchestrator_EnrichmentApplied(t *testing.T) {
	o := newTestOrchestrator(t, sink.NewMemorySink())

	result, err := o.ProcessEvent(context.Background(), rawEvent("auth_failure", "10.0.0.5", time.Now()))
	if err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if got := result.Event.Enrichment["source_network_segment"]; got != "dmz" {
		t.Errorf("enrichment source_network_segment = %v, want dmz", got)
	}
}

func TestOrchestrator_ThresholdProducesAlert(t *testing.T) {
	memSink := sink.NewMemorySink()
	o := newTestOrchestrator(t, memSink, testRule("auth_burst", 3))

	ctx := context.Background()
	base := time.Now().Add(-time.Minute)
	var last *Result
	for i := 0; i < 3; i++ {
		var err error
		last, err = o.ProcessEvent(ctx, rawEvent("auth_failure", "10.0.0.5", base.Add(time.Duration(i)*time.Second)))
		if err != nil {
			t.Fatalf("ProcessEvent(%d) error = %v", i, err)
		}
	}
	if last.AlertCount != 1 {
		t.Fatalf("AlertCount = %d, want 1", last.AlertCount)
	}
	matches, _ := memSink.Counts()
	if matches != 1 {
		t.Errorf("sink stored %d matches, want 1", matches)
	}
	if len(last.Recommendations) == 0 ||
		!strings.Contains(last.Recommendations[0], "10.0.0.5") {
		t.Errorf("Recommendations = %v, want source IP mention", last.Recommendations)
	}
}

func TestOrchestrator_SinkFailureIsolated(t *testing.T) {
	// Three rules fire on the same event; the second save fails. The
	// other two alerts must still land and processing must succeed.
	fs := &failingSink{MemorySink: sink.NewMemorySink(), failOn: map[int]bool{2: true}}
	o := newTestOrchestrator(t, fs,
		testRule("rule_a", 1), testRule("rule_b", 1), testRule("rule_c", 1))

	result, err := o.ProcessEvent(context.Background(), rawEvent("auth_failure", "10.0.0.5", time.Now()))
	if err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if result.AlertCount != 2 {
		t.Errorf("AlertCount = %d, want 2", result.AlertCount)
	}
	if len(result.Errors) != 1 {
		t.Errorf("Errors = %v, want one entry", result.Errors)
	}
	matches, _ := fs.Counts()
	if matches != 2 {
		t.Errorf("sink stored %d matches, want 2", matches)
	}
}

func TestOrchestrator_AnomalyDetectedAndPersisted(t *testing.T) {
	memSink := sink.NewMemorySink()
	o := newTestOrchestrator(t, memSink)

	raw := rawEvent("traffic_sample", "10.0.0.5", time.Now())
	raw["metric"] = map[string]any{
		"segment": "dmz",
		"name":    "requests_per_minute",
		"value":   500.0,
	}
	result, err := o.ProcessEvent(context.Background(), raw)
	if err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if result.AnomalyCount != 1 {
		t.Fatalf("AnomalyCount = %d, want 1", result.AnomalyCount)
	}
	_, anomalies := memSink.Counts()
	if anomalies != 1 {
		t.Errorf("sink stored %d anomalies, want 1", anomalies)
	}
	var hasBaselineRec bool
	for _, rec := range result.Recommendations {
		if strings.Contains(rec, "bl-http") {
			hasBaselineRec = true
		}
	}
	if !hasBaselineRec {
		t.Errorf("Recommendations = %v, want baseline review", result.Recommendations)
	}
}

func TestOrchestrator_RecommendationsDeterministic(t *testing.T) {
	for run := 0; run < 3; run++ {
		o := newTestOrchestrator(t, sink.NewMemorySink(), testRule("rule_a", 1))
		result, err := o.ProcessEvent(context.Background(),
			rawEvent("auth_failure", "10.0.0.5", time.Now()))
		if err != nil {
			t.Fatalf("run %d: ProcessEvent() error = %v", run, err)
		}
		want := []string{
			"investigate source IP 10.0.0.5",
			"consider blocking source IP 10.0.0.5",
		}
		if fmt.Sprint(result.Recommendations) != fmt.Sprint(want) {
			t.Errorf("run %d: Recommendations = %v, want %v", run, result.Recommendations, want)
		}
	}
}

func TestOrchestrator_DashboardCached(t *testing.T) {
	o := newTestOrchestrator(t, sink.NewMemorySink(), testRule("rule_a", 1))
	ctx := context.Background()

	o.ProcessEvent(ctx, rawEvent("auth_failure", "10.0.0.5", time.Now()))
	first := o.Dashboard(ctx)
	if first.AlertsGenerated != 1 {
		t.Errorf("AlertsGenerated = %d, want 1", first.AlertsGenerated)
	}
	if first.ActiveRules != 1 {
		t.Errorf("ActiveRules = %d, want 1", first.ActiveRules)
	}

	// More activity within the TTL does not show up until expiry.
	o.ProcessEvent(ctx, rawEvent("auth_failure", "10.0.0.6", time.Now()))
	second := o.Dashboard(ctx)
	if second != first {
		t.Error("Dashboard() rebuilt snapshot inside TTL")
	}
}

func TestOrchestrator_ConcurrentProcessing(t *testing.T) {
	o := newTestOrchestrator(t, sink.NewMemorySink(), testRule("auth_burst", 5))
	ctx := context.Background()

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			ip := fmt.Sprintf("10.0.1.%d", i%4)
			_, err := o.ProcessEvent(ctx, rawEvent("auth_failure", ip, time.Now()))
			done <- err
		}(i)
	}
	for i := 0; i < 20; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent ProcessEvent() error = %v", err)
		}
	}
	if got := o.Stats()["events_processed"].(uint64); got != 20 {
		t.Errorf("events_processed = %d, want 20", got)
	}
}
