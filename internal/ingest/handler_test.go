package ingest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"netsentinel/internal/anomaly"
	"netsentinel/internal/correlation"
	"netsentinel/internal/orchestrator"
	"netsentinel/internal/queue"
	"netsentinel/internal/schema"
	"netsentinel/internal/sink"
	"netsentinel/internal/topology"
)

func newTestOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	repo := correlation.NewMemoryRuleRepository()
	engine := correlation.NewEngine(correlation.DefaultEngineConfig(), repo)
	detector := anomaly.NewDetector(anomaly.DefaultDetectorConfig(), anomaly.NewMemoryBaselineStore())
	provider := topology.NewStaticProvider(nil)
	return orchestrator.New(orchestrator.DefaultConfig(), schema.NewValidator(),
		provider, engine, detector, sink.NewMemorySink(), nil, nil)
}

func newTestHandler(t *testing.T, queueSize int) (*Handler, *queue.RingBuffer) {
	t.Helper()
	q := queue.NewRingBuffer(queueSize)
	h := NewHandler(q, newTestOrchestrator(t))
	return h, q
}

func postEvents(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.HandleEvents(rec, req)
	return rec
}

func TestHandleEvents_AcceptsBatch(t *testing.T) {
	h, q := newTestHandler(t, 16)

	rec := postEvents(t, h, `{"events":[
		{"event_type":"auth_failure","source_ip":"10.0.0.1","timestamp":"2026-08-01T10:00:00Z"},
		{"event_type":"port_scan","source_ip":"10.0.0.2","timestamp":"2026-08-01T10:00:01Z"}
	]}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}

	var resp IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.Success || resp.Accepted != 2 || resp.Rejected != 0 {
		t.Errorf("resp = %+v, want success with 2 accepted", resp)
	}
	if resp.RequestID == "" {
		t.Error("expected non-empty request_id")
	}
	if got := q.Len(); got != 2 {
		t.Errorf("queue length = %d, want 2", got)
	}
}

func TestHandleEvents_RejectsBadRequests(t *testing.T) {
	h, _ := newTestHandler(t, 16)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"events":`},
		{"no events", `{"events":[]}`},
		{"missing events key", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postEvents(t, h, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestHandleEvents_BatchSizeLimit(t *testing.T) {
	h, _ := newTestHandler(t, 16)
	h.WithMaxBatch(2)

	rec := postEvents(t, h, `{"events":[{"a":1},{"a":2},{"a":3}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleEvents_PayloadSizeLimit(t *testing.T) {
	h, _ := newTestHandler(t, 16)
	h.WithMaxPayload(64)

	big := fmt.Sprintf(`{"events":[{"data":%q}]}`, strings.Repeat("x", 256))
	rec := postEvents(t, h, big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestHandleEvents_QueueFull(t *testing.T) {
	h, q := newTestHandler(t, 8)

	for i := 0; i < 8; i++ {
		if err := q.Push(&queue.Item{Payload: map[string]any{"i": i}}); err != nil {
			t.Fatalf("seed push %d: %v", i, err)
		}
	}

	rec := postEvents(t, h, `{"events":[{"a":1}]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var resp IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Accepted != 0 || resp.Rejected != 1 {
		t.Errorf("resp = %+v, want 0 accepted 1 rejected", resp)
	}
}

func TestHandleEvents_PartialAccept(t *testing.T) {
	h, q := newTestHandler(t, 8)

	// Leave room for exactly one event.
	for i := 0; i < 7; i++ {
		if err := q.Push(&queue.Item{Payload: map[string]any{"i": i}}); err != nil {
			t.Fatalf("seed push %d: %v", i, err)
		}
	}

	rec := postEvents(t, h, `{"events":[{"a":1},{"a":2}]}`)
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMultiStatus)
	}

	var resp IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Accepted != 1 || resp.Rejected != 1 || resp.Success {
		t.Errorf("resp = %+v, want 1 accepted 1 rejected", resp)
	}
}

func TestHealthCheck(t *testing.T) {
	h, q := newTestHandler(t, 10)

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}

	// Fill past 90% of capacity to degrade.
	for i := 0; i < 10; i++ {
		q.Push(&queue.Item{Payload: map[string]any{"i": i}})
	}
	rec = httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, 16)
	postEvents(t, h, `{"events":[{"a":1}]}`)

	rec := httptest.NewRecorder()
	h.Metrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"netsentinel_events_received_total 1",
		"netsentinel_queue_depth",
		"netsentinel_queue_dropped_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestHandleDashboard(t *testing.T) {
	h, _ := newTestHandler(t, 16)

	rec := httptest.NewRecorder()
	h.HandleDashboard(rec, httptest.NewRequest(http.MethodGet, "/v1/dashboard", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var snap orchestrator.DashboardSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.GeneratedAt.IsZero() {
		t.Error("expected generated_at to be set")
	}
}
