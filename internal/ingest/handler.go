// Package ingest accepts raw telemetry over HTTP and Kafka and feeds
// it into the processing queue.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"netsentinel/internal/orchestrator"
	"netsentinel/internal/queue"
)

// Handler serves the telemetry intake and operational endpoints.
type Handler struct {
	queue       *queue.RingBuffer
	orch        *orchestrator.Orchestrator
	maxPayload  int
	maxBatch    int
	startTime   time.Time
	eventsTotal atomic.Uint64
}

// NewHandler creates the HTTP intake handler.
func NewHandler(q *queue.RingBuffer, orch *orchestrator.Orchestrator) *Handler {
	return &Handler{
		queue:      q,
		orch:       orch,
		maxPayload: 10 * 1024 * 1024,
		maxBatch:   1000,
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum payload size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum batch size.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// Routes registers the intake endpoints on a mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/events", h.HandleEvents)
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /metrics", h.Metrics)
	mux.HandleFunc("GET /v1/dashboard", h.HandleDashboard)
}

// IngestRequest is the request body for event intake.
type IngestRequest struct {
	Events []map[string]any `json:"events"`
}

// IngestResponse is the response for event intake.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// HandleEvents handles POST /v1/events. Payloads are queued raw;
// schema validation happens in the processing pipeline so a slow
// validator cannot stall intake.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}
	if len(req.Events) == 0 {
		respondError(w, http.StatusBadRequest, "no events provided", requestID)
		return
	}
	if len(req.Events) > h.maxBatch {
		respondError(w, http.StatusBadRequest,
			fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	var accepted, rejected int
	var errs []string
	now := time.Now().UTC()
	for i, payload := range req.Events {
		item := &queue.Item{Payload: payload, Source: "http", ReceivedAt: now}
		if err := h.queue.Push(item); err != nil {
			rejected++
			if errors.Is(err, queue.ErrQueueFull) {
				errs = append(errs, fmt.Sprintf("event[%d]: queue full", i))
			} else {
				errs = append(errs, fmt.Sprintf("event[%d]: %s", i, err.Error()))
			}
			continue
		}
		accepted++
		h.eventsTotal.Add(1)
	}

	resp := IngestResponse{
		Success:   rejected == 0,
		Accepted:  accepted,
		Rejected:  rejected,
		Errors:    errs,
		RequestID: requestID,
	}
	status := http.StatusAccepted
	if accepted == 0 && rejected > 0 {
		status = http.StatusServiceUnavailable
	} else if rejected > 0 {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, resp)
}

// HandleDashboard handles GET /v1/dashboard.
func (h *Handler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	respondJSON(w, http.StatusOK, h.orch.Dashboard(ctx))
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	metrics := h.queue.Metrics()

	status := "healthy"
	if metrics.Depth > int(float64(metrics.Capacity)*0.9) {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"queue_depth":    metrics.Depth,
		"queue_capacity": metrics.Capacity,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

// Metrics handles GET /metrics (Prometheus text format).
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics := h.queue.Metrics()
	stats := h.orch.Stats()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP netsentinel_events_received_total Total events accepted at intake\n")
	fmt.Fprintf(w, "# TYPE netsentinel_events_received_total counter\n")
	fmt.Fprintf(w, "netsentinel_events_received_total %d\n\n", h.eventsTotal.Load())

	fmt.Fprintf(w, "# HELP netsentinel_events_processed_total Total events fully processed\n")
	fmt.Fprintf(w, "# TYPE netsentinel_events_processed_total counter\n")
	fmt.Fprintf(w, "netsentinel_events_processed_total %d\n\n", stats["events_processed"])

	fmt.Fprintf(w, "# HELP netsentinel_events_rejected_total Total events rejected by validation\n")
	fmt.Fprintf(w, "# TYPE netsentinel_events_rejected_total counter\n")
	fmt.Fprintf(w, "netsentinel_events_rejected_total %d\n\n", stats["events_rejected"])

	fmt.Fprintf(w, "# HELP netsentinel_alerts_generated_total Total correlation alerts generated\n")
	fmt.Fprintf(w, "# TYPE netsentinel_alerts_generated_total counter\n")
	fmt.Fprintf(w, "netsentinel_alerts_generated_total %d\n\n", stats["alerts_generated"])

	fmt.Fprintf(w, "# HELP netsentinel_anomalies_found_total Total traffic anomalies flagged\n")
	fmt.Fprintf(w, "# TYPE netsentinel_anomalies_found_total counter\n")
	fmt.Fprintf(w, "netsentinel_anomalies_found_total %d\n\n", stats["anomalies_found"])

	fmt.Fprintf(w, "# HELP netsentinel_queue_dropped_total Total events dropped at a full queue\n")
	fmt.Fprintf(w, "# TYPE netsentinel_queue_dropped_total counter\n")
	fmt.Fprintf(w, "netsentinel_queue_dropped_total %d\n\n", metrics.Dropped)

	fmt.Fprintf(w, "# HELP netsentinel_queue_depth Current processing queue depth\n")
	fmt.Fprintf(w, "# TYPE netsentinel_queue_depth gauge\n")
	fmt.Fprintf(w, "netsentinel_queue_depth %d\n\n", metrics.Depth)

	fmt.Fprintf(w, "# HELP netsentinel_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE netsentinel_uptime_seconds gauge\n")
	fmt.Fprintf(w, "netsentinel_uptime_seconds %d\n", int(time.Since(h.startTime).Seconds()))
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message, requestID string) {
	respondJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	})
}
