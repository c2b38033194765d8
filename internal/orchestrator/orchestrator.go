// Package orchestrator composes validation, enrichment, correlation,
// anomaly detection and alert persistence into a single event
// processing pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"netsentinel/internal/anomaly"
	"netsentinel/internal/appliance"
	"netsentinel/internal/correlation"
	"netsentinel/internal/schema"
	"netsentinel/internal/sink"
	"netsentinel/internal/topology"
)

// Result summarizes one end-to-end processing pass.
type Result struct {
	Event           *schema.Event `json:"event"`
	AlertCount      int           `json:"alert_count"`
	AnomalyCount    int           `json:"anomaly_count"`
	Recommendations []string      `json:"recommendations,omitempty"`
	// Errors lists non-fatal failures encountered during the pass
	// (sink writes, malformed rules). Validation failures are not
	// listed here; they abort processing instead.
	Errors []string `json:"errors,omitempty"`
}

// Orchestrator is the single entry point that processes one incoming
// security event end-to-end. Safe for concurrent use.
type Orchestrator struct {
	validator *schema.Validator
	provider  topology.Provider
	engine    *correlation.Engine
	detector  *anomaly.Detector
	sink      sink.Sink
	pool      *appliance.Pool
	logger    *slog.Logger

	dashboard *dashboardCache

	totalProcessed atomic.Uint64
	totalAlerts    atomic.Uint64
	totalAnomalies atomic.Uint64
	totalRejected  atomic.Uint64
}

// Config holds orchestrator configuration.
type Config struct {
	// BanService names the pool adapter queried for blocked IPs on
	// the dashboard. Empty disables the lookup.
	BanService string `yaml:"ban_service"`

	Dashboard DashboardConfig `yaml:"dashboard"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		BanService: "ban-service",
		Dashboard:  DefaultDashboardConfig(),
	}
}

// New wires the pipeline together. provider, pool and sink may not be
// nil; use the static provider and memory sink for minimal setups.
func New(cfg Config, validator *schema.Validator, provider topology.Provider,
	engine *correlation.Engine, detector *anomaly.Detector,
	alertSink sink.Sink, pool *appliance.Pool, logger *slog.Logger) *Orchestrator {

	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		validator: validator,
		provider:  provider,
		engine:    engine,
		detector:  detector,
		sink:      alertSink,
		pool:      pool,
		logger:    logger,
	}
	o.dashboard = newDashboardCache(cfg, o)
	return o
}

// ProcessEvent runs one raw telemetry payload through the pipeline.
// Only validation failures return an error; every other collaborator
// failure is contained, logged and reported in Result.Errors.
func (o *Orchestrator) ProcessEvent(ctx context.Context, raw map[string]any) (*Result, error) {
	event, err := schema.FromRaw(raw)
	if err != nil {
		o.totalRejected.Add(1)
		return nil, &schema.ValidationError{Err: err}
	}
	if err := o.validator.Validate(event); err != nil {
		o.totalRejected.Add(1)
		return nil, err
	}

	result := &Result{Event: event}

	// Enrichment is best-effort: the provider never errors, and an
	// empty context map is a valid outcome.
	for key, value := range o.provider.Lookup(ctx, event.SourceIP, event.DestIP) {
		event.Enrich(key, value)
	}

	matches, ruleErrs := o.engine.Evaluate(event)
	for _, ruleErr := range ruleErrs {
		o.logger.Warn("rule evaluation failed", "event_id", event.EventID, "error", ruleErr)
		result.Errors = append(result.Errors, ruleErr.Error())
	}

	var anomalies []*anomaly.Anomaly
	if a := o.detector.DetectOne(event); a != nil {
		anomalies = append(anomalies, a)
	}

	// Sink failures are isolated per alert; one bad write must not
	// lose the others.
	for _, match := range matches {
		if _, err := o.sink.SaveMatch(ctx, match); err != nil {
			o.logger.Error("alert persistence failed",
				"alert_id", match.ID, "rule_id", match.RuleID, "error", err)
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.AlertCount++
	}
	for _, a := range anomalies {
		if _, err := o.sink.SaveAnomaly(ctx, a); err != nil {
			o.logger.Error("anomaly persistence failed",
				"anomaly_id", a.ID, "baseline_id", a.BaselineID, "error", err)
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.AnomalyCount++
	}

	result.Recommendations = recommend(event, matches, anomalies)

	o.totalProcessed.Add(1)
	o.totalAlerts.Add(uint64(result.AlertCount))
	o.totalAnomalies.Add(uint64(result.AnomalyCount))

	o.logger.Debug("event processed",
		"event_id", event.EventID,
		"event_type", event.EventType,
		"alerts", result.AlertCount,
		"anomalies", result.AnomalyCount)
	return result, nil
}

// recommend derives next actions from what the pass produced. The
// rules are fixed thresholds on severity and counts, nothing learned.
func recommend(event *schema.Event, matches []*correlation.Match, anomalies []*anomaly.Anomaly) []string {
	var recs []string
	maxSev := schema.SeverityInfo
	for _, m := range matches {
		maxSev = schema.MaxSeverity(maxSev, m.Severity)
	}
	for _, a := range anomalies {
		maxSev = schema.MaxSeverity(maxSev, a.Severity)
	}

	if len(matches) > 0 && event.SourceIP != "" {
		recs = append(recs, fmt.Sprintf("investigate source IP %s", event.SourceIP))
	}
	if maxSev.Rank() >= schema.SeverityHigh.Rank() && event.SourceIP != "" {
		recs = append(recs, fmt.Sprintf("consider blocking source IP %s", event.SourceIP))
	}
	for _, a := range anomalies {
		recs = append(recs, fmt.Sprintf("review traffic baseline %s", a.BaselineID))
	}
	if maxSev == schema.SeverityCritical {
		recs = append(recs, "escalate to on-call")
	}
	return recs
}

// Stats returns pipeline counters.
func (o *Orchestrator) Stats() map[string]any {
	return map[string]any{
		"events_processed": o.totalProcessed.Load(),
		"events_rejected":  o.totalRejected.Load(),
		"alerts_generated": o.totalAlerts.Load(),
		"anomalies_found":  o.totalAnomalies.Load(),
	}
}
