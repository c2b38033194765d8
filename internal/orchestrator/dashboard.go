package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"netsentinel/internal/appliance"
)

// DashboardConfig holds configuration for the dashboard snapshot.
type DashboardConfig struct {
	// CacheTTL bounds how often the underlying appliances are hit.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// DefaultDashboardConfig returns the default dashboard configuration.
func DefaultDashboardConfig() DashboardConfig {
	return DashboardConfig{CacheTTL: 2 * time.Minute}
}

// DashboardSnapshot aggregates pipeline activity and fleet health.
type DashboardSnapshot struct {
	EventsProcessed uint64                      `json:"events_processed"`
	EventsRejected  uint64                      `json:"events_rejected"`
	AlertsGenerated uint64                      `json:"alerts_generated"`
	AnomaliesFound  uint64                      `json:"anomalies_found"`
	ActiveRules     int                         `json:"active_rules"`
	BlockedIPs      int                         `json:"blocked_ips"`
	ServiceHealth   map[string]appliance.Health `json:"service_health"`
	PoolMetrics     appliance.Metrics           `json:"pool_metrics"`
	GeneratedAt     time.Time                   `json:"generated_at"`
}

type dashboardCache struct {
	cfg  Config
	orch *Orchestrator

	mu        sync.Mutex
	snapshot  *DashboardSnapshot
	expiresAt time.Time
}

func newDashboardCache(cfg Config, orch *Orchestrator) *dashboardCache {
	if cfg.Dashboard.CacheTTL <= 0 {
		cfg.Dashboard.CacheTTL = DefaultDashboardConfig().CacheTTL
	}
	return &dashboardCache{cfg: cfg, orch: orch}
}

// Dashboard returns the aggregated snapshot, rebuilt at most once per
// TTL to bound load on the appliances behind the pool.
func (o *Orchestrator) Dashboard(ctx context.Context) *DashboardSnapshot {
	return o.dashboard.get(ctx)
}

func (d *dashboardCache) get(ctx context.Context) *DashboardSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.snapshot != nil && time.Now().Before(d.expiresAt) {
		return d.snapshot
	}
	d.snapshot = d.build(ctx)
	d.expiresAt = time.Now().Add(d.cfg.Dashboard.CacheTTL)
	return d.snapshot
}

func (d *dashboardCache) build(ctx context.Context) *DashboardSnapshot {
	o := d.orch
	snap := &DashboardSnapshot{
		EventsProcessed: o.totalProcessed.Load(),
		EventsRejected:  o.totalRejected.Load(),
		AlertsGenerated: o.totalAlerts.Load(),
		AnomaliesFound:  o.totalAnomalies.Load(),
		GeneratedAt:     time.Now().UTC(),
	}
	if stats := o.engine.Stats(); stats != nil {
		if n, ok := stats["enabled_rules"].(int); ok {
			snap.ActiveRules = n
		}
	}
	if o.pool != nil {
		snap.ServiceHealth = o.pool.HealthCheckAll(ctx)
		snap.PoolMetrics = o.pool.AggregateMetrics()
		snap.BlockedIPs = d.blockedIPs(ctx)
	}
	return snap
}

// blockedIPs asks the ban service for its active ban list. Failures
// (including an open circuit) yield zero; the dashboard stays partial
// rather than failing.
func (d *dashboardCache) blockedIPs(ctx context.Context) int {
	if d.cfg.BanService == "" {
		return 0
	}
	client, err := d.orch.pool.Get(d.cfg.BanService)
	if err != nil {
		return 0
	}
	data, err := client.Get(ctx, "/api/v1/bans", nil)
	if err != nil {
		d.orch.logger.Debug("ban list lookup failed", "error", err)
		return 0
	}
	var bans struct {
		Bans []json.RawMessage `json:"bans"`
	}
	if err := json.Unmarshal(data, &bans); err != nil {
		return 0
	}
	return len(bans.Bans)
}
