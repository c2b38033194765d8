package appliance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// PoolConfig holds configuration for the adapter pool.
type PoolConfig struct {
	HealthCheckConcurrency int           `yaml:"health_check_concurrency"`
	HealthCheckTimeout     time.Duration `yaml:"health_check_timeout"`
	OverallTimeout         time.Duration `yaml:"overall_timeout"`
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		HealthCheckConcurrency: 3,
		HealthCheckTimeout:     10 * time.Second,
		OverallTimeout:         30 * time.Second,
	}
}

// Metrics aggregates availability across every registered appliance.
type Metrics struct {
	TotalServices    int       `json:"total_services"`
	OperationalCount int       `json:"operational_count"`
	OverallScore     float64   `json:"overall_score"`
	TotalRequests    uint64    `json:"total_requests"`
	TotalErrors      uint64    `json:"total_errors"`
	OpenCircuits     []string  `json:"open_circuits,omitempty"`
	CheckedAt        time.Time `json:"checked_at"`
}

// Pool holds the adapters for every configured security appliance and
// runs bounded-concurrency health sweeps across them.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*Client
	cfg     PoolConfig
	logger  *slog.Logger
}

// NewPool creates an empty adapter pool.
func NewPool(cfg PoolConfig, logger *slog.Logger) *Pool {
	def := DefaultPoolConfig()
	if cfg.HealthCheckConcurrency <= 0 {
		cfg.HealthCheckConcurrency = def.HealthCheckConcurrency
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = def.HealthCheckTimeout
	}
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = def.OverallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		clients: make(map[string]*Client),
		cfg:     cfg,
		logger:  logger,
	}
}

// Register adds an adapter to the pool, replacing any previous adapter
// with the same service name.
func (p *Pool) Register(client *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[client.ServiceName()] = client
}

// Get returns the adapter for a service.
func (p *Pool) Get(service string) (*Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	client, ok := p.clients[service]
	if !ok {
		return nil, fmt.Errorf("appliance %q not registered", service)
	}
	return client, nil
}

// Services returns the registered service names in sorted order.
func (p *Pool) Services() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.clients))
	for name := range p.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthCheckAll probes every registered appliance with bounded
// concurrency. A slow appliance cannot stall the sweep past the
// configured overall timeout.
func (p *Pool) HealthCheckAll(ctx context.Context) map[string]Health {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.OverallTimeout)
	defer cancel()

	p.mu.RLock()
	clients := make([]*Client, 0, len(p.clients))
	for _, client := range p.clients {
		clients = append(clients, client)
	}
	p.mu.RUnlock()

	results := make(map[string]Health, len(clients))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, p.cfg.HealthCheckConcurrency)

	for _, client := range clients {
		wg.Add(1)
		go func(client *Client) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				resultsMu.Lock()
				results[client.ServiceName()] = client.Health()
				resultsMu.Unlock()
				return
			}

			checkCtx, checkCancel := context.WithTimeout(ctx, p.cfg.HealthCheckTimeout)
			health := client.TestConnection(checkCtx)
			checkCancel()

			resultsMu.Lock()
			results[client.ServiceName()] = health
			resultsMu.Unlock()
		}(client)
	}
	wg.Wait()
	return results
}

// AggregateMetrics computes the fleet availability score from the most
// recent health snapshots. An appliance counts as operational when its
// last observed status is healthy.
func (p *Pool) AggregateMetrics() Metrics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	m := Metrics{
		TotalServices: len(p.clients),
		CheckedAt:     time.Now().UTC(),
	}
	for name, client := range p.clients {
		h := client.Health()
		if h.Status == StatusHealthy {
			m.OperationalCount++
		}
		m.TotalRequests += h.TotalRequests
		m.TotalErrors += h.TotalErrors
		if client.CircuitState() == "open" {
			m.OpenCircuits = append(m.OpenCircuits, name)
		}
	}
	sort.Strings(m.OpenCircuits)
	if m.TotalServices > 0 {
		m.OverallScore = float64(m.OperationalCount) / float64(m.TotalServices) * 100
	}
	return m
}
