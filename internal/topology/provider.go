// Package topology supplies network-topology metadata used to enrich
// security events with device and segment context.
package topology

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"netsentinel/internal/appliance"
)

// Context is the metadata attached to an event for one IP pair.
type Context map[string]string

// Provider resolves topology context for an event's endpoints. Lookup
// never fails: unknown addresses and backend errors both yield an
// empty map so that enrichment stays best-effort.
type Provider interface {
	Lookup(ctx context.Context, sourceIP, destIP string) Context
}

// StaticProvider serves topology context from a fixed map keyed by IP.
// Used for small deployments and in tests.
type StaticProvider struct {
	entries map[string]Context
}

// NewStaticProvider builds a provider over a fixed address table.
func NewStaticProvider(entries map[string]Context) *StaticProvider {
	if entries == nil {
		entries = make(map[string]Context)
	}
	return &StaticProvider{entries: entries}
}

func (p *StaticProvider) Lookup(_ context.Context, sourceIP, destIP string) Context {
	out := Context{}
	if meta, ok := p.entries[sourceIP]; ok {
		for k, v := range meta {
			out["source_"+k] = v
		}
	}
	if meta, ok := p.entries[destIP]; ok {
		for k, v := range meta {
			out["dest_"+k] = v
		}
	}
	return out
}

// HTTPProviderConfig holds configuration for the HTTP topology backend.
type HTTPProviderConfig struct {
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// DefaultHTTPProviderConfig returns the default provider configuration.
func DefaultHTTPProviderConfig() HTTPProviderConfig {
	return HTTPProviderConfig{
		CacheSize: 4096,
		CacheTTL:  5 * time.Minute,
	}
}

type cachedContext struct {
	meta      Context
	expiresAt time.Time
}

// HTTPProvider resolves topology context from a network-management
// service through a resilient appliance adapter. Responses are cached
// per address so bursts of events from one host hit the backend once.
type HTTPProvider struct {
	client *appliance.Client
	cache  *lru.Cache[string, cachedContext]
	ttl    time.Duration
	logger *slog.Logger
}

// NewHTTPProvider wraps an appliance adapter pointed at the topology
// service.
func NewHTTPProvider(client *appliance.Client, cfg HTTPProviderConfig, logger *slog.Logger) (*HTTPProvider, error) {
	def := DefaultHTTPProviderConfig()
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, cachedContext](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create topology cache: %w", err)
	}
	return &HTTPProvider{
		client: client,
		cache:  cache,
		ttl:    cfg.CacheTTL,
		logger: logger,
	}, nil
}

func (p *HTTPProvider) Lookup(ctx context.Context, sourceIP, destIP string) Context {
	out := Context{}
	for prefix, addr := range map[string]string{"source_": sourceIP, "dest_": destIP} {
		if addr == "" {
			continue
		}
		for k, v := range p.resolve(ctx, addr) {
			out[prefix+k] = v
		}
	}
	return out
}

// resolve returns the metadata for one address, consulting the cache
// first. Backend failures are logged and yield an empty map; the empty
// result is cached too, so a down backend is not hammered per event.
func (p *HTTPProvider) resolve(ctx context.Context, addr string) Context {
	if entry, ok := p.cache.Get(addr); ok && time.Now().Before(entry.expiresAt) {
		return entry.meta
	}

	var device struct {
		Name     string `json:"name"`
		Segment  string `json:"network_segment"`
		Role     string `json:"role"`
		Location string `json:"location"`
	}
	meta := Context{}
	err := p.client.GetJSON(ctx, "/api/v1/devices/lookup", map[string]string{"ip": addr}, &device)
	switch {
	case err != nil:
		p.logger.Debug("topology lookup failed", "ip", addr, "error", err)
	default:
		if device.Name != "" {
			meta["device_name"] = device.Name
		}
		if device.Segment != "" {
			meta["network_segment"] = device.Segment
		}
		if device.Role != "" {
			meta["device_role"] = device.Role
		}
		if device.Location != "" {
			meta["location"] = device.Location
		}
	}
	p.cache.Add(addr, cachedContext{meta: meta, expiresAt: time.Now().Add(p.ttl)})
	return meta
}
