package ingest

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"netsentinel/internal/config"
)

// RateLimiter implements a sliding window rate limiter with per-IP tracking.
type RateLimiter struct {
	cfg         config.RateLimitConfig
	clients     map[string]*clientState
	mu          sync.RWMutex
	exemptPaths map[string]bool
	stopCleanup chan struct{}

	allowed atomic.Uint64
	limited atomic.Uint64
}

// clientState tracks request counts for a single client.
type clientState struct {
	count     int64     // Current request count in window
	windowEnd time.Time // When current window expires
	mu        sync.Mutex
}

// NewRateLimiter creates a new rate limiter and starts its cleanup loop.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	exemptPaths := make(map[string]bool)
	for _, path := range cfg.ExemptPaths {
		exemptPaths[path] = true
	}

	rl := &RateLimiter{
		cfg:         cfg,
		clients:     make(map[string]*clientState),
		exemptPaths: exemptPaths,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow checks if a request from the given IP should be allowed.
// Returns (allowed, remaining, resetTime).
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := time.Now()

	rl.mu.Lock()
	client, exists := rl.clients[ip]
	if !exists {
		client = &clientState{
			windowEnd: now.Add(rl.cfg.WindowSize),
		}
		rl.clients[ip] = client
	}
	rl.mu.Unlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	if now.After(client.windowEnd) {
		client.count = 0
		client.windowEnd = now.Add(rl.cfg.WindowSize)
	}

	limit := int64(rl.cfg.RequestsPerIP + rl.cfg.BurstSize)
	remaining := limit - client.count - 1

	if client.count >= limit {
		rl.limited.Add(1)
		return false, 0, client.windowEnd
	}

	client.count++
	rl.allowed.Add(1)
	if remaining < 0 {
		remaining = 0
	}

	return true, int(remaining), client.windowEnd
}

// cleanupLoop periodically removes expired client entries.
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup removes entries whose window expired more than two windows ago.
func (rl *RateLimiter) cleanup() {
	expiredThreshold := time.Now().Add(-rl.cfg.WindowSize * 2)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, client := range rl.clients {
		client.mu.Lock()
		if client.windowEnd.Before(expiredThreshold) {
			delete(rl.clients, ip)
			removed++
		}
		client.mu.Unlock()
	}

	if removed > 0 {
		slog.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCleanup)
}

// IsExempt checks if a path is exempt from rate limiting.
func (rl *RateLimiter) IsExempt(path string) bool {
	return rl.exemptPaths[path]
}

// Stats returns current rate limiter statistics.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	var totalRequests int64
	for _, client := range rl.clients {
		client.mu.Lock()
		totalRequests += client.count
		client.mu.Unlock()
	}

	return RateLimiterStats{
		TrackedIPs:    len(rl.clients),
		TotalRequests: totalRequests,
		Allowed:       rl.allowed.Load(),
		Limited:       rl.limited.Load(),
	}
}

// RateLimiterStats holds rate limiter statistics.
type RateLimiterStats struct {
	TrackedIPs    int    `json:"tracked_ips"`
	TotalRequests int64  `json:"total_requests"`
	Allowed       uint64 `json:"allowed"`
	Limited       uint64 `json:"limited"`
}
