package ingest

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"netsentinel/internal/config"
)

func testRateLimitConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 3,
		WindowSize:    time.Minute,
		BurstSize:     1,
		CleanupPeriod: time.Minute,
		ExemptPaths:   []string{"/health"},
	}
}

func TestRateLimiter_AllowUpToLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimitConfig())
	defer rl.Stop()

	// Limit is requests_per_ip + burst = 4.
	for i := 0; i < 4; i++ {
		allowed, _, _ := rl.Allow("10.0.0.1")
		if !allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}

	allowed, remaining, reset := rl.Allow("10.0.0.1")
	if allowed {
		t.Error("request over limit allowed, want denied")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
	if !reset.After(time.Now()) {
		t.Error("reset time should be in the future")
	}
}

func TestRateLimiter_PerIPIsolation(t *testing.T) {
	rl := NewRateLimiter(testRateLimitConfig())
	defer rl.Stop()

	for i := 0; i < 4; i++ {
		rl.Allow("10.0.0.1")
	}
	if allowed, _, _ := rl.Allow("10.0.0.1"); allowed {
		t.Error("10.0.0.1 should be limited")
	}
	if allowed, _, _ := rl.Allow("10.0.0.2"); !allowed {
		t.Error("10.0.0.2 should not be affected by 10.0.0.1's limit")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	cfg := testRateLimitConfig()
	cfg.WindowSize = 20 * time.Millisecond
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	for i := 0; i < 4; i++ {
		rl.Allow("10.0.0.1")
	}
	if allowed, _, _ := rl.Allow("10.0.0.1"); allowed {
		t.Fatal("expected limit before window reset")
	}

	time.Sleep(30 * time.Millisecond)

	if allowed, _, _ := rl.Allow("10.0.0.1"); !allowed {
		t.Error("expected allowance after window reset")
	}
}

func TestRateLimiter_Counters(t *testing.T) {
	rl := NewRateLimiter(testRateLimitConfig())
	defer rl.Stop()

	// 4 allowed (limit), then 2 limited.
	for i := 0; i < 6; i++ {
		rl.Allow("10.0.0.1")
	}

	stats := rl.Stats()
	if stats.Allowed != 4 {
		t.Errorf("Allowed = %d, want 4", stats.Allowed)
	}
	if stats.Limited != 2 {
		t.Errorf("Limited = %d, want 2", stats.Limited)
	}
}

func TestRateLimiter_ExemptPaths(t *testing.T) {
	rl := NewRateLimiter(testRateLimitConfig())
	defer rl.Stop()

	if !rl.IsExempt("/health") {
		t.Error("/health should be exempt")
	}
	if rl.IsExempt("/v1/events") {
		t.Error("/v1/events should not be exempt")
	}
}

func TestRateLimitMiddleware_Returns429(t *testing.T) {
	cfg := testRateLimitConfig()
	cfg.RequestsPerIP = 1
	cfg.BurstSize = 0

	h := rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Errorf("X-RateLimit-Limit = %q, want 1", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		trustProxy bool
		want       string
	}{
		{"remote addr", "10.0.0.1:1234", "", false, "10.0.0.1"},
		{"xff ignored when untrusted", "10.0.0.1:1234", "1.2.3.4", false, "10.0.0.1"},
		{"xff single", "10.0.0.1:1234", "1.2.3.4", true, "1.2.3.4"},
		{"xff chain takes first", "10.0.0.1:1234", "1.2.3.4, 5.6.7.8", true, "1.2.3.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := getClientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("getClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
