package ingest

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"netsentinel/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	authCfg := config.AuthConfig{
		Enabled:      true,
		APIKeyHeader: "X-API-Key",
		APIKeys:      []string{"secret-key"},
	}
	h := authMiddleware(okHandler(), authCfg)

	tests := []struct {
		name string
		path string
		key  string
		want int
	}{
		{"valid key", "/v1/events", "secret-key", http.StatusOK},
		{"missing key", "/v1/events", "", http.StatusUnauthorized},
		{"wrong key", "/v1/events", "nope", http.StatusUnauthorized},
		{"health exempt", "/health", "", http.StatusOK},
		{"metrics exempt", "/metrics", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestWithMiddleware_AuthDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Auth.Enabled = false
	cfg.RateLimit.Enabled = false

	h := WithMiddleware(okHandler(), cfg)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
