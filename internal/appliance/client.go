package appliance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// ClientConfig holds configuration for one appliance adapter.
type ClientConfig struct {
	ServiceName      string        `yaml:"service_name" validate:"required"`
	BaseURL          string        `yaml:"base_url" validate:"required,url"`
	APIKey           string        `yaml:"api_key"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// DefaultClientConfig returns the default adapter configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:          30 * time.Second,
		MaxRetries:       3,
		RetryBackoff:     time.Second,
		FailureThreshold: 5,
		RecoveryTimeout:  300 * time.Second,
		CacheTTL:         60 * time.Second,
	}
}

// Client is a resilient adapter for one external security appliance.
// Every call passes through a circuit breaker; failed requests are
// retried with exponential backoff, and successful reads are cached.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	cache      ResponseCache
	health     *healthTracker
	logger     *slog.Logger
}

// NewClient creates an adapter for the appliance described by cfg.
// cache may be nil to disable response caching.
func NewClient(cfg ClientConfig, cache ResponseCache, logger *slog.Logger) *Client {
	def := DefaultClientConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", cfg.ServiceName)

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      cache,
		health:     newHealthTracker(cfg.ServiceName),
		logger:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.ServiceName,
		MaxRequests: 1,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"from", from.String(), "to", to.String())
		},
	})
	return c
}

// ServiceName returns the configured appliance name.
func (c *Client) ServiceName() string { return c.cfg.ServiceName }

// Health returns a snapshot of the adapter's health.
func (c *Client) Health() Health { return c.health.snapshot() }

// CircuitState returns the breaker state ("closed", "open", "half-open").
func (c *Client) CircuitState() string { return c.breaker.State().String() }

// Get performs a cached GET against the appliance. Params are appended
// as query parameters and folded into the cache key.
func (c *Client) Get(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	key := CacheKey(c.cfg.ServiceName, endpoint, params)
	if c.cache != nil {
		if data, ok := c.cache.Get(ctx, key); ok {
			return data, nil
		}
	}

	data, err := c.Call(ctx, http.MethodGet, withQuery(endpoint, params), nil)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.Set(ctx, key, data, c.cfg.CacheTTL)
	}
	return data, nil
}

// Call performs one request through the circuit breaker. Mutating
// methods invalidate cached responses for the touched resource.
func (c *Client) Call(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.doWithRetry(ctx, method, endpoint, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", c.cfg.ServiceName, ErrCircuitOpen)
		}
		return nil, err
	}

	if c.cache != nil && method != http.MethodGet {
		c.cache.Invalidate(ctx, invalidationPrefix(c.cfg.ServiceName, method, endpoint))
	}
	return result.([]byte), nil
}

// invalidationPrefix narrows invalidation to the resource a mutating
// request touched. POST addresses a collection, so the endpoint itself
// is the prefix; PUT and DELETE address an item, so the parent
// collection is invalidated along with it.
func invalidationPrefix(service, method, endpoint string) string {
	resource := endpoint
	if i := strings.IndexByte(resource, '?'); i >= 0 {
		resource = resource[:i]
	}
	if method != http.MethodPost {
		if i := strings.LastIndexByte(resource, '/'); i > 0 {
			resource = resource[:i]
		}
	}
	return service + ":" + resource
}

// GetJSON performs a cached GET and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, endpoint string, params map[string]string, out any) error {
	data, err := c.Get(ctx, endpoint, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// TestConnection probes the appliance's health endpoint outside the
// circuit breaker so that operators can check a tripped service. It
// never returns an error; failures show up in the returned snapshot.
func (c *Client) TestConnection(ctx context.Context) Health {
	start := time.Now()
	_, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	c.health.record(time.Since(start), err)
	if err != nil {
		c.logger.Debug("connection test failed", "error", err)
	}
	return c.health.snapshot()
}

// doWithRetry attempts the request up to MaxRetries times, doubling the
// backoff after each retryable failure. Each attempt updates health.
func (c *Client) doWithRetry(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", endpoint, err)
		}
	}

	var lastErr error
	backoff := c.cfg.RetryBackoff
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		start := time.Now()
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		data, err := c.doRequest(ctx, method, endpoint, reader)
		c.health.record(time.Since(start), err)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if !retryable(err) {
			return nil, err
		}
		if attempt == c.cfg.MaxRetries {
			break
		}
		c.logger.Debug("retrying request",
			"method", method, "endpoint", endpoint,
			"attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s %s: %w", method, endpoint, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("%s %s after %d attempts: %w",
		method, endpoint, c.cfg.MaxRetries, lastErr)
}

// doRequest performs a single HTTP request against the appliance.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TransportError{Err: ErrTimeout}
		}
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// retryable reports whether a failed attempt should be retried.
// Transport failures and transient server statuses qualify; other
// client errors do not.
func retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		switch he.Status {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

func withQuery(endpoint string, params map[string]string) string {
	if len(params) == 0 {
		return endpoint
	}
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return endpoint + "?" + values.Encode()
}
