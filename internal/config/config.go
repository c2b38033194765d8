// Package config handles configuration loading for NetSentinel.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"netsentinel/internal/anomaly"
	"netsentinel/internal/appliance"
	"netsentinel/internal/correlation"
	"netsentinel/internal/orchestrator"
	"netsentinel/internal/sink"
	"netsentinel/internal/topology"
)

// Config holds the complete application configuration.
type Config struct {
	Server       ServerConfig             `yaml:"server"`
	Ingest       IngestConfig             `yaml:"ingest"`
	Queue        QueueConfig              `yaml:"queue"`
	Validation   ValidationConfig         `yaml:"validation"`
	Auth         AuthConfig               `yaml:"auth"`
	RateLimit    RateLimitConfig          `yaml:"rate_limit"`
	Logging      LoggingConfig            `yaml:"logging"`
	Engine       correlation.EngineConfig `yaml:"engine"`
	Rules        RulesConfig              `yaml:"rules"`
	Anomaly      AnomalyConfig            `yaml:"anomaly"`
	Appliances   []appliance.ClientConfig `yaml:"appliances"`
	Pool         appliance.PoolConfig     `yaml:"pool"`
	Topology     TopologyConfig           `yaml:"topology"`
	Orchestrator orchestrator.Config      `yaml:"orchestrator"`
	Storage      StorageConfig            `yaml:"storage"`
	Kafka        KafkaConfig              `yaml:"kafka"`
	Consumer     ConsumerConfig           `yaml:"consumer"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// IngestConfig holds intake settings.
type IngestConfig struct {
	MaxBatchSize   int `yaml:"max_batch_size"`
	MaxPayloadSize int `yaml:"max_payload_size"`
}

// QueueConfig holds processing queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// ValidationConfig holds event validation settings.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
	Enabled      bool     `yaml:"enabled"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RulesConfig holds correlation rule loading settings.
type RulesConfig struct {
	// Dir is scanned for YAML rule files at startup.
	Dir string `yaml:"dir"`
	// Builtin enables the built-in rule set.
	Builtin bool `yaml:"builtin"`
}

// AnomalyConfig holds anomaly detection settings.
type AnomalyConfig struct {
	Detector  anomaly.DetectorConfig `yaml:"detector"`
	Baselines []*anomaly.Baseline    `yaml:"baselines"`
}

// TopologyConfig holds topology provider settings.
type TopologyConfig struct {
	// Service names the pool adapter used for device lookups. Empty
	// falls back to the static table.
	Service string                      `yaml:"service"`
	Cache   topology.HTTPProviderConfig `yaml:"cache"`
	Static  map[string]topology.Context `yaml:"static"`
}

// StorageConfig holds alert persistence settings.
type StorageConfig struct {
	Enabled    bool                  `yaml:"enabled"`
	ClickHouse sink.ClickHouseConfig `yaml:"clickhouse"`
	Archive    ArchiveStorageConfig  `yaml:"archive"`
}

// ArchiveStorageConfig wraps the S3 archive settings with a toggle.
type ArchiveStorageConfig struct {
	Enabled bool               `yaml:"enabled"`
	S3      sink.ArchiveConfig `yaml:"s3"`
}

// KafkaConfig holds the Kafka telemetry source settings.
type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// ConsumerConfig holds the processing worker pool settings.
type ConsumerConfig struct {
	Workers      int           `yaml:"workers"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024,
		},
		Queue: QueueConfig{
			Size: 100000,
		},
		Validation: ValidationConfig{
			MaxEventAge: 7 * 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
			Enabled:      false,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 1000,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health", "/metrics"},
			TrustProxy:    false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: correlation.DefaultEngineConfig(),
		Rules: RulesConfig{
			Dir:     "configs/rules",
			Builtin: true,
		},
		Anomaly: AnomalyConfig{
			Detector: anomaly.DefaultDetectorConfig(),
		},
		Pool:         appliance.DefaultPoolConfig(),
		Topology:     TopologyConfig{Cache: topology.DefaultHTTPProviderConfig()},
		Orchestrator: orchestrator.DefaultConfig(),
		Storage: StorageConfig{
			Enabled:    false,
			ClickHouse: sink.DefaultClickHouseConfig(),
			Archive: ArchiveStorageConfig{
				S3: sink.DefaultArchiveConfig(),
			},
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			Topic:         "netsentinel.events",
			ConsumerGroup: "netsentinel",
		},
		Consumer: ConsumerConfig{
			Workers:      4,
			ShutdownWait: 30 * time.Second,
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("NETSENTINEL_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("NETSENTINEL_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}
	if level := os.Getenv("NETSENTINEL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if apiKey := os.Getenv("NETSENTINEL_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}
	if enabled := os.Getenv("NETSENTINEL_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}
	if enabled := os.Getenv("NETSENTINEL_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}
}

func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}
	if c.Consumer.Workers <= 0 {
		return fmt.Errorf("consumer workers must be positive")
	}
	seen := make(map[string]bool, len(c.Appliances))
	for i, app := range c.Appliances {
		if app.ServiceName == "" {
			return fmt.Errorf("appliances[%d]: service_name is required", i)
		}
		if seen[app.ServiceName] {
			return fmt.Errorf("appliances[%d]: duplicate service_name %q", i, app.ServiceName)
		}
		seen[app.ServiceName] = true
		if app.BaseURL == "" {
			return fmt.Errorf("appliance %q: base_url is required", app.ServiceName)
		}
	}
	return nil
}
