package sink

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"netsentinel/internal/anomaly"
	"netsentinel/internal/correlation"
)

// ClickHouseConfig holds the configuration for the ClickHouse backend.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

// DefaultClickHouseConfig returns the default backend configuration.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "netsentinel",
		Username:        "default",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
	}
}

// chConn is the slice of the ClickHouse driver the sink uses.
type chConn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Ping(ctx context.Context) error
	Close() error
}

// ClickHouseSink persists alerts and anomalies into ClickHouse tables.
type ClickHouseSink struct {
	conn   chConn
	cfg    ClickHouseConfig
	logger *slog.Logger
}

// NewClickHouseSink connects to ClickHouse and ensures the alert
// tables exist.
func NewClickHouseSink(cfg ClickHouseConfig, logger *slog.Logger) (*ClickHouseSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s := &ClickHouseSink{conn: conn, cfg: cfg, logger: logger}
	if err := s.ensureTables(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ClickHouseSink) ensureTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			alert_id String,
			rule_id String,
			rule_name String,
			severity LowCardinality(String),
			matched_at DateTime64(3, 'UTC'),
			group_key String,
			event_count UInt32,
			triggering_events String,
			description String,
			tags Array(String)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(matched_at)
		ORDER BY (matched_at, rule_id)`,

		`CREATE TABLE IF NOT EXISTS anomalies (
			anomaly_id String,
			baseline_id String,
			anomaly_type LowCardinality(String),
			severity LowCardinality(String),
			current_value Float64,
			baseline_value Float64,
			deviation_percent Float64,
			detected_at DateTime64(3, 'UTC'),
			source_ip String
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(detected_at)
		ORDER BY (detected_at, baseline_id)`,
	}
	for _, stmt := range stmts {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: create tables: %v", ErrWriteFailed, err)
		}
	}
	return nil
}

func (s *ClickHouseSink) SaveMatch(ctx context.Context, match *correlation.Match) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	refs, _ := json.Marshal(match.TriggeringEvents)
	err := s.conn.Exec(ctx, `
		INSERT INTO alerts (
			alert_id, rule_id, rule_name, severity, matched_at,
			group_key, event_count, triggering_events, description, tags
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		match.ID.String(),
		match.RuleID,
		match.RuleName,
		string(match.Severity),
		match.MatchedAt,
		match.GroupKey,
		uint32(len(match.TriggeringEvents)),
		string(refs),
		match.Description,
		match.Tags,
	)
	if err != nil {
		return "", wrapWriteError("SaveMatch", "alert", err)
	}
	s.logger.Debug("alert persisted", "alert_id", match.ID, "rule_id", match.RuleID)
	return match.ID.String(), nil
}

func (s *ClickHouseSink) SaveAnomaly(ctx context.Context, a *anomaly.Anomaly) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	err := s.conn.Exec(ctx, `
		INSERT INTO anomalies (
			anomaly_id, baseline_id, anomaly_type, severity,
			current_value, baseline_value, deviation_percent,
			detected_at, source_ip
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(),
		a.BaselineID,
		a.Type,
		string(a.Severity),
		a.CurrentValue,
		a.BaselineValue,
		a.DeviationPercent,
		a.Timestamp,
		a.SourceIP,
	)
	if err != nil {
		return "", wrapWriteError("SaveAnomaly", "anomaly", err)
	}
	return a.ID.String(), nil
}

// Ping checks whether the backend is reachable.
func (s *ClickHouseSink) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
