// Package main is the entry point for the NetSentinel event pipeline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"netsentinel/internal/anomaly"
	"netsentinel/internal/appliance"
	"netsentinel/internal/config"
	"netsentinel/internal/correlation"
	"netsentinel/internal/ingest"
	"netsentinel/internal/orchestrator"
	"netsentinel/internal/queue"
	"netsentinel/internal/schema"
	"netsentinel/internal/sink"
	"netsentinel/internal/topology"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"queue_size", cfg.Queue.Size,
		"auth_enabled", cfg.Auth.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"appliances", len(cfg.Appliances),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Validation
	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:    cfg.Validation.MaxEventAge,
		MaxFuture: cfg.Validation.MaxFuture,
	})

	// Correlation rules
	repo := correlation.NewMemoryRuleRepository()
	if cfg.Rules.Builtin {
		for _, rule := range correlation.BuiltinRules() {
			if err := repo.AddRule(rule); err != nil {
				return fmt.Errorf("builtin rule %s: %w", rule.ID, err)
			}
		}
	}
	if cfg.Rules.Dir != "" {
		if err := repo.LoadDir(cfg.Rules.Dir); err != nil {
			return fmt.Errorf("load rules from %s: %w", cfg.Rules.Dir, err)
		}
	}
	engine := correlation.NewEngine(cfg.Engine, repo)
	engine.Start(ctx)
	slog.Info("correlation engine started", "rules", len(repo.ListEnabledRules()))

	// Anomaly detection
	store := anomaly.NewMemoryBaselineStore()
	for _, bl := range cfg.Anomaly.Baselines {
		store.Add(bl)
	}
	detector := anomaly.NewDetector(cfg.Anomaly.Detector, store)

	// Appliance pool
	cache, err := buildResponseCache(logger)
	if err != nil {
		return fmt.Errorf("response cache: %w", err)
	}
	pool := appliance.NewPool(cfg.Pool, logger)
	for _, ac := range cfg.Appliances {
		pool.Register(appliance.NewClient(ac, cache, logger))
	}

	// Topology enrichment
	var provider topology.Provider
	if cfg.Topology.Service != "" {
		client, err := pool.Get(cfg.Topology.Service)
		if err != nil {
			return fmt.Errorf("topology service %q not registered", cfg.Topology.Service)
		}
		provider, err = topology.NewHTTPProvider(client, cfg.Topology.Cache, logger)
		if err != nil {
			return fmt.Errorf("topology provider: %w", err)
		}
	} else {
		provider = topology.NewStaticProvider(cfg.Topology.Static)
	}

	// Alert persistence
	alertSink, err := buildSink(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("alert sink: %w", err)
	}

	orch := orchestrator.New(cfg.Orchestrator, validator, provider, engine,
		detector, alertSink, pool, logger)

	// Intake and processing
	eventQueue := queue.NewRingBuffer(cfg.Queue.Size)

	workers := ingest.NewWorkerPool(eventQueue, orch, cfg.Consumer)
	workers.Start(ctx)

	var kafkaSource *ingest.KafkaSource
	if cfg.Kafka.Enabled {
		kafkaSource, err = ingest.NewKafkaSource(cfg.Kafka, eventQueue, logger)
		if err != nil {
			return fmt.Errorf("kafka source: %w", err)
		}
		if err := kafkaSource.Start(); err != nil {
			return fmt.Errorf("start kafka source: %w", err)
		}
	}

	handler := ingest.NewHandler(eventQueue, orch).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize)

	mux := http.NewServeMux()
	handler.Routes(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      ingest.WithMiddleware(mux, cfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting intake server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new requests
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Stop sources, then drain the queue through the workers.
	if kafkaSource != nil {
		if err := kafkaSource.Stop(); err != nil {
			slog.Error("kafka source stop error", "error", err)
		}
	}
	eventQueue.Close()
	workers.Stop()

	cancel()
	engine.Stop()

	if err := alertSink.Close(); err != nil {
		slog.Error("sink close error", "error", err)
	}

	queueMetrics := eventQueue.Metrics()
	slog.Info("shutdown complete",
		"events_pushed", queueMetrics.Pushed,
		"events_popped", queueMetrics.Popped,
		"events_dropped", queueMetrics.Dropped,
	)
	return nil
}

// setupLogger builds the process logger from config.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// buildResponseCache returns the shared appliance response cache. A
// Redis-backed cache is used when NETSENTINEL_REDIS_ADDR is set so
// that multiple instances share invalidations; otherwise an in-process
// LRU is used.
func buildResponseCache(logger *slog.Logger) (appliance.ResponseCache, error) {
	if addr := os.Getenv("NETSENTINEL_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("NETSENTINEL_REDIS_PASSWORD"),
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("using redis response cache", "addr", addr)
		return appliance.NewRedisCache(client, "netsentinel:appliance:"), nil
	}
	return appliance.NewMemoryCache(4096)
}

// buildSink assembles the persistence chain: ClickHouse when storage
// is enabled, optionally wrapped with the S3 archive.
func buildSink(ctx context.Context, cfg *config.Config, logger *slog.Logger) (sink.Sink, error) {
	var inner sink.Sink
	if cfg.Storage.Enabled {
		ch, err := sink.NewClickHouseSink(cfg.Storage.ClickHouse, logger)
		if err != nil {
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		slog.Info("clickhouse sink initialized",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)
		inner = ch
	} else {
		slog.Info("storage disabled, using in-memory sink")
		inner = sink.NewMemorySink()
	}

	if cfg.Storage.Archive.Enabled {
		archived, err := sink.NewArchiveSink(ctx, inner, cfg.Storage.Archive.S3, logger)
		if err != nil {
			return nil, fmt.Errorf("s3 archive: %w", err)
		}
		slog.Info("s3 archive enabled",
			"bucket", cfg.Storage.Archive.S3.Bucket,
			"prefix", cfg.Storage.Archive.S3.Prefix,
		)
		return archived, nil
	}
	return inner, nil
}
