package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"netsentinel/internal/config"
	"netsentinel/internal/queue"
)

// KafkaSource consumes raw events from a Kafka topic and feeds them into
// the processing queue alongside the HTTP intake.
type KafkaSource struct {
	reader *kafka.Reader
	queue  *queue.RingBuffer
	logger *slog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	consumed atomic.Int64
	dropped  atomic.Int64
	errs     atomic.Int64
}

// NewKafkaSource creates a Kafka consumer bound to the processing queue.
func NewKafkaSource(cfg config.KafkaConfig, q *queue.RingBuffer, logger *slog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	logger.Info("kafka source initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"group", cfg.ConsumerGroup,
	)

	return &KafkaSource{
		reader: reader,
		queue:  q,
		logger: logger,
	}, nil
}

// Start begins consuming in a background goroutine.
func (s *KafkaSource) Start() error {
	if s.started.Swap(true) {
		return errors.New("kafka: source already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.consumeLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("kafka consume loop exited", "error", err)
		}
	}()

	return nil
}

func (s *KafkaSource) consumeLoop(ctx context.Context) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			s.errs.Add(1)
			s.logger.Error("failed to fetch message", "error", err)

			// Back off on errors
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		var payload map[string]any
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			s.errs.Add(1)
			s.logger.Warn("discarding malformed kafka message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			// Malformed payloads are committed so they are not redelivered.
			if err := s.reader.CommitMessages(ctx, msg); err != nil {
				s.logger.Error("failed to commit offset", "error", err)
			}
			continue
		}

		if err := s.queue.Push(&queue.Item{
			Payload:    payload,
			Source:     "kafka",
			ReceivedAt: time.Now().UTC(),
		}); err != nil {
			s.dropped.Add(1)
			// Queue full. Leave the message uncommitted so it is
			// redelivered after a rebalance or restart.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		s.consumed.Add(1)

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			s.logger.Error("failed to commit offset",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}
	}
}

// Stop cancels consumption and closes the underlying reader.
func (s *KafkaSource) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return s.reader.Close()
}

// Stats returns consumption counters.
func (s *KafkaSource) Stats() map[string]int64 {
	return map[string]int64{
		"consumed": s.consumed.Load(),
		"dropped":  s.dropped.Load(),
		"errors":   s.errs.Load(),
	}
}
