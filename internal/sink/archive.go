package sink

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"netsentinel/internal/anomaly"
	"netsentinel/internal/correlation"
)

// ArchiveConfig holds configuration for cold alert archival to S3.
type ArchiveConfig struct {
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint,omitempty"`
	AccessKeyID     string        `yaml:"access_key_id,omitempty"`
	SecretAccessKey string        `yaml:"secret_access_key,omitempty"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// DefaultArchiveConfig returns the default archive configuration.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Region:        "us-east-1",
		Bucket:        "netsentinel-archive",
		Prefix:        "alerts/",
		BatchSize:     500,
		FlushInterval: 5 * time.Minute,
	}
}

// Validate checks the archive configuration.
func (c *ArchiveConfig) Validate() error {
	if c.Region == "" {
		return errors.New("archive: region is required")
	}
	if c.Bucket == "" {
		return errors.New("archive: bucket is required")
	}
	return nil
}

// archiveRecord is one archived alert or anomaly.
type archiveRecord struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// s3Uploader is the slice of the S3 API the archiver uses.
type s3Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveSink wraps another Sink and additionally archives every saved
// alert to S3 as gzip-compressed JSON batches. Archival is best-effort:
// an upload failure is logged, never surfaced to the caller, and the
// primary save result stands.
type ArchiveSink struct {
	inner    Sink
	uploader s3Uploader
	cfg      ArchiveConfig
	logger   *slog.Logger

	mu     sync.Mutex
	buffer []archiveRecord

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewArchiveSink builds the S3 client and starts the flush loop.
func NewArchiveSink(ctx context.Context, inner Sink, cfg ArchiveConfig, logger *slog.Logger) (*ArchiveSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultArchiveConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	a := newArchiveSink(inner, s3.NewFromConfig(awsCfg, s3Opts...), cfg, logger)
	return a, nil
}

func newArchiveSink(inner Sink, uploader s3Uploader, cfg ArchiveConfig, logger *slog.Logger) *ArchiveSink {
	if logger == nil {
		logger = slog.Default()
	}
	a := &ArchiveSink{
		inner:    inner,
		uploader: uploader,
		cfg:      cfg,
		logger:   logger,
		buffer:   make([]archiveRecord, 0, cfg.BatchSize),
		stopCh:   make(chan struct{}),
	}
	a.wg.Add(1)
	go a.flushLoop()
	return a
}

func (a *ArchiveSink) SaveMatch(ctx context.Context, match *correlation.Match) (string, error) {
	id, err := a.inner.SaveMatch(ctx, match)
	if err != nil {
		return "", err
	}
	a.enqueue(archiveRecord{ID: match.ID.String(), Kind: "alert", Timestamp: match.MatchedAt, Data: match})
	return id, nil
}

func (a *ArchiveSink) SaveAnomaly(ctx context.Context, an *anomaly.Anomaly) (string, error) {
	id, err := a.inner.SaveAnomaly(ctx, an)
	if err != nil {
		return "", err
	}
	a.enqueue(archiveRecord{ID: an.ID.String(), Kind: "anomaly", Timestamp: an.Timestamp, Data: an})
	return id, nil
}

func (a *ArchiveSink) enqueue(rec archiveRecord) {
	a.mu.Lock()
	a.buffer = append(a.buffer, rec)
	full := len(a.buffer) >= a.cfg.BatchSize
	a.mu.Unlock()
	if full {
		a.Flush(context.Background())
	}
}

func (a *ArchiveSink) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Flush(context.Background())
		case <-a.stopCh:
			return
		}
	}
}

// Flush uploads the buffered records as one gzip JSON object keyed by
// date and batch id.
func (a *ArchiveSink) Flush(ctx context.Context) {
	a.mu.Lock()
	if len(a.buffer) == 0 {
		a.mu.Unlock()
		return
	}
	records := a.buffer
	a.buffer = make([]archiveRecord, 0, a.cfg.BatchSize)
	a.mu.Unlock()

	data, err := json.Marshal(records)
	if err != nil {
		a.logger.Error("archive encode failed", "error", err)
		return
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		a.logger.Error("archive compress failed", "error", err)
		return
	}
	if err := gz.Close(); err != nil {
		a.logger.Error("archive compress failed", "error", err)
		return
	}

	key := fmt.Sprintf("%s%s/%s.json.gz",
		a.cfg.Prefix, time.Now().UTC().Format("2006/01/02"), uuid.New().String())
	_, err = a.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		a.logger.Error("archive upload failed", "key", key, "records", len(records), "error", err)
		return
	}
	a.logger.Debug("archived alerts", "key", key, "records", len(records))
}

// Close stops the flush loop, uploads any pending records and closes
// the wrapped sink.
func (a *ArchiveSink) Close() error {
	close(a.stopCh)
	a.wg.Wait()
	a.Flush(context.Background())
	return a.inner.Close()
}
