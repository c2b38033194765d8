package sink

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"netsentinel/internal/anomaly"
	"netsentinel/internal/correlation"
	"netsentinel/internal/schema"
)

func TestMemorySink_SaveAndRead(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	match := &correlation.Match{
		ID:       uuid.New(),
		RuleID:   "brute_force",
		Severity: schema.SeverityHigh,
	}
	id, err := s.SaveMatch(ctx, match)
	if err != nil {
		t.Fatalf("SaveMatch() error = %v", err)
	}
	if id != match.ID.String() {
		t.Errorf("SaveMatch() id = %q, want %q", id, match.ID)
	}

	an := &anomaly.Anomaly{ID: uuid.New(), Severity: schema.SeverityMedium}
	if _, err := s.SaveAnomaly(ctx, an); err != nil {
		t.Fatalf("SaveAnomaly() error = %v", err)
	}

	matches, anomalies := s.Counts()
	if matches != 1 || anomalies != 1 {
		t.Errorf("Counts() = (%d, %d), want (1, 1)", matches, anomalies)
	}
}

func TestPersistenceError_Unwrap(t *testing.T) {
	err := wrapWriteError("SaveMatch", "alert", io.ErrUnexpectedEOF)
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatal("wrapWriteError did not produce *PersistenceError")
	}
	if pe.Op != "SaveMatch" || pe.Kind != "alert" {
		t.Errorf("PersistenceError = %+v", pe)
	}
	if !errors.Is(err, ErrWriteFailed) {
		t.Error("errors.Is(err, ErrWriteFailed) = false")
	}
}

type fakeUploader struct {
	puts []*s3.PutObjectInput
}

func (f *fakeUploader) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveSink_FlushUploadsGzipBatch(t *testing.T) {
	uploader := &fakeUploader{}
	cfg := DefaultArchiveConfig()
	cfg.FlushInterval = time.Hour
	a := newArchiveSink(NewMemorySink(), uploader, cfg, nil)
	defer a.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		match := &correlation.Match{ID: uuid.New(), MatchedAt: time.Now()}
		if _, err := a.SaveMatch(ctx, match); err != nil {
			t.Fatalf("SaveMatch() error = %v", err)
		}
	}
	a.Flush(ctx)

	if len(uploader.puts) != 1 {
		t.Fatalf("got %d uploads, want 1", len(uploader.puts))
	}
	gz, err := gzip.NewReader(uploader.puts[0].Body)
	if err != nil {
		t.Fatalf("upload is not gzip: %v", err)
	}
	data, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read upload: %v", err)
	}
	var records []archiveRecord
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("archived %d records, want 3", len(records))
	}
}

func TestArchiveSink_BatchSizeTriggersFlush(t *testing.T) {
	uploader := &fakeUploader{}
	cfg := DefaultArchiveConfig()
	cfg.BatchSize = 2
	cfg.FlushInterval = time.Hour
	a := newArchiveSink(NewMemorySink(), uploader, cfg, nil)
	defer a.Close()

	ctx := context.Background()
	a.SaveMatch(ctx, &correlation.Match{ID: uuid.New(), MatchedAt: time.Now()})
	a.SaveMatch(ctx, &correlation.Match{ID: uuid.New(), MatchedAt: time.Now()})

	if len(uploader.puts) != 1 {
		t.Errorf("got %d uploads after batch fill, want 1", len(uploader.puts))
	}
}
