package ingest

import (
	"context"
	"io"
	"testing"

	"github.com/cptnfren/teltubby/internal/domain"
)

func TestBuildMetadataProjectsS3KeyForFreshAndDuplicateItems(t *testing.T) {
	unit := domain.ArchiveUnit{
		Unit: domain.MessageUnit{ChatID: 1, MessageID: 2},
		Items: []domain.ItemOutcome{
			{Ordinal: 1, Kind: domain.MediaDocument, S3Key: "teltubby/a/doc.bin", Filename: "2024-01-02T030405Z-chat-1-m2-1.bin", OriginalFilename: "vacation.bin", SHA256: "aaa"},
			{Ordinal: 2, Kind: domain.MediaPhoto, DuplicateOf: "teltubby/a/photo.jpg", DedupReason: domain.DedupSHA256, SHA256: "bbb"},
		},
	}

	doc := BuildMetadata("archive-bucket", unit)

	if len(doc.Telegram.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(doc.Telegram.Items))
	}
	if doc.Telegram.Items[0].S3Key != "teltubby/a/doc.bin" {
		t.Errorf("fresh item should carry its own key, got %q", doc.Telegram.Items[0].S3Key)
	}
	if doc.Telegram.Items[0].OriginalFilename != "vacation.bin" {
		t.Errorf("original_filename should carry the transport's filename, not the generated archive name, got %q", doc.Telegram.Items[0].OriginalFilename)
	}
	if doc.Telegram.Items[1].S3Key != "teltubby/a/photo.jpg" {
		t.Errorf("duplicate item should carry the owning key as s3_key, got %q", doc.Telegram.Items[1].S3Key)
	}
	if doc.Telegram.Items[1].DuplicateOf != "teltubby/a/photo.jpg" {
		t.Errorf("duplicate item should record duplicate_of, got %q", doc.Telegram.Items[1].DuplicateOf)
	}
	if doc.Telegram.CaptionSpans == nil || doc.Telegram.Entities == nil {
		t.Errorf("caption/entity spans must never serialize as null")
	}
}

func TestBuildMetadataSetsUnitDuplicateOf(t *testing.T) {
	unit := domain.ArchiveUnit{
		Unit:            domain.MessageUnit{ChatID: 1, MessageID: 2},
		DuplicateOfUnit: "teltubby/a/",
		DedupReason:     domain.DedupSHA256,
	}
	doc := BuildMetadata("archive-bucket", unit)
	if doc.DuplicateOf == nil || *doc.DuplicateOf != "teltubby/a/" {
		t.Fatalf("expected duplicate_of to be set, got %+v", doc.DuplicateOf)
	}
	if doc.DedupReason == nil || *doc.DedupReason != string(domain.DedupSHA256) {
		t.Fatalf("expected dedup_reason to be set, got %+v", doc.DedupReason)
	}
}

// countingStore wraps fakeStore and fails the first failFirst Put calls with
// a transient upload error before delegating to the wrapped store.
type countingStore struct {
	*fakeStore
	failFirst int
	attempts  int
}

func (c *countingStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	c.attempts++
	if c.attempts <= c.failFirst {
		return domain.NewIngestError(domain.ErrUploadTransient, nil)
	}
	return c.fakeStore.Put(ctx, key, body, size, contentType)
}

func TestWriteMetadataRetriesTransientThenSucceeds(t *testing.T) {
	wrapped := &countingStore{fakeStore: newFakeStore(), failFirst: 2}
	w := NewWriter(wrapped, 3)

	err := w.WriteMetadata(context.Background(), "teltubby/a/", domain.MessageMetadata{SchemaVersion: "1.0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wrapped.attempts != 3 {
		t.Fatalf("expected 3 attempts (2 failures + 1 success), got %d", wrapped.attempts)
	}
	if !wrapped.fakeStore.has("teltubby/a/message.json") {
		t.Fatalf("expected message.json to be stored")
	}
}

func TestWriteMetadataExhaustsRetriesAndFails(t *testing.T) {
	wrapped := &countingStore{fakeStore: newFakeStore(), failFirst: 99}
	w := NewWriter(wrapped, 2)

	err := w.WriteMetadata(context.Background(), "teltubby/a/", domain.MessageMetadata{SchemaVersion: "1.0"})
	if err == nil {
		t.Fatalf("expected failure after exhausting retries")
	}
	kind, ok := domain.KindOf(err)
	if !ok || kind != domain.ErrMetadataWriteFailed {
		t.Fatalf("expected ErrMetadataWriteFailed, got %v", err)
	}
}
