package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cptnfren/teltubby/internal/domain"
)

// metadataBackoff mirrors uploadBackoff; a message.json write is small but
// still subject to the same transient object-store failures as item uploads.
var metadataBackoff = uploadBackoff

// Writer persists message.json via the object store, at key prefix+"message.json".
type Writer struct {
	Store             domain.ObjectStore
	UploadMaxAttempts int
}

// NewWriter builds a Writer; uploadMaxAttempts <= 0 defaults to 1 (no retry).
func NewWriter(store domain.ObjectStore, uploadMaxAttempts int) *Writer {
	if uploadMaxAttempts <= 0 {
		uploadMaxAttempts = 1
	}
	return &Writer{Store: store, UploadMaxAttempts: uploadMaxAttempts}
}

var _ domain.MetadataWriter = (*Writer)(nil)

// WriteMetadata marshals doc and puts it at prefix+"message.json".
func (w *Writer) WriteMetadata(ctx context.Context, prefix string, doc domain.MessageMetadata) error {
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal message.json: %w", err)
	}
	key := prefix + "message.json"

	var lastErr error
	for attempt := 0; attempt < w.UploadMaxAttempts; attempt++ {
		if attempt > 0 {
			idx := attempt - 1
			if idx >= len(metadataBackoff) {
				idx = len(metadataBackoff) - 1
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(metadataBackoff[idx]):
			}
		}
		lastErr = w.Store.Put(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json")
		if lastErr == nil {
			return nil
		}
		kind, ok := domain.KindOf(lastErr)
		if ok && kind != domain.ErrUploadTransient {
			return lastErr
		}
	}
	return domain.NewIngestError(domain.ErrMetadataWriteFailed, lastErr)
}

// BuildMetadata projects an ArchiveUnit into the message.json document (§6).
// Per-item s3_key always points at the canonical object: the item's own
// fresh key, or the existing key it duplicates.
func BuildMetadata(bucket string, unit domain.ArchiveUnit) domain.MessageMetadata {
	items := make([]domain.MetadataItem, 0, len(unit.Items))
	for _, it := range unit.Items {
		key := it.S3Key
		if key == "" {
			key = it.DuplicateOf
		}
		items = append(items, domain.MetadataItem{
			Ordinal:          it.Ordinal,
			Type:             mediaTypeLabel(it.Kind),
			MIMEType:         it.MIME,
			SizeBytes:        it.SizeBytes,
			Width:            it.Width,
			Height:           it.Height,
			Duration:         it.Duration,
			FileID:           it.FileID,
			FileUniqueID:     it.FileUniqueID,
			OriginalFilename: it.OriginalFilename,
			SHA256:           it.SHA256,
			S3Key:            key,
			DuplicateOf:      it.DuplicateOf,
			DedupReason:      string(it.DedupReason),
		})
	}

	var dupOf, dedupReason, notes *string
	if unit.DuplicateOfUnit != "" {
		dupOf = &unit.DuplicateOfUnit
		reason := string(unit.DedupReason)
		dedupReason = &reason
	}
	if unit.Notes != "" {
		notes = &unit.Notes
	}

	now := unit.ArchivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	return domain.MessageMetadata{
		SchemaVersion:       domain.MetadataSchemaVersion,
		ArchiveTimestampUTC: now.UTC().Format(time.RFC3339),
		MessageTimestampUTC: unit.Unit.Timestamp.UTC().Format(time.RFC3339),
		Bucket:              bucket,
		BasePath:            unit.Prefix,
		FilesCount:          len(unit.Keys()),
		TotalBytesUploaded:  unit.TotalBytes,
		Keys:                unit.Keys(),
		DuplicateOf:         dupOf,
		DedupReason:         dedupReason,
		Notes:               notes,
		Telegram: domain.MetadataTelegram{
			MessageID:      unit.Unit.MessageID,
			MediaGroupID:   unit.Unit.MediaGroupID,
			ChatID:         unit.Unit.ChatID,
			ChatTitle:      unit.Unit.ChatTitle,
			ChatUsername:   unit.Unit.ChatUsername,
			SenderID:       unit.Unit.Curator.UserID,
			SenderUsername: unit.Unit.Curator.Username,
			ForwardOrigin:  unit.Unit.ForwardOrigin,
			CaptionPlain:   unit.Unit.CaptionPlain,
			CaptionSpans:   nonNilSpans(unit.Unit.CaptionSpans),
			Entities:       nonNilSpans(unit.Unit.Entities),
			Items:          items,
		},
	}
}

func nonNilSpans(spans []domain.EntitySpan) []domain.EntitySpan {
	if spans == nil {
		return []domain.EntitySpan{}
	}
	return spans
}
