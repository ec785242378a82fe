// Package ingest implements the ingestion pipeline (C5): album admission,
// per-item dedup/upload resolution shared with the queue worker (C8), and
// the message.json metadata writer (grounded on
// original_source/teltubby/ingest/pipeline.py's process_batch).
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cptnfren/teltubby/internal/domain"
	"github.com/cptnfren/teltubby/internal/usecase/layout"
)

// Fetcher streams the raw bytes of one item, regardless of which transport
// (bot-protocol or user-protocol) produced them.
type Fetcher func(ctx context.Context) (io.ReadCloser, error)

// uploadBackoff mirrors the original worker's retry cadence for transient
// object-store failures.
var uploadBackoff = []time.Duration{time.Second, 3 * time.Second, 9 * time.Second}

// Resolver carries the collaborators needed to resolve one item to either a
// freshly stored key or an existing duplicate.
type Resolver struct {
	Store             domain.ObjectStore
	Dedup             domain.DedupIndex
	Log               zerolog.Logger
	UploadMaxAttempts int
}

// NewResolver builds a Resolver; uploadMaxAttempts <= 0 defaults to 1 (no retry).
func NewResolver(store domain.ObjectStore, dedup domain.DedupIndex, uploadMaxAttempts int, log zerolog.Logger) *Resolver {
	if uploadMaxAttempts <= 0 {
		uploadMaxAttempts = 1
	}
	return &Resolver{Store: store, Dedup: dedup, UploadMaxAttempts: uploadMaxAttempts, Log: log}
}

// Resolve fetches item's bytes (unless a fast-path dedup hit makes that
// unnecessary), hashes them, dedups by content, and uploads when fresh.
// prefix is the unit's key prefix; filenameCtx supplies everything
// BuildFilename needs except the extension, which Resolve derives from item.
func (r *Resolver) Resolve(ctx context.Context, item domain.Item, prefix string, filenameCtx layout.FilenameInput, fetch Fetcher) domain.ItemOutcome {
	out := domain.ItemOutcome{
		Ordinal:          item.Ordinal,
		Kind:             item.Kind,
		FileID:           item.FileID,
		FileUniqueID:     item.FileUniqueID,
		OriginalFilename: item.OriginalFilename,
	}

	if item.FileUniqueID != "" {
		if sha, ok, err := r.Dedup.LookupByUniqueID(ctx, item.FileUniqueID); err != nil {
			r.Log.Warn().Err(err).Str("file_unique_id", item.FileUniqueID).Msg("unique-id dedup lookup failed; falling back to content hash")
		} else if ok {
			if key, ok2, err2 := r.Dedup.LookupByHash(ctx, sha); err2 == nil && ok2 {
				out.SHA256 = sha
				out.DuplicateOf = key
				out.DedupReason = domain.DedupUniqueID
				ext, mime := extAndMIME(item)
				out.MIME = mime
				out.Filename = layout.BuildFilename(withExt(filenameCtx, item, ext))
				return out
			}
		}
	}

	rc, err := fetch(ctx)
	if err != nil {
		out.Failed = true
		out.FailReason = err.Error()
		return out
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "teltubby-item-*")
	if err != nil {
		out.Failed = true
		out.FailReason = fmt.Sprintf("create spool file: %v", err)
		return out
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), rc)
	if err != nil {
		out.Failed = true
		out.FailReason = fmt.Sprintf("download: %v", err)
		return out
	}
	if written == 0 {
		out.Failed = true
		out.FailReason = "downloaded file is empty"
		return out
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	out.SHA256 = sum
	out.SizeBytes = written
	out.Width, out.Height, out.Duration = item.Width, item.Height, item.DurationSeconds

	if key, ok, err := r.Dedup.LookupByHash(ctx, sum); err != nil {
		r.Log.Warn().Err(err).Str("sha256", sum).Msg("content-hash dedup lookup failed; proceeding to upload")
	} else if ok {
		out.DuplicateOf = key
		out.DedupReason = domain.DedupSHA256
		ext, mime := extAndMIME(item)
		out.MIME = mime
		out.Filename = layout.BuildFilename(withExt(filenameCtx, item, ext))
		return out
	}

	ext, mime := extAndMIME(item)
	out.MIME = mime
	filename := layout.BuildFilename(withExt(filenameCtx, item, ext))
	out.Filename = filename
	key := layout.FullKey(prefix, filename)

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		out.Failed = true
		out.FailReason = fmt.Sprintf("rewind spool file: %v", err)
		return out
	}

	if err := r.uploadWithRetry(ctx, key, tmp, written, mime); err != nil {
		out.Failed = true
		out.FailReason = err.Error()
		return out
	}

	registeredKey, conflict, err := r.Dedup.Register(ctx, domain.DedupRecord{
		SHA256:    sum,
		S3Key:     key,
		SizeBytes: written,
		MIME:      mime,
		CreatedAt: time.Now(),
	}, item.FileUniqueID)
	if err != nil && !conflict {
		r.Log.Warn().Err(err).Str("sha256", sum).Msg("dedup index unavailable after upload; object kept, index not updated")
	}
	if conflict {
		if delErr := r.Store.Delete(ctx, key); delErr != nil {
			r.Log.Warn().Err(delErr).Str("key", key).Msg("failed to remove redundant upload after dedup conflict")
		}
		out.DuplicateOf = registeredKey
		out.DedupReason = domain.DedupSHA256
		return out
	}

	out.S3Key = key
	return out
}

func (r *Resolver) uploadWithRetry(ctx context.Context, key string, body io.ReadSeeker, size int64, mime string) error {
	var lastErr error
	for attempt := 0; attempt < r.UploadMaxAttempts; attempt++ {
		if attempt > 0 {
			if _, err := body.Seek(0, io.SeekStart); err != nil {
				return err
			}
			idx := attempt - 1
			if idx >= len(uploadBackoff) {
				idx = len(uploadBackoff) - 1
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(uploadBackoff[idx]):
			}
		}
		lastErr = r.Store.Put(ctx, key, body, size, mime)
		if lastErr == nil {
			return nil
		}
		kind, ok := domain.KindOf(lastErr)
		if ok && kind != domain.ErrUploadTransient {
			return lastErr
		}
	}
	return lastErr
}

func withExt(in layout.FilenameInput, item domain.Item, ext string) layout.FilenameInput {
	in.Ordinal = item.Ordinal
	in.Ext = ext
	return in
}
