package ingest

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cptnfren/teltubby/internal/domain"
	"github.com/cptnfren/teltubby/internal/usecase/layout"
	"github.com/cptnfren/teltubby/internal/usecase/router"
)

// Enqueuer is the subset of the job-queue manager (C7) the pipeline needs to
// hand off an oversize item; kept as a local interface to avoid an import
// cycle between ingest and jobqueue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job domain.Job) (string, error)
}

// Result summarizes one ProcessUnit call for ack formatting, grounded on the
// original bot service's post-archive acknowledgement line.
type Result struct {
	Rejected            bool
	RejectReason        string
	Archive             domain.ArchiveUnit
	QueuedJobIDs        []string
	FailedItems         int
	MetadataWriteFailed bool
}

// Ack renders the curator-facing acknowledgement text.
func (r Result) Ack() string {
	if r.Rejected {
		return fmt.Sprintf("rejected: %s", r.RejectReason)
	}
	types := make([]string, 0, len(r.Archive.Items))
	dedup := 0
	for _, it := range r.Archive.Items {
		types = append(types, mediaTypeLabel(it.Kind))
		if it.DuplicateOf != "" {
			dedup++
		}
	}
	line := fmt.Sprintf("files=%d types=%s base=%s dedup=%d bytes=%d skipped=%d queued=%d failed=%d",
		len(r.Archive.Keys()), strings.Join(types, ","), r.Archive.Prefix, dedup,
		r.Archive.TotalBytes, 0, len(r.QueuedJobIDs), r.FailedItems)
	if r.MetadataWriteFailed {
		line += " metadata_write_failed=true"
	}
	return line
}

// Pipeline implements the ingestion pipeline (C5).
type Pipeline struct {
	Quota            domain.QuotaGate
	Router           *router.Router
	Resolver         *Resolver
	Writer           domain.MetadataWriter
	Queue            Enqueuer
	Bucket           string
	MaxFileBytes     int64
	InlineLimitBytes int64
	Log              zerolog.Logger
}

// NewPipeline wires the C5 collaborators.
func NewPipeline(quota domain.QuotaGate, rt *router.Router, resolver *Resolver, writer domain.MetadataWriter, queue Enqueuer, bucket string, maxFileBytes, inlineLimitBytes int64, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		Quota: quota, Router: rt, Resolver: resolver, Writer: writer, Queue: queue,
		Bucket: bucket, MaxFileBytes: maxFileBytes, InlineLimitBytes: inlineLimitBytes, Log: log,
	}
}

// ProcessUnit admits, routes, resolves and commits one message unit.
func (p *Pipeline) ProcessUnit(ctx context.Context, unit domain.MessageUnit, inline domain.InlineTransport) Result {
	if p.Quota != nil && p.Quota.State(ctx) == domain.QuotaClosed {
		return Result{Rejected: true, RejectReason: "quota_full"}
	}

	if !unit.HasMedia() {
		return Result{Rejected: true, RejectReason: "no_media"}
	}

	for _, item := range unit.Items {
		if p.MaxFileBytes > 0 && item.DeclaredSize > 0 && item.DeclaredSize > p.MaxFileBytes {
			return Result{Rejected: true, RejectReason: "oversize_configured"}
		}
	}

	slugSource := layout.ChatSlugSource(unit.ForwardOrigin, unit.ChatTitle, unit.ChatUsername, unit.ChatID, unit.Curator)
	prefix := layout.KeyPrefix(unit.Timestamp, slugSource, unit.MessageID)
	chatSlug := layout.ToSafeSlug(slugSource)
	if chatSlug == "" {
		chatSlug = "unknown"
	}
	sender := unit.Curator.Username
	if sender == "" {
		sender = fmt.Sprintf("%d", unit.Curator.UserID)
	}
	baseFilenameCtx := layout.FilenameInput{
		MessageTimestampUTC: unit.Timestamp,
		ChatSlug:            chatSlug,
		Sender:              sender,
		MessageID:           unit.MessageID,
		MediaGroupID:        unit.MediaGroupID,
		Caption:             unit.CaptionPlain,
	}

	items := make([]domain.Item, len(unit.Items))
	copy(items, unit.Items)
	sort.Slice(items, func(i, j int) bool { return items[i].Ordinal < items[j].Ordinal })

	var resolved []domain.ItemOutcome
	var queuedJobIDs []string
	failed := 0

	for _, item := range items {
		decision, err := p.Router.Decide(ctx, item, inline)
		if err != nil {
			p.Log.Warn().Err(err).Int("ordinal", item.Ordinal).Msg("route decision failed; treating item as queued")
			decision = domain.RouteQueue
		}

		if decision == domain.RouteQueue {
			jobID, err := p.enqueue(ctx, unit, item)
			if err != nil {
				p.Log.Error().Err(err).Int("ordinal", item.Ordinal).Msg("enqueue failed")
				failed++
				continue
			}
			queuedJobIDs = append(queuedJobIDs, jobID)
			continue
		}

		outcome := p.Resolver.Resolve(ctx, item, prefix, baseFilenameCtx, inlineFetcher(inline, item.FileID))
		if outcome.Failed {
			failed++
		}
		resolved = append(resolved, outcome)
	}

	archive := domain.ArchiveUnit{
		Unit:       unit,
		Prefix:     prefix,
		Items:      resolved,
		ArchivedAt: time.Now().UTC(),
		Notes:      unit.Notes,
	}
	for _, it := range resolved {
		if it.S3Key != "" {
			archive.TotalBytes += it.SizeBytes
		}
	}
	if dupPrefix, reason, ok := unitDuplicateOf(resolved); ok {
		archive.DuplicateOfUnit = dupPrefix
		archive.DedupReason = reason
	}
	if len(queuedJobIDs) > 0 {
		archive.Notes = strings.TrimSpace(archive.Notes + fmt.Sprintf(" %d item(s) routed to the background queue", len(queuedJobIDs)))
	}

	result := Result{Archive: archive, QueuedJobIDs: queuedJobIDs, FailedItems: failed}

	if len(resolved) == 0 {
		return result
	}

	doc := BuildMetadata(p.Bucket, archive)
	if err := p.Writer.WriteMetadata(ctx, prefix, doc); err != nil {
		p.Log.Error().Err(err).Str("prefix", prefix).Msg("message.json write failed; uploaded items are kept")
		result.MetadataWriteFailed = true
		return result
	}
	archive.MetadataWritten = true
	result.Archive = archive
	return result
}

func (p *Pipeline) enqueue(ctx context.Context, unit domain.MessageUnit, item domain.Item) (string, error) {
	job := domain.Job{
		ChatID:    unit.ChatID,
		MessageID: unit.MessageID,
		UserID:    unit.Curator.UserID,
		File: domain.FileInfo{
			FileID:       fmt.Sprintf("%d:%d", unit.ChatID, unit.MessageID),
			FileUniqueID: item.FileUniqueID,
			FileSize:     item.DeclaredSize,
			FileType:     item.Kind,
			FileName:     item.OriginalFilename,
			MIMEType:     item.DeclaredMIME,
		},
		TGContext: domain.TelegramContext{
			ForwardOrigin:  unit.ForwardOrigin,
			Caption:        unit.CaptionPlain,
			CaptionSpans:   unit.CaptionSpans,
			Entities:       unit.Entities,
			MediaGroupID:   unit.MediaGroupID,
			ChatTitle:      unit.ChatTitle,
			ChatUsername:   unit.ChatUsername,
			SenderID:       unit.Curator.UserID,
			SenderUsername: unit.Curator.Username,
		},
		Metadata: domain.JobMetadata{CreatedAt: time.Now().UTC()},
	}
	return p.Queue.Enqueue(ctx, job)
}

func inlineFetcher(inline domain.InlineTransport, fileID string) Fetcher {
	return func(ctx context.Context) (io.ReadCloser, error) {
		f, err := inline.Fetch(ctx, fileID)
		if err != nil {
			return nil, err
		}
		return f.Stream, nil
	}
}

// unitDuplicateOf reports a unit-level duplicate only when every resolved
// item duplicates content owned by the same prior unit prefix (derived from
// the shared directory of each item's duplicate key).
func unitDuplicateOf(items []domain.ItemOutcome) (prefix string, reason domain.DedupReason, ok bool) {
	if len(items) == 0 {
		return "", "", false
	}
	var owner string
	for i, it := range items {
		if it.DuplicateOf == "" {
			return "", "", false
		}
		dir := path.Dir(it.DuplicateOf) + "/"
		if i == 0 {
			owner = dir
			reason = it.DedupReason
			continue
		}
		if dir != owner {
			return "", "", false
		}
	}
	return owner, reason, true
}
