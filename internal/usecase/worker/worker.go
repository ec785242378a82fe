// Package worker implements the queue worker (C8): it drains the durable
// job queue and fetches oversize media over the user-protocol transport,
// grounded on original_source/teltubby/mtproto/worker.py's job loop.
package worker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cptnfren/teltubby/internal/domain"
	"github.com/cptnfren/teltubby/internal/usecase/ingest"
	"github.com/cptnfren/teltubby/internal/usecase/layout"
)

// retryBackoff mirrors the ingestion resolver's upload backoff: the worker
// sleeps before nacking a transient failure back onto the queue so a
// misbehaving dependency doesn't spin the consumer hot.
var retryBackoff = []time.Duration{time.Second, 3 * time.Second, 9 * time.Second}

// cancelPollInterval is not referenced by handle: a cancellation request is
// checked once, before the fetch starts, and a running fetch is not
// interrupted to re-check it.
const cancelPollInterval = 2 * time.Second

// quotaHoldBackoff is how long the worker waits before nacking a job back
// onto the queue while the bucket is at quota, so a full bucket doesn't spin
// the consumer hot re-delivering the same job.
const quotaHoldBackoff = 5 * time.Second

// defaultMaxRetries applies when a job's own metadata doesn't specify one.
const defaultMaxRetries = 5

// Worker drains domain.Delivery from a Queue and resolves each job.
type Worker struct {
	Store     domain.JobStore
	Transport domain.UserTransport
	Inline    domain.InlineTransport
	Admins    []int64
	Resolver  *ingest.Resolver
	Writer    domain.MetadataWriter
	Bucket    string
	Quota     domain.QuotaGate
	Log       zerolog.Logger
}

// New builds a Worker. quota gates consumption the same way it gates
// ingestion (§4.9/I7): while it reports QuotaClosed the worker holds every
// delivery unconsumed instead of fetching and uploading more bytes into an
// already-full bucket.
func New(store domain.JobStore, transport domain.UserTransport, inline domain.InlineTransport, admins []int64, resolver *ingest.Resolver, writer domain.MetadataWriter, bucket string, quota domain.QuotaGate, log zerolog.Logger) *Worker {
	return &Worker{Store: store, Transport: transport, Inline: inline, Admins: admins, Resolver: resolver, Writer: writer, Bucket: bucket, Quota: quota, Log: log}
}

// Run consumes deliveries until ctx is cancelled or the channel closes.
func (w *Worker) Run(ctx context.Context, deliveries <-chan domain.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d domain.Delivery) {
	jobLog := w.Log.With().Str("job_id", d.Job.ID).Int64("chat_id", d.Job.ChatID).Logger()

	row, ok, err := w.Store.Get(ctx, d.Job.ID)
	if err != nil {
		jobLog.Error().Err(err).Msg("failed to look up local job row; requeueing")
		_ = d.Nack(true)
		return
	}
	if !ok {
		jobLog.Warn().Msg("no local job row for delivery; dead-lettering as unknown_job")
		_ = d.Reject(true)
		return
	}

	// Only a terminal row means a prior delivery already finished this job;
	// PENDING and PROCESSING are both resumable (PROCESSING covers
	// redelivery after an auth-hold nack or a crash mid-fetch).
	if row.State == domain.JobCompleted || row.State == domain.JobFailed || row.State == domain.JobCancelled {
		jobLog.Info().Str("state", string(row.State)).Msg("job already finished; acking without work")
		_ = d.Ack()
		return
	}

	if w.Quota.State(ctx) == domain.QuotaClosed {
		jobLog.Info().Msg("bucket at quota; holding job without consuming it")
		select {
		case <-ctx.Done():
		case <-time.After(quotaHoldBackoff):
		}
		_ = d.Nack(true)
		return
	}

	if row.State == domain.JobPending {
		if err := w.Store.UpdateState(ctx, row.ID, domain.JobProcessing, ""); err != nil {
			jobLog.Error().Err(err).Msg("failed to transition job to PROCESSING; requeueing")
			_ = d.Nack(true)
			return
		}
		row.State = domain.JobProcessing
	}

	authed, err := w.Transport.Authenticated(ctx)
	if err != nil {
		jobLog.Warn().Err(err).Msg("failed to check user-protocol session health; holding job")
	}
	if !authed {
		jobLog.Warn().Msg("user-protocol session unauthenticated; holding job and notifying admins")
		w.notifyAdmins(ctx, fmt.Sprintf("job %s is waiting on MTProto re-authentication", row.ID))
		_ = d.Nack(true)
		return
	}

	if cancelled, err := w.Store.IsCancellationRequested(ctx, row.ID); err == nil && cancelled {
		w.finishCancelled(ctx, d, row, jobLog)
		return
	}

	item := domain.Item{
		Kind:             row.File.FileType,
		DeclaredMIME:     row.File.MIMEType,
		DeclaredSize:     row.File.FileSize,
		FileID:           row.File.FileID,
		FileUniqueID:     row.File.FileUniqueID,
		OriginalFilename: row.File.FileName,
		Ordinal:          1,
	}

	curator := domain.Curator{UserID: row.TGContext.SenderID, Username: row.TGContext.SenderUsername}
	unit := domain.MessageUnit{
		ChatID:        row.ChatID,
		MessageID:     row.MessageID,
		MediaGroupID:  row.TGContext.MediaGroupID,
		Curator:       curator,
		Timestamp:     row.Metadata.CreatedAt,
		CaptionPlain:  row.TGContext.Caption,
		CaptionSpans:  row.TGContext.CaptionSpans,
		Entities:      row.TGContext.Entities,
		ForwardOrigin: row.TGContext.ForwardOrigin,
		ChatTitle:     row.TGContext.ChatTitle,
		ChatUsername:  row.TGContext.ChatUsername,
		Items:         []domain.Item{item},
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
	filenameCtx := layout.FilenameInput{
		MessageTimestampUTC: unit.Timestamp,
		ChatSlug:            chatSlug,
		Sender:              sender,
		MessageID:           unit.MessageID,
		MediaGroupID:        unit.MediaGroupID,
		Caption:             unit.CaptionPlain,
	}

	fetch := func(ctx context.Context) (io.ReadCloser, error) {
		return w.Transport.Fetch(ctx, row.File.FileID, row.File.FileSize)
	}
	outcome := w.Resolver.Resolve(ctx, item, prefix, filenameCtx, fetch)

	if outcome.Failed {
		w.handleFailure(ctx, d, row, jobLog, outcome.FailReason)
		return
	}

	archive := domain.ArchiveUnit{Unit: unit, Prefix: prefix, Items: []domain.ItemOutcome{outcome}, ArchivedAt: time.Now().UTC()}
	if outcome.S3Key != "" {
		archive.TotalBytes = outcome.SizeBytes
	}
	doc := ingest.BuildMetadata(w.Bucket, archive)
	if err := w.Writer.WriteMetadata(ctx, prefix, doc); err != nil {
		w.handleFailure(ctx, d, row, jobLog, "metadata_write_failed: "+err.Error())
		return
	}

	if err := w.Store.UpdateState(ctx, row.ID, domain.JobCompleted, ""); err != nil {
		jobLog.Error().Err(err).Msg("failed to transition job to COMPLETED")
	}
	if err := d.Ack(); err != nil {
		jobLog.Error().Err(err).Msg("failed to ack broker delivery")
	}

	ack := fmt.Sprintf("stored %s base=%s bytes=%d", item.Kind, prefix, archive.TotalBytes)
	if outcome.DuplicateOf != "" {
		ack = fmt.Sprintf("duplicate %s base=%s duplicate_of=%s", item.Kind, prefix, outcome.DuplicateOf)
	}
	if err := w.Inline.SendAck(ctx, row.ChatID, ack); err != nil {
		jobLog.Warn().Err(err).Msg("failed to notify curator of job completion")
	}
}

// handleFailure applies the retry policy to every failed resolve or
// metadata write. The reason is not classified: a permanent failure is
// requeued the same way as a transient one until maxRetries is used up. I6 only
// permits PROCESSING to move to COMPLETED, FAILED or CANCELLED, never back
// to PENDING directly, so a retryable failure takes the legal two-hop path
// PROCESSING -> FAILED -> PENDING instead; the retry count rides along in
// LastError ("retry N: reason") since JobStore.UpdateState carries no other
// field to persist it in.
func (w *Worker) handleFailure(ctx context.Context, d domain.Delivery, row domain.Job, jobLog zerolog.Logger, reason string) {
	maxRetries := row.Metadata.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	count := parseRetryCount(row.LastError) + 1

	if count <= maxRetries {
		idx := count - 1
		if idx >= len(retryBackoff) {
			idx = len(retryBackoff) - 1
		}
		jobLog.Warn().Str("reason", reason).Int("retry_count", count).Msg("transient failure; requeueing")
		select {
		case <-ctx.Done():
		case <-time.After(retryBackoff[idx]):
		}
		noted := fmt.Sprintf("retry %d: %s", count, reason)
		if err := w.Store.UpdateState(ctx, row.ID, domain.JobFailed, noted); err != nil {
			jobLog.Error().Err(err).Msg("failed to transition job to FAILED en route to retry")
		}
		if err := w.Store.UpdateState(ctx, row.ID, domain.JobPending, noted); err != nil {
			jobLog.Error().Err(err).Msg("failed to revert job to PENDING for retry")
		}
		_ = d.Nack(true)
		return
	}

	jobLog.Error().Str("reason", reason).Msg("job exhausted retries; failing")
	if err := w.Store.UpdateState(ctx, row.ID, domain.JobFailed, reason); err != nil {
		jobLog.Error().Err(err).Msg("failed to transition job to FAILED")
	}
	_ = d.Reject(true)
	if err := w.Inline.SendAck(ctx, row.ChatID, fmt.Sprintf("job %s failed: %s", row.ID, reason)); err != nil {
		jobLog.Warn().Err(err).Msg("failed to notify curator of job failure")
	}
}

// parseRetryCount recovers the retry count this worker previously stamped
// into LastError ("retry N: ..."); 0 if absent or unparseable.
func parseRetryCount(lastError string) int {
	const prefix = "retry "
	if !strings.HasPrefix(lastError, prefix) {
		return 0
	}
	rest := strings.TrimPrefix(lastError, prefix)
	idx := strings.Index(rest, ":")
	if idx <= 0 {
		return 0
	}
	n, err := strconv.Atoi(rest[:idx])
	if err != nil {
		return 0
	}
	return n
}

func (w *Worker) finishCancelled(ctx context.Context, d domain.Delivery, row domain.Job, jobLog zerolog.Logger) {
	jobLog.Info().Msg("cancellation requested; finishing job as CANCELLED")
	if err := w.Store.UpdateState(ctx, row.ID, domain.JobCancelled, "cancelled by admin"); err != nil {
		jobLog.Error().Err(err).Msg("failed to transition job to CANCELLED")
	}
	_ = d.Ack()
}

func (w *Worker) notifyAdmins(ctx context.Context, text string) {
	for _, id := range w.Admins {
		if err := w.Inline.SendAck(ctx, id, text); err != nil {
			w.Log.Warn().Err(err).Int64("admin_id", id).Msg("failed to notify admin")
		}
	}
}

