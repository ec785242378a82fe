package domain

import "time"

// JobState is a node in the state graph described by invariant I6.
type JobState string

const (
	JobPending    JobState = "PENDING"
	JobProcessing JobState = "PROCESSING"
	JobCompleted  JobState = "COMPLETED"
	JobFailed     JobState = "FAILED"
	JobCancelled  JobState = "CANCELLED"
)

// terminal reports whether a state accepts no further transitions except an
// explicit admin retry (FAILED, CANCELLED -> PENDING).
func (s JobState) terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransition reports whether moving from s to next is legal under I6.
func (s JobState) CanTransition(next JobState) bool {
	switch s {
	case JobPending:
		// PENDING -> FAILED marks a row whose broker publish failed after insert.
		return next == JobProcessing || next == JobCancelled || next == JobFailed
	case JobProcessing:
		return next == JobCompleted || next == JobFailed || next == JobCancelled
	case JobFailed, JobCancelled:
		return next == JobPending
	case JobCompleted:
		return false
	default:
		return false
	}
}

// FileInfo describes the oversize file a Job must fetch via the user-protocol transport.
type FileInfo struct {
	FileID       string
	FileUniqueID string
	FileSize     int64
	FileType     MediaKind
	FileName     string
	MIMEType     string
}

// TelegramContext is the snapshot of message context a Job needs to reproduce
// the same message.json an inline commit would have produced (law L1).
type TelegramContext struct {
	ForwardOrigin *ForwardOrigin
	Caption       string
	CaptionSpans  []EntitySpan
	Entities      []EntitySpan
	MediaGroupID  string
	ChatTitle     string
	ChatUsername  string
	SenderID      int64
	SenderUsername string
}

// JobMetadata is the administrative envelope of a Job.
type JobMetadata struct {
	CreatedAt  time.Time
	Priority   int
	RetryCount int
	MaxRetries int
}

// Job is a durable work item for oversize media (C7's local row and the
// message published to the broker share this shape, per §6).
type Job struct {
	ID          string
	UserID      int64
	ChatID      int64
	MessageID   int64
	File        FileInfo
	TGContext   TelegramContext
	Metadata    JobMetadata
	State       JobState
	LastError   string
	UpdatedAt   time.Time
	CancelAsked bool
}

// ErrKind enumerates the error taxonomy of spec §7. It is attached to
// IngestError and also used directly as a Prometheus label value.
type ErrKind string

const (
	ErrUnauthorizedCurator ErrKind = "unauthorized_curator"
	ErrGroupChatIgnored    ErrKind = "group_chat_ignored"
	ErrQuotaFull           ErrKind = "quota_full"

	ErrOversizeConfigured ErrKind = "oversize_configured"
	ErrUnsupportedKind    ErrKind = "unsupported_kind"
	ErrMissingMedia       ErrKind = "missing_media"

	ErrFetchTransient ErrKind = "fetch_transient"
	ErrFetchPermanent ErrKind = "fetch_permanent"
	ErrFetchTooBig    ErrKind = "fetch_too_big"

	ErrUploadTransient    ErrKind = "upload_transient"
	ErrUploadPermanent    ErrKind = "upload_permanent"
	ErrQuotaExceededAtPut ErrKind = "quota_exceeded_at_put"

	ErrDedupConflict   ErrKind = "dedup_conflict"
	ErrDedupUnavailable ErrKind = "dedup_unavailable"

	ErrMetadataWriteFailed ErrKind = "metadata_write_failed"

	ErrEnqueueFailed ErrKind = "enqueue_failed"
	ErrPayloadInvalid ErrKind = "payload_invalid"
	ErrUnknownJob     ErrKind = "unknown_job"

	ErrAuthRequired          ErrKind = "auth_required"
	ErrSessionInvalid        ErrKind = "session_invalid"
	ErrCancellationRequested ErrKind = "cancellation_requested"
)

// IngestError carries a taxonomy kind alongside the usual wrapped error, so
// callers can both log a human message and increment a metric labelled by kind.
type IngestError struct {
	Kind ErrKind
	Err  error
}

func (e *IngestError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *IngestError) Unwrap() error { return e.Err }

// NewIngestError wraps err with kind; err may be nil for kinds that carry no cause.
func NewIngestError(kind ErrKind, err error) *IngestError {
	return &IngestError{Kind: kind, Err: err}
}
