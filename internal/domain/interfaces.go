package domain

import (
	"context"
	"io"
	"time"
)

// ObjectStore is the keyed blob store contract (C1). Every implementation
// must enforce a private ACL on Put and never buffer a whole payload in memory.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Head(ctx context.Context, key string) (ObjectInfo, error)
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	ListPrefix(ctx context.Context, prefix string) ([]string, error)
	BucketUsageBytes(ctx context.Context) (int64, error)
	BucketQuotaBytes(ctx context.Context) (int64, bool)
	UsedRatio(ctx context.Context) (float64, bool)
}

// ObjectInfo is the result of a Head call.
type ObjectInfo struct {
	Key         string
	SizeBytes   int64
	ContentType string
	ETag        string
}

// DedupIndex is the persistent, single-writer content-addressed index (C2).
type DedupIndex interface {
	LookupByUniqueID(ctx context.Context, uniqueID string) (sha256 string, ok bool, err error)
	LookupByHash(ctx context.Context, sha256 string) (key string, ok bool, err error)
	Register(ctx context.Context, rec DedupRecord, uniqueID string) (registeredKey string, conflict bool, err error)
	RecordMessage(ctx context.Context, chatID, messageID int64, groupID string) error
	Vacuum(ctx context.Context) error
}

// Queue is the durable FIFO contract for oversize jobs (C7/C8).
type Queue interface {
	Publish(ctx context.Context, job Job) error
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}

// Delivery is one message handed to a queue consumer; Ack/Nack/Reject map
// onto the broker's manual-ack semantics described in spec §4.7/§4.8.
type Delivery struct {
	Job    Job
	Ack    func() error
	Nack   func(requeue bool) error
	Reject func(toDLX bool) error
}

// JobStore is the local table of job rows (C7); the source of truth for UI
// and admin commands per invariant I5.
type JobStore interface {
	Insert(ctx context.Context, job Job) error
	Get(ctx context.Context, jobID string) (Job, bool, error)
	ListRecent(ctx context.Context, limit int) ([]Job, error)
	UpdateState(ctx context.Context, jobID string, next JobState, lastError string) error
	RequestCancellation(ctx context.Context, jobID string) error
	IsCancellationRequested(ctx context.Context, jobID string) (bool, error)
}

// InlineFile is a fetchable handle returned by the bot-protocol transport's
// probe/fetch calls.
type InlineFile struct {
	SizeBytes int64
	MIME      string
	Stream    io.ReadCloser
}

// InlineTransport is the bot-protocol surface used by the inline ingestion
// path (C5) and the size router's probe step (C6).
type InlineTransport interface {
	// Probe performs a cheap, idempotent metadata-only check of whether a
	// file handle is fetchable at all through the bot API.
	Probe(ctx context.Context, fileID string) (fetchable bool, sizeBytes int64, err error)
	Fetch(ctx context.Context, fileID string) (InlineFile, error)
	SendAck(ctx context.Context, chatID int64, text string) error
}

// UserTransport is the user-protocol (MTProto) surface used by the queue
// worker (C8) to fetch media above the inline limit.
type UserTransport interface {
	Authenticated(ctx context.Context) (bool, error)
	Fetch(ctx context.Context, fileID string, sizeHint int64) (io.ReadCloser, error)
	Notify(ctx context.Context, chatID int64, text string) error
}

// QuotaGate gates admission based on bucket usage ratio (C9).
type QuotaGate interface {
	State(ctx context.Context) QuotaState
	Refresh(ctx context.Context) (float64, bool, error)
}

// TTLCache is the small cross-process cache contract the quota gate uses to
// avoid hammering the object store's usage endpoint; implemented over Redis
// per SPEC_FULL.md's domain stack.
type TTLCache interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// MetadataWriter persists the message.json artifact (the commit point of §4.5 step 5).
type MetadataWriter interface {
	WriteMetadata(ctx context.Context, prefix string, doc MessageMetadata) error
}
