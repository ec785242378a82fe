package domain

import "time"

// MediaKind enumerates the item types an archive unit can carry.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaAudio     MediaKind = "audio"
	MediaVoice     MediaKind = "voice"
	MediaAnimation MediaKind = "animation"
	MediaVideoNote MediaKind = "video_note"
	MediaSticker   MediaKind = "sticker"
	MediaOther     MediaKind = "other"
)

// DedupReason names why an item was treated as a duplicate instead of stored fresh.
type DedupReason string

const (
	DedupNone     DedupReason = ""
	DedupUniqueID DedupReason = "unique_id"
	DedupSHA256   DedupReason = "sha256"
)

// EntitySpan is a caption formatting span (bold, link, mention, ...).
type EntitySpan struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	URL    string `json:"url,omitempty"`
}

// ForwardOrigin is an opaque snapshot of where a forwarded message came from.
type ForwardOrigin struct {
	ChatID    int64  `json:"chat_id,omitempty"`
	ChatTitle string `json:"chat_title,omitempty"`
	Username  string `json:"username,omitempty"`
	SenderID  int64  `json:"sender_id,omitempty"`
	Date      int64  `json:"date,omitempty"`
	Hidden    bool   `json:"hidden,omitempty"`
}

// Curator identifies the trusted user who submitted a message unit.
type Curator struct {
	UserID   int64
	Username string
}

// Item is one binary payload within a MessageUnit, as received from the transport.
type Item struct {
	Ordinal          int
	Kind             MediaKind
	DeclaredMIME     string
	DeclaredSize     int64
	Width            int
	Height           int
	DurationSeconds  int
	FileID           string
	FileUniqueID     string
	OriginalFilename string
	ArrivalSeq       int64
}

// MessageUnit is the atomic archival object: one message, or one album,
// before ingestion has resolved its items into stored or duplicate keys.
type MessageUnit struct {
	ChatID        int64
	MessageID     int64
	MediaGroupID  string
	Curator       Curator
	Timestamp     time.Time
	CaptionPlain  string
	CaptionSpans  []EntitySpan
	Entities      []EntitySpan
	ForwardOrigin *ForwardOrigin
	ChatTitle     string
	ChatUsername  string
	Items         []Item
	Notes         string
}

// HasMedia reports whether the unit carries at least one item.
func (u MessageUnit) HasMedia() bool {
	return len(u.Items) > 0
}

// ItemOutcome records the post-commit state of one item within an archive unit.
type ItemOutcome struct {
	Ordinal          int
	Kind             MediaKind
	MIME             string
	SizeBytes        int64
	Width            int
	Height           int
	Duration         int
	FileID           string
	FileUniqueID     string
	Filename         string
	OriginalFilename string
	SHA256           string
	S3Key            string
	DuplicateOf      string
	DedupReason      DedupReason
	SkipReason       string
	Failed           bool
	FailReason       string
}

// ArchiveUnit is a MessageUnit after the ingestion pipeline has resolved every item.
type ArchiveUnit struct {
	Unit            MessageUnit
	Prefix          string
	Items           []ItemOutcome
	TotalBytes      int64
	DuplicateOfUnit string
	DedupReason     DedupReason
	Notes           string
	MetadataWritten bool
	ArchivedAt      time.Time
}

// Keys returns the non-duplicate S3 keys belonging to this unit, in ordinal order.
func (a ArchiveUnit) Keys() []string {
	keys := make([]string, 0, len(a.Items))
	for _, it := range a.Items {
		if it.S3Key != "" {
			keys = append(keys, it.S3Key)
		}
	}
	return keys
}

// DedupRecord is the canonical mapping from content hash to stored key (table `files`).
type DedupRecord struct {
	SHA256    string
	S3Key     string
	SizeBytes int64
	MIME      string
	CreatedAt time.Time
}

// RouteDecision is the size router's verdict for one item.
type RouteDecision string

const (
	RouteInline RouteDecision = "inline"
	RouteQueue  RouteDecision = "queue"
)

// QuotaState is the admission-control state of the quota gate (C9).
type QuotaState string

const (
	QuotaOpen   QuotaState = "open"
	QuotaClosed QuotaState = "closed"
)

// MetadataItem is one entry of message.json's telegram.items array (§6).
type MetadataItem struct {
	Ordinal          int    `json:"ordinal"`
	Type             string `json:"type"`
	MIMEType         string `json:"mime_type,omitempty"`
	SizeBytes        int64  `json:"size_bytes,omitempty"`
	Width            int    `json:"width,omitempty"`
	Height           int    `json:"height,omitempty"`
	Duration         int    `json:"duration,omitempty"`
	FileID           string `json:"file_id"`
	FileUniqueID     string `json:"file_unique_id"`
	OriginalFilename string `json:"original_filename,omitempty"`
	SHA256           string `json:"sha256"`
	S3Key            string `json:"s3_key"`
	DuplicateOf      string `json:"duplicate_of,omitempty"`
	DedupReason      string `json:"dedup_reason,omitempty"`
}

// MetadataTelegram is the `telegram` object of message.json (§6).
type MetadataTelegram struct {
	MessageID      int64          `json:"message_id"`
	MediaGroupID   string         `json:"media_group_id,omitempty"`
	ChatID         int64          `json:"chat_id"`
	ChatTitle      string         `json:"chat_title,omitempty"`
	ChatUsername   string         `json:"chat_username,omitempty"`
	SenderID       int64          `json:"sender_id"`
	SenderUsername string         `json:"sender_username,omitempty"`
	ForwardOrigin  *ForwardOrigin `json:"forward_origin,omitempty"`
	CaptionPlain   string         `json:"caption_plain,omitempty"`
	CaptionSpans   []EntitySpan   `json:"caption_entities"`
	Entities       []EntitySpan   `json:"entities"`
	Items          []MetadataItem `json:"items"`
}

// MessageMetadata is the message.json artifact written at the commit point
// of the ingestion pipeline (§4.5 step 5) and the queue worker (§4.8 step 9).
// Field order and naming are bit-exact with spec §6's schema v1.0.
type MessageMetadata struct {
	SchemaVersion        string            `json:"schema_version"`
	ArchiveTimestampUTC  string            `json:"archive_timestamp_utc"`
	MessageTimestampUTC  string            `json:"message_timestamp_utc"`
	Bucket               string            `json:"bucket"`
	BasePath             string            `json:"base_path"`
	FilesCount           int               `json:"files_count"`
	TotalBytesUploaded   int64             `json:"total_bytes_uploaded"`
	Keys                 []string          `json:"keys"`
	DuplicateOf          *string           `json:"duplicate_of"`
	DedupReason          *string           `json:"dedup_reason"`
	Notes                *string           `json:"notes"`
	Telegram             MetadataTelegram  `json:"telegram"`
}

const MetadataSchemaVersion = "1.0"
