package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cptnfren/teltubby/internal/domain"
	"github.com/cptnfren/teltubby/internal/infra/metrics"
)

// DedupIndex implements domain.DedupIndex over the three tables described
// in spec §4.2 (files, tg_map, messages), grounded on the same
// insert-or-ignore + ON CONFLICT discipline the teacher uses for its
// referral-code upsert.
type DedupIndex struct {
	pg *Postgres
}

var _ domain.DedupIndex = (*DedupIndex)(nil)

// NewDedupIndex adapts pg to domain.DedupIndex.
func NewDedupIndex(pg *Postgres) *DedupIndex {
	return &DedupIndex{pg: pg}
}

// LookupByUniqueID is the fast path: no download needed on a hit.
func (d *DedupIndex) LookupByUniqueID(ctx context.Context, uniqueID string) (string, bool, error) {
	ctx, cancel := d.pg.connCtxWithParent(ctx)
	defer cancel()

	var sha string
	start := time.Now()
	err := d.pg.pool.QueryRow(ctx, `
SELECT f.sha256 FROM tg_map t JOIN files f ON f.sha256 = t.sha256 WHERE t.unique_id = $1
`, uniqueID).Scan(&sha)
	metrics.ObserveNetworkRequest("postgres", "dedup_lookup_unique_id", "tg_map", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, domain.NewIngestError(domain.ErrDedupUnavailable, err)
	}
	return sha, true, nil
}

// LookupByHash is the authoritative slow path.
func (d *DedupIndex) LookupByHash(ctx context.Context, sha256 string) (string, bool, error) {
	ctx, cancel := d.pg.connCtxWithParent(ctx)
	defer cancel()

	var key string
	start := time.Now()
	err := d.pg.pool.QueryRow(ctx, `SELECT s3_key FROM files WHERE sha256 = $1`, sha256).Scan(&key)
	metrics.ObserveNetworkRequest("postgres", "dedup_lookup_hash", "files", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, domain.NewIngestError(domain.ErrDedupUnavailable, err)
	}
	return key, true, nil
}

// Register atomically inserts rec and, if uniqueID is non-empty, its
// tg_map row. If sha256 already exists under a different key, the request
// is rejected with a conflict and the caller must treat the existing key
// as canonical (§4.2).
func (d *DedupIndex) Register(ctx context.Context, rec domain.DedupRecord, uniqueID string) (string, bool, error) {
	ctx, cancel := d.pg.connCtxWithParent(ctx)
	defer cancel()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	tx, err := d.pg.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "dedup_begin_tx", "files", start, err)
	if err != nil {
		return "", false, domain.NewIngestError(domain.ErrDedupUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existingKey string
	start = time.Now()
	err = tx.QueryRow(ctx, `SELECT s3_key FROM files WHERE sha256 = $1`, rec.SHA256).Scan(&existingKey)
	metrics.ObserveNetworkRequest("postgres", "dedup_check_existing", "files", start, err)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		start = time.Now()
		_, err = tx.Exec(ctx, `
INSERT INTO files (sha256, s3_key, size, mime, created_at) VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (sha256) DO NOTHING
`, rec.SHA256, rec.S3Key, rec.SizeBytes, rec.MIME, rec.CreatedAt)
		metrics.ObserveNetworkRequest("postgres", "dedup_insert_file", "files", start, err)
		if err != nil {
			return "", false, registerErr(err)
		}
	case err != nil:
		return "", false, domain.NewIngestError(domain.ErrDedupUnavailable, err)
	case existingKey != rec.S3Key:
		return existingKey, true, domain.NewIngestError(domain.ErrDedupConflict, nil)
	}

	if uniqueID != "" {
		start = time.Now()
		_, err = tx.Exec(ctx, `
INSERT INTO tg_map (unique_id, sha256) VALUES ($1,$2)
ON CONFLICT (unique_id) DO NOTHING
`, uniqueID, rec.SHA256)
		metrics.ObserveNetworkRequest("postgres", "dedup_insert_tg_map", "tg_map", start, err)
		if err != nil {
			return "", false, domain.NewIngestError(domain.ErrDedupUnavailable, err)
		}
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "dedup_commit", "files", start, err)
	if err != nil {
		return "", false, domain.NewIngestError(domain.ErrDedupUnavailable, err)
	}
	return rec.S3Key, false, nil
}

func registerErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.NewIngestError(domain.ErrDedupConflict, err)
	}
	return domain.NewIngestError(domain.ErrDedupUnavailable, err)
}

// RecordMessage is an idempotent audit record of which (chat, message)
// produced (or referenced) a media group.
func (d *DedupIndex) RecordMessage(ctx context.Context, chatID, messageID int64, groupID string) error {
	ctx, cancel := d.pg.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := d.pg.pool.Exec(ctx, `
INSERT INTO messages (message_id, chat_id, media_group_id, created_at)
VALUES ($1,$2,NULLIF($3,''),now())
ON CONFLICT (message_id, chat_id) DO NOTHING
`, messageID, chatID, groupID)
	metrics.ObserveNetworkRequest("postgres", "dedup_record_message", "messages", start, err)
	if err != nil {
		return domain.NewIngestError(domain.ErrDedupUnavailable, err)
	}
	return nil
}

// Vacuum runs administrative compaction (db_maint admin command).
func (d *DedupIndex) Vacuum(ctx context.Context) error {
	ctx, cancel := d.pg.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := d.pg.pool.Exec(ctx, `VACUUM files, tg_map, messages`)
	metrics.ObserveNetworkRequest("postgres", "dedup_vacuum", "files", start, err)
	if err != nil {
		return domain.NewIngestError(domain.ErrDedupUnavailable, err)
	}
	return nil
}
