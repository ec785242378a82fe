package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cptnfren/teltubby/internal/domain"
	"github.com/cptnfren/teltubby/internal/infra/metrics"
)

// JobStore implements domain.JobStore over a local Postgres table; it is
// the source of truth I5 requires for every enqueued job.
type JobStore struct {
	pg *Postgres
}

var _ domain.JobStore = (*JobStore)(nil)

// NewJobStore adapts pg to domain.JobStore.
func NewJobStore(pg *Postgres) *JobStore {
	return &JobStore{pg: pg}
}

type jobRow struct {
	ID          string
	UserID      int64
	ChatID      int64
	MessageID   int64
	FileJSON    []byte
	ContextJSON []byte
	MetaJSON    []byte
	State       string
	LastError   string
	UpdatedAt   time.Time
	CancelAsked bool
}

// Insert creates a job's local row in PENDING, storing the exact payload
// that will be (or was) published so a retry can reconstruct identical work.
func (s *JobStore) Insert(ctx context.Context, job domain.Job) error {
	ctx, cancel := s.pg.connCtxWithParent(ctx)
	defer cancel()

	fileJSON, err := json.Marshal(job.File)
	if err != nil {
		return fmt.Errorf("marshal file_info: %w", err)
	}
	ctxJSON, err := json.Marshal(job.TGContext)
	if err != nil {
		return fmt.Errorf("marshal telegram_context: %w", err)
	}
	metaJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal job_metadata: %w", err)
	}

	start := time.Now()
	_, err = s.pg.pool.Exec(ctx, `
INSERT INTO jobs (job_id, user_id, chat_id, message_id, file_info, telegram_context, job_metadata, state, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
`, job.ID, job.UserID, job.ChatID, job.MessageID, fileJSON, ctxJSON, metaJSON, string(job.State))
	metrics.ObserveNetworkRequest("postgres", "jobs_insert", "jobs", start, err)
	if err != nil {
		return err
	}
	metrics.JobsByState.WithLabelValues(string(job.State)).Inc()
	return nil
}

// Get fetches a job row by id.
func (s *JobStore) Get(ctx context.Context, jobID string) (domain.Job, bool, error) {
	ctx, cancel := s.pg.connCtxWithParent(ctx)
	defer cancel()

	var row jobRow
	start := time.Now()
	err := s.pg.pool.QueryRow(ctx, `
SELECT job_id, user_id, chat_id, message_id, file_info, telegram_context, job_metadata, state, coalesce(last_error,''), updated_at, cancel_requested
FROM jobs WHERE job_id = $1
`, jobID).Scan(&row.ID, &row.UserID, &row.ChatID, &row.MessageID, &row.FileJSON, &row.ContextJSON, &row.MetaJSON, &row.State, &row.LastError, &row.UpdatedAt, &row.CancelAsked)
	metrics.ObserveNetworkRequest("postgres", "jobs_get", "jobs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	job, err := rowToJob(row)
	return job, true, err
}

// ListRecent returns the most recently updated jobs, for admin reads.
func (s *JobStore) ListRecent(ctx context.Context, limit int) ([]domain.Job, error) {
	ctx, cancel := s.pg.connCtxWithParent(ctx)
	defer cancel()
	if limit <= 0 {
		limit = 20
	}

	start := time.Now()
	rows, err := s.pg.pool.Query(ctx, `
SELECT job_id, user_id, chat_id, message_id, file_info, telegram_context, job_metadata, state, coalesce(last_error,''), updated_at, cancel_requested
FROM jobs ORDER BY updated_at DESC LIMIT $1
`, limit)
	metrics.ObserveNetworkRequest("postgres", "jobs_list_recent", "jobs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var row jobRow
		if err := rows.Scan(&row.ID, &row.UserID, &row.ChatID, &row.MessageID, &row.FileJSON, &row.ContextJSON, &row.MetaJSON, &row.State, &row.LastError, &row.UpdatedAt, &row.CancelAsked); err != nil {
			return nil, err
		}
		job, err := rowToJob(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateState transitions a job's state, enforcing invariant I6 at the row
// level via a guarded UPDATE (the WHERE clause only matches legal sources).
func (s *JobStore) UpdateState(ctx context.Context, jobID string, next domain.JobState, lastError string) error {
	ctx, cancel := s.pg.connCtxWithParent(ctx)
	defer cancel()

	current, ok, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewIngestError(domain.ErrUnknownJob, nil)
	}
	if !current.State.CanTransition(next) {
		return fmt.Errorf("illegal job transition %s -> %s for job %s", current.State, next, jobID)
	}

	start := time.Now()
	_, err = s.pg.pool.Exec(ctx, `
UPDATE jobs SET state = $1, last_error = NULLIF($2,''), updated_at = now() WHERE job_id = $3 AND state = $4
`, string(next), lastError, jobID, string(current.State))
	metrics.ObserveNetworkRequest("postgres", "jobs_update_state", "jobs", start, err)
	if err != nil {
		return err
	}
	metrics.JobsByState.WithLabelValues(string(next)).Inc()
	return nil
}

// RequestCancellation sets the advisory cancel flag a worker checks
// cooperatively at coarse checkpoints (§4.8 cancellation).
func (s *JobStore) RequestCancellation(ctx context.Context, jobID string) error {
	ctx, cancel := s.pg.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := s.pg.pool.Exec(ctx, `UPDATE jobs SET cancel_requested = true WHERE job_id = $1`, jobID)
	metrics.ObserveNetworkRequest("postgres", "jobs_request_cancel", "jobs", start, err)
	return err
}

// IsCancellationRequested reports the advisory cancel flag's current value.
func (s *JobStore) IsCancellationRequested(ctx context.Context, jobID string) (bool, error) {
	ctx, cancel := s.pg.connCtxWithParent(ctx)
	defer cancel()

	var asked bool
	start := time.Now()
	err := s.pg.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE job_id = $1`, jobID).Scan(&asked)
	metrics.ObserveNetworkRequest("postgres", "jobs_check_cancel", "jobs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, domain.NewIngestError(domain.ErrUnknownJob, nil)
	}
	return asked, err
}

func rowToJob(row jobRow) (domain.Job, error) {
	var file domain.FileInfo
	if err := json.Unmarshal(row.FileJSON, &file); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal file_info: %w", err)
	}
	var tgCtx domain.TelegramContext
	if err := json.Unmarshal(row.ContextJSON, &tgCtx); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal telegram_context: %w", err)
	}
	var meta domain.JobMetadata
	if err := json.Unmarshal(row.MetaJSON, &meta); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job_metadata: %w", err)
	}
	return domain.Job{
		ID:          row.ID,
		UserID:      row.UserID,
		ChatID:      row.ChatID,
		MessageID:   row.MessageID,
		File:        file,
		TGContext:   tgCtx,
		Metadata:    meta,
		State:       domain.JobState(row.State),
		LastError:   row.LastError,
		UpdatedAt:   row.UpdatedAt,
		CancelAsked: row.CancelAsked,
	}, nil
}
