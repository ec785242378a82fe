// Package jobqueue implements the durable job queue manager (C7): it owns
// the local job row's lifecycle and keeps it in sync with the broker,
// grounded on original_source/teltubby/queue/job_manager.py.
package jobqueue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cptnfren/teltubby/internal/domain"
)

const defaultMaxRetries = 5

// Manager wires the local JobStore to the durable broker Queue.
type Manager struct {
	Store      domain.JobStore
	Queue      domain.Queue
	MaxRetries int
	Log        zerolog.Logger
}

// New builds a Manager; maxRetries <= 0 falls back to defaultMaxRetries.
func New(store domain.JobStore, queue domain.Queue, maxRetries int, log zerolog.Logger) *Manager {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Manager{Store: store, Queue: queue, MaxRetries: maxRetries, Log: log}
}

// Enqueue assigns a job id, inserts the PENDING row, then publishes to the
// broker. A publish failure after a successful insert marks the row FAILED
// rather than leaving an orphaned row the worker will never see delivered.
func (m *Manager) Enqueue(ctx context.Context, job domain.Job) (string, error) {
	job.ID = uuid.New().String()
	job.State = domain.JobPending
	if job.Metadata.MaxRetries <= 0 {
		job.Metadata.MaxRetries = m.MaxRetries
	}

	if err := m.Store.Insert(ctx, job); err != nil {
		return "", domain.NewIngestError(domain.ErrEnqueueFailed, err)
	}

	if err := m.Queue.Publish(ctx, job); err != nil {
		if uerr := m.Store.UpdateState(ctx, job.ID, domain.JobFailed, "enqueue_failed: "+err.Error()); uerr != nil {
			m.Log.Error().Err(uerr).Str("job_id", job.ID).Msg("failed to mark job FAILED after publish failure")
		}
		return "", domain.NewIngestError(domain.ErrEnqueueFailed, err)
	}
	return job.ID, nil
}

// Retry moves a FAILED or CANCELLED job back to PENDING and republishes it.
func (m *Manager) Retry(ctx context.Context, jobID string) error {
	job, ok, err := m.Store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewIngestError(domain.ErrUnknownJob, nil)
	}
	if !job.State.CanTransition(domain.JobPending) {
		return fmt.Errorf("job %s in state %s cannot be retried", jobID, job.State)
	}
	if err := m.Store.UpdateState(ctx, jobID, domain.JobPending, ""); err != nil {
		return err
	}
	job.State = domain.JobPending
	if err := m.Queue.Publish(ctx, job); err != nil {
		return domain.NewIngestError(domain.ErrEnqueueFailed, err)
	}
	return nil
}

// Cancel marks jobID CANCELLED if it's still PENDING, or flags a
// cooperative cancellation request if it's already PROCESSING.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	job, ok, err := m.Store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewIngestError(domain.ErrUnknownJob, nil)
	}
	switch job.State {
	case domain.JobPending:
		return m.Store.UpdateState(ctx, jobID, domain.JobCancelled, "cancelled by admin")
	case domain.JobProcessing:
		return m.Store.RequestCancellation(ctx, jobID)
	default:
		return fmt.Errorf("job %s in state %s cannot be cancelled", jobID, job.State)
	}
}

// Get is a thin passthrough for the admin/status surface.
func (m *Manager) Get(ctx context.Context, jobID string) (domain.Job, bool, error) {
	return m.Store.Get(ctx, jobID)
}

// ListRecent is a thin passthrough for the admin/status surface.
func (m *Manager) ListRecent(ctx context.Context, limit int) ([]domain.Job, error) {
	return m.Store.ListRecent(ctx, limit)
}
