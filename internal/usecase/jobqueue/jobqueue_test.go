package jobqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/cptnfren/teltubby/internal/domain"
)

func TestEnqueueInsertsAndPublishes(t *testing.T) {
	store := newFakeStore()
	queue := newFakeQueue()
	m := New(store, queue, 0, zerolog.Nop())

	id, err := m.Enqueue(context.Background(), domain.Job{ChatID: 1, MessageID: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a generated job id")
	}
	row, ok, _ := store.Get(context.Background(), id)
	if !ok || row.State != domain.JobPending {
		t.Fatalf("expected a PENDING row, got %+v ok=%v", row, ok)
	}
	if len(queue.published) != 1 {
		t.Fatalf("expected one published job, got %d", len(queue.published))
	}
	if row.Metadata.MaxRetries != defaultMaxRetries {
		t.Fatalf("expected default max retries %d, got %d", defaultMaxRetries, row.Metadata.MaxRetries)
	}
}

func TestEnqueuePublishFailureMarksRowFailed(t *testing.T) {
	store := newFakeStore()
	queue := newFakeQueue()
	queue.publishErr = errors.New("broker unavailable")
	m := New(store, queue, 0, zerolog.Nop())

	id, err := m.Enqueue(context.Background(), domain.Job{ChatID: 1, MessageID: 2})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if id != "" {
		t.Fatalf("expected no job id on failure, got %q", id)
	}
	// the row was inserted before publish was attempted; find it to confirm
	// it was marked FAILED rather than left dangling PENDING.
	rows, _ := store.ListRecent(context.Background(), 10)
	if len(rows) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(rows))
	}
	if rows[0].State != domain.JobFailed {
		t.Fatalf("expected FAILED state after publish failure, got %s", rows[0].State)
	}
}

func TestRetryRequeuesFailedJob(t *testing.T) {
	store := newFakeStore()
	queue := newFakeQueue()
	m := New(store, queue, 0, zerolog.Nop())

	job := domain.Job{ID: "j1", State: domain.JobFailed}
	_ = store.Insert(context.Background(), job)

	if err := m.Retry(context.Background(), "j1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	row, _, _ := store.Get(context.Background(), "j1")
	if row.State != domain.JobPending {
		t.Fatalf("expected PENDING after retry, got %s", row.State)
	}
	if len(queue.published) != 1 {
		t.Fatalf("expected republish, got %d publishes", len(queue.published))
	}
}

func TestRetryRejectsIllegalTransition(t *testing.T) {
	store := newFakeStore()
	queue := newFakeQueue()
	m := New(store, queue, 0, zerolog.Nop())

	job := domain.Job{ID: "j1", State: domain.JobCompleted}
	_ = store.Insert(context.Background(), job)

	if err := m.Retry(context.Background(), "j1"); err == nil {
		t.Fatalf("expected an error retrying a COMPLETED job")
	}
}

func TestCancelPendingJob(t *testing.T) {
	store := newFakeStore()
	m := New(store, newFakeQueue(), 0, zerolog.Nop())
	_ = store.Insert(context.Background(), domain.Job{ID: "j1", State: domain.JobPending})

	if err := m.Cancel(context.Background(), "j1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	row, _, _ := store.Get(context.Background(), "j1")
	if row.State != domain.JobCancelled {
		t.Fatalf("expected CANCELLED, got %s", row.State)
	}
}

func TestCancelProcessingJobRequestsCooperativeCancellation(t *testing.T) {
	store := newFakeStore()
	m := New(store, newFakeQueue(), 0, zerolog.Nop())
	_ = store.Insert(context.Background(), domain.Job{ID: "j1", State: domain.JobProcessing})

	if err := m.Cancel(context.Background(), "j1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	row, _, _ := store.Get(context.Background(), "j1")
	if row.State != domain.JobProcessing {
		t.Fatalf("expected state to remain PROCESSING until the worker observes cancellation, got %s", row.State)
	}
	asked, _ := store.IsCancellationRequested(context.Background(), "j1")
	if !asked {
		t.Fatalf("expected cancellation to be flagged")
	}
}

func TestCancelCompletedJobFails(t *testing.T) {
	store := newFakeStore()
	m := New(store, newFakeQueue(), 0, zerolog.Nop())
	_ = store.Insert(context.Background(), domain.Job{ID: "j1", State: domain.JobCompleted})

	if err := m.Cancel(context.Background(), "j1"); err == nil {
		t.Fatalf("expected an error cancelling a COMPLETED job")
	}
}

func TestRetryUnknownJobReturnsErrUnknownJob(t *testing.T) {
	m := New(newFakeStore(), newFakeQueue(), 0, zerolog.Nop())
	if err := m.Retry(context.Background(), "missing"); err == nil {
		t.Fatalf("expected an error for an unknown job")
	} else if kind, ok := domain.KindOf(err); !ok || kind != domain.ErrUnknownJob {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}
