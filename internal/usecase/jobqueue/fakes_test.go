package jobqueue

import (
	"context"
	"sync"

	"github.com/cptnfren/teltubby/internal/domain"
)

// fakeStore is an in-memory domain.JobStore.
type fakeStore struct {
	mu   sync.Mutex
	rows map[string]domain.Job
}

var _ domain.JobStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore { return &fakeStore{rows: make(map[string]domain.Job)} }

func (f *fakeStore) Insert(ctx context.Context, job domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[job.ID] = job
	return nil
}
func (f *fakeStore) Get(ctx context.Context, jobID string) (domain.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[jobID]
	return j, ok, nil
}
func (f *fakeStore) ListRecent(ctx context.Context, limit int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Job, 0, len(f.rows))
	for _, j := range f.rows {
		out = append(out, j)
	}
	return out, nil
}
func (f *fakeStore) UpdateState(ctx context.Context, jobID string, next domain.JobState, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[jobID]
	if !ok {
		return domain.NewIngestError(domain.ErrUnknownJob, nil)
	}
	if !j.State.CanTransition(next) {
		return domain.NewIngestError(domain.ErrPayloadInvalid, nil)
	}
	j.State = next
	j.LastError = lastError
	f.rows[jobID] = j
	return nil
}
func (f *fakeStore) RequestCancellation(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[jobID]
	if !ok {
		return domain.NewIngestError(domain.ErrUnknownJob, nil)
	}
	j.CancelAsked = true
	f.rows[jobID] = j
	return nil
}
func (f *fakeStore) IsCancellationRequested(ctx context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[jobID]
	if !ok {
		return false, domain.NewIngestError(domain.ErrUnknownJob, nil)
	}
	return j.CancelAsked, nil
}

// fakeQueue is an in-memory domain.Queue; Publish just records jobs.
type fakeQueue struct {
	mu        sync.Mutex
	published []domain.Job
	publishErr error
}

var _ domain.Queue = (*fakeQueue)(nil)

func newFakeQueue() *fakeQueue { return &fakeQueue{} }

func (q *fakeQueue) Publish(ctx context.Context, job domain.Job) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, job)
	return nil
}
func (q *fakeQueue) Consume(ctx context.Context) (<-chan domain.Delivery, error) {
	ch := make(chan domain.Delivery)
	close(ch)
	return ch, nil
}
func (q *fakeQueue) Close() error { return nil }
