package worker

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/cptnfren/teltubby/internal/domain"
)

// fakeStore is an in-memory domain.JobStore.
type fakeStore struct {
	mu           sync.Mutex
	rows         map[string]domain.Job
	cancelAsked  map[string]bool
}

var _ domain.JobStore = (*fakeStore)(nil)

func newFakeStore(rows ...domain.Job) *fakeStore {
	s := &fakeStore{rows: make(map[string]domain.Job), cancelAsked: make(map[string]bool)}
	for _, r := range rows {
		s.rows[r.ID] = r
	}
	return s
}

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
func (f *fakeStore) ListRecent(ctx context.Context, limit int) ([]domain.Job, error) { return nil, nil }
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
	f.cancelAsked[jobID] = true
	return nil
}
func (f *fakeStore) IsCancellationRequested(ctx context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelAsked[jobID], nil
}
func (f *fakeStore) state(jobID string) domain.JobState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[jobID].State
}
func (f *fakeStore) lastError(jobID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[jobID].LastError
}

// fakeTransport is an in-memory domain.UserTransport.
type fakeTransport struct {
	authed  bool
	authErr error
	payload string
	fetchErr error
}

var _ domain.UserTransport = (*fakeTransport)(nil)

func (t *fakeTransport) Authenticated(ctx context.Context) (bool, error) { return t.authed, t.authErr }
func (t *fakeTransport) Fetch(ctx context.Context, fileID string, sizeHint int64) (io.ReadCloser, error) {
	if t.fetchErr != nil {
		return nil, t.fetchErr
	}
	return io.NopCloser(strings.NewReader(t.payload)), nil
}
func (t *fakeTransport) Notify(ctx context.Context, chatID int64, text string) error { return nil }

// fakeInline is an in-memory domain.InlineTransport used only for SendAck.
type fakeInline struct {
	mu   sync.Mutex
	sent []string
}

var _ domain.InlineTransport = (*fakeInline)(nil)

func (f *fakeInline) Probe(ctx context.Context, fileID string) (bool, int64, error) { return true, 0, nil }
func (f *fakeInline) Fetch(ctx context.Context, fileID string) (domain.InlineFile, error) {
	return domain.InlineFile{}, nil
}
func (f *fakeInline) SendAck(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

// objStoreStub is a minimal in-memory domain.ObjectStore for resolver wiring.
type objStoreStub struct {
	mu      sync.Mutex
	objects map[string][]byte
}

var _ domain.ObjectStore = (*objStoreStub)(nil)

func newObjStoreStub() *objStoreStub { return &objStoreStub{objects: make(map[string][]byte)} }

func (s *objStoreStub) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}
func (s *objStoreStub) Head(ctx context.Context, key string) (domain.ObjectInfo, error) {
	return domain.ObjectInfo{}, domain.NewIngestError(domain.ErrDedupUnavailable, nil)
}
func (s *objStoreStub) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return io.NopCloser(strings.NewReader(string(s.objects[key]))), nil
}
func (s *objStoreStub) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}
func (s *objStoreStub) ListPrefix(ctx context.Context, prefix string) ([]string, error) { return nil, nil }
func (s *objStoreStub) BucketUsageBytes(ctx context.Context) (int64, error)             { return 0, nil }
func (s *objStoreStub) BucketQuotaBytes(ctx context.Context) (int64, bool)              { return 0, false }
func (s *objStoreStub) UsedRatio(ctx context.Context) (float64, bool)                   { return 0, false }

// fakeQuota is an in-memory domain.QuotaGate reporting a fixed state.
type fakeQuota struct {
	state domain.QuotaState
}

var _ domain.QuotaGate = (*fakeQuota)(nil)

func (q *fakeQuota) State(ctx context.Context) domain.QuotaState { return q.state }
func (q *fakeQuota) Refresh(ctx context.Context) (float64, bool, error) {
	return 0, false, nil
}

// dedupStub is a no-op domain.DedupIndex: every item resolves fresh.
type dedupStub struct{}

var _ domain.DedupIndex = dedupStub{}

func newDedupStub() dedupStub { return dedupStub{} }

func (dedupStub) LookupByUniqueID(ctx context.Context, uniqueID string) (string, bool, error) {
	return "", false, nil
}
func (dedupStub) LookupByHash(ctx context.Context, sha256 string) (string, bool, error) {
	return "", false, nil
}
func (dedupStub) Register(ctx context.Context, rec domain.DedupRecord, uniqueID string) (string, bool, error) {
	return rec.S3Key, false, nil
}
func (dedupStub) RecordMessage(ctx context.Context, chatID, messageID int64, groupID string) error {
	return nil
}
func (dedupStub) Vacuum(ctx context.Context) error { return nil }

// testDelivery builds a domain.Delivery recording which terminal action fired.
type testDelivery struct {
	job            domain.Job
	acked          bool
	nacked         *bool
	rejected       *bool
}

func newTestDelivery(job domain.Job) (domain.Delivery, *testDelivery) {
	td := &testDelivery{job: job}
	d := domain.Delivery{
		Job: job,
		Ack: func() error { td.acked = true; return nil },
		Nack: func(requeue bool) error { td.nacked = &requeue; return nil },
		Reject: func(toDLX bool) error { td.rejected = &toDLX; return nil },
	}
	return d, td
}
