package ingest

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cptnfren/teltubby/internal/domain"
	"github.com/cptnfren/teltubby/internal/usecase/router"
)

// fakeQuota implements domain.QuotaGate, fixed to one state for the test.
type fakeQuota struct{ state domain.QuotaState }

func (f fakeQuota) State(ctx context.Context) domain.QuotaState             { return f.state }
func (f fakeQuota) Refresh(ctx context.Context) (float64, bool, error)     { return 0, false, nil }

// fakeInline implements domain.InlineTransport with everything fetchable and
// a fixed small payload, so the router always routes inline unless told
// otherwise via declared size.
type fakeInline struct {
	payload string
}

func (f fakeInline) Probe(ctx context.Context, fileID string) (bool, int64, error) {
	return true, int64(len(f.payload)), nil
}
func (f fakeInline) Fetch(ctx context.Context, fileID string) (domain.InlineFile, error) {
	return domain.InlineFile{SizeBytes: int64(len(f.payload)), Stream: io.NopCloser(strings.NewReader(f.payload))}, nil
}
func (f fakeInline) SendAck(ctx context.Context, chatID int64, text string) error { return nil }

// fakeEnqueuer implements Enqueuer, recording queued jobs.
type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []domain.Job
	err  error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job domain.Job) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	job.ID = "job-1"
	f.jobs = append(f.jobs, job)
	return job.ID, nil
}

func newTestPipeline(maxFileBytes, inlineLimitBytes int64, quota domain.QuotaState, enq Enqueuer) (*Pipeline, *fakeStore, *fakeDedup) {
	store := newFakeStore()
	dedup := newFakeDedup()
	resolver := NewResolver(store, dedup, 1, zerolog.Nop())
	writer := NewWriter(store, 1)
	rt := router.New(inlineLimitBytes)
	p := NewPipeline(fakeQuota{state: quota}, rt, resolver, writer, enq, "archive-bucket", maxFileBytes, inlineLimitBytes, zerolog.Nop())
	return p, store, dedup
}

func testUnit() domain.MessageUnit {
	return domain.MessageUnit{
		ChatID:    1,
		MessageID: 2,
		Curator:   domain.Curator{UserID: 9, Username: "curator"},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Items: []domain.Item{
			{Ordinal: 1, Kind: domain.MediaDocument, FileID: "f1", FileUniqueID: "u1", DeclaredSize: 10},
		},
	}
}

func TestProcessUnitRejectsQuotaFull(t *testing.T) {
	p, _, _ := newTestPipeline(1000, 1000, domain.QuotaClosed, &fakeEnqueuer{})
	result := p.ProcessUnit(context.Background(), testUnit(), fakeInline{payload: "hello"})
	if !result.Rejected || result.RejectReason != "quota_full" {
		t.Fatalf("expected quota_full rejection, got %+v", result)
	}
}

func TestProcessUnitRejectsOversizeConfigured(t *testing.T) {
	p, _, _ := newTestPipeline(5, 1000, domain.QuotaOpen, &fakeEnqueuer{})
	result := p.ProcessUnit(context.Background(), testUnit(), fakeInline{payload: "hello"})
	if !result.Rejected || result.RejectReason != "oversize_configured" {
		t.Fatalf("expected oversize_configured rejection, got %+v", result)
	}
}

func TestProcessUnitResolvesInlineAndWritesMetadata(t *testing.T) {
	enq := &fakeEnqueuer{}
	p, store, _ := newTestPipeline(1000, 1000, domain.QuotaOpen, enq)
	result := p.ProcessUnit(context.Background(), testUnit(), fakeInline{payload: "hello"})

	if result.Rejected {
		t.Fatalf("unexpected rejection: %s", result.RejectReason)
	}
	if len(result.Archive.Keys()) != 1 {
		t.Fatalf("expected one stored key, got %d", len(result.Archive.Keys()))
	}
	if !store.has(result.Archive.Prefix + "message.json") {
		t.Fatalf("expected message.json to be written at prefix %q", result.Archive.Prefix)
	}
	if len(enq.jobs) != 0 {
		t.Fatalf("expected nothing queued, got %d", len(enq.jobs))
	}
}

func TestProcessUnitRoutesOversizeItemToQueue(t *testing.T) {
	enq := &fakeEnqueuer{}
	// inline limit smaller than the declared size but below MaxFileBytes so it
	// is not a hard rejection, just routed to the background queue.
	p, _, _ := newTestPipeline(1000, 1, domain.QuotaOpen, enq)
	result := p.ProcessUnit(context.Background(), testUnit(), fakeInline{payload: "hello"})

	if result.Rejected {
		t.Fatalf("unexpected rejection: %s", result.RejectReason)
	}
	if len(enq.jobs) != 1 {
		t.Fatalf("expected one queued job, got %d", len(enq.jobs))
	}
	if len(result.QueuedJobIDs) != 1 {
		t.Fatalf("expected one queued job id in result, got %d", len(result.QueuedJobIDs))
	}
	if len(result.Archive.Keys()) != 0 {
		t.Fatalf("expected no inline keys when routed to queue, got %d", len(result.Archive.Keys()))
	}
}

func TestResultAckFormatsRejection(t *testing.T) {
	r := Result{Rejected: true, RejectReason: "quota_full"}
	if got := r.Ack(); got != "rejected: quota_full" {
		t.Fatalf("unexpected ack text: %q", got)
	}
}
