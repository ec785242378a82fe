package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cptnfren/teltubby/internal/domain"
	"github.com/cptnfren/teltubby/internal/usecase/ingest"
)

func newTestWorker(store domain.JobStore, transport domain.UserTransport, inline *fakeInline) *Worker {
	return newTestWorkerWithQuota(store, transport, inline, &fakeQuota{state: domain.QuotaOpen})
}

func newTestWorkerWithQuota(store domain.JobStore, transport domain.UserTransport, inline *fakeInline, quota domain.QuotaGate) *Worker {
	objStore := newObjStoreStub()
	dedup := newDedupStub()
	resolver := ingest.NewResolver(objStore, dedup, 1, zerolog.Nop())
	writer := ingest.NewWriter(objStore, 1)
	return New(store, transport, inline, []int64{999}, resolver, writer, "archive-bucket", quota, zerolog.Nop())
}

func pendingJob(id string) domain.Job {
	return domain.Job{
		ID: id, ChatID: 1, MessageID: 2, State: domain.JobPending,
		File:     domain.FileInfo{FileID: "f1", FileUniqueID: "u1", FileType: domain.MediaDocument, FileSize: 5},
		Metadata: domain.JobMetadata{MaxRetries: 2},
	}
}

func TestHandleUnknownJobRejects(t *testing.T) {
	store := newFakeStore()
	w := newTestWorker(store, &fakeTransport{authed: true, payload: "hello"}, &fakeInline{})
	d, td := newTestDelivery(domain.Job{ID: "missing"})

	w.handle(context.Background(), d)

	if td.rejected == nil || !*td.rejected {
		t.Fatalf("expected an unknown job to be rejected to the DLX, got %+v", td)
	}
}

func TestHandleTerminalRowAcksWithoutWork(t *testing.T) {
	job := pendingJob("j1")
	job.State = domain.JobCompleted
	store := newFakeStore(job)
	w := newTestWorker(store, &fakeTransport{authed: true}, &fakeInline{})
	d, td := newTestDelivery(domain.Job{ID: "j1"})

	w.handle(context.Background(), d)

	if !td.acked {
		t.Fatalf("expected a completed row to be acked without work")
	}
}

func TestHandleUnauthenticatedHoldsJob(t *testing.T) {
	job := pendingJob("j1")
	store := newFakeStore(job)
	inline := &fakeInline{}
	w := newTestWorker(store, &fakeTransport{authed: false}, inline)
	d, td := newTestDelivery(domain.Job{ID: "j1"})

	w.handle(context.Background(), d)

	if td.nacked == nil || !*td.nacked {
		t.Fatalf("expected the delivery to be nacked with requeue=true, got %+v", td)
	}
	if store.state("j1") != domain.JobProcessing {
		t.Fatalf("expected the row to remain PROCESSING while auth is held, got %s", store.state("j1"))
	}
	if len(inline.sent) == 0 {
		t.Fatalf("expected admins to be notified of the auth hold")
	}
}

func TestHandleQuotaClosedHoldsJobWithoutConsuming(t *testing.T) {
	job := pendingJob("j1")
	store := newFakeStore(job)
	w := newTestWorkerWithQuota(store, &fakeTransport{authed: true, payload: "hello"}, &fakeInline{}, &fakeQuota{state: domain.QuotaClosed})
	d, td := newTestDelivery(domain.Job{ID: "j1"})

	// the hold backoff only needs to prove it doesn't consume the job; a
	// near-expired context exercises the ctx.Done() exit instead of waiting
	// out the full backoff.
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	w.handle(ctx, d)

	if td.nacked == nil || !*td.nacked {
		t.Fatalf("expected the delivery to be nacked with requeue=true while quota is closed, got %+v", td)
	}
	if store.state("j1") != domain.JobPending {
		t.Fatalf("expected the row to remain PENDING (never consumed) while quota is closed, got %s", store.state("j1"))
	}
}

func TestHandleCancellationRequestedFinishesCancelled(t *testing.T) {
	job := pendingJob("j1")
	store := newFakeStore(job)
	_ = store.RequestCancellation(context.Background(), "j1")
	w := newTestWorker(store, &fakeTransport{authed: true}, &fakeInline{})
	d, td := newTestDelivery(domain.Job{ID: "j1"})

	w.handle(context.Background(), d)

	if !td.acked {
		t.Fatalf("expected a cancelled job to be acked")
	}
	if store.state("j1") != domain.JobCancelled {
		t.Fatalf("expected CANCELLED state, got %s", store.state("j1"))
	}
}

func TestHandleSuccessfulResolveCompletesJob(t *testing.T) {
	job := pendingJob("j1")
	store := newFakeStore(job)
	inline := &fakeInline{}
	w := newTestWorker(store, &fakeTransport{authed: true, payload: "hello world"}, inline)
	d, td := newTestDelivery(domain.Job{ID: "j1"})

	w.handle(context.Background(), d)

	if !td.acked {
		t.Fatalf("expected the delivery to be acked on success")
	}
	if store.state("j1") != domain.JobCompleted {
		t.Fatalf("expected COMPLETED state, got %s", store.state("j1"))
	}
	if len(inline.sent) == 0 {
		t.Fatalf("expected the curator to be notified of completion")
	}
}

func TestHandleTransientFailureRetriesViaTwoHopTransition(t *testing.T) {
	job := pendingJob("j1")
	store := newFakeStore(job)
	w := newTestWorker(store, &fakeTransport{authed: true, fetchErr: errTransientFetch{}}, &fakeInline{})
	d, td := newTestDelivery(domain.Job{ID: "j1"})

	w.handle(context.Background(), d)

	if td.nacked == nil || !*td.nacked {
		t.Fatalf("expected a transient failure to be nacked for redelivery, got %+v", td)
	}
	if store.state("j1") != domain.JobPending {
		t.Fatalf("expected the row to land back on PENDING via the two-hop transition, got %s", store.state("j1"))
	}
	if got := parseRetryCount(store.lastError("j1")); got != 1 {
		t.Fatalf("expected retry count 1 encoded in last_error, got %d (%q)", got, store.lastError("j1"))
	}
}

func TestHandleRetriesExhaustedRejectsToDLX(t *testing.T) {
	job := pendingJob("j1")
	job.Metadata.MaxRetries = 1
	job.LastError = "retry 1: fetch_transient"
	store := newFakeStore(job)
	inline := &fakeInline{}
	w := newTestWorker(store, &fakeTransport{authed: true, fetchErr: errTransientFetch{}}, inline)
	d, td := newTestDelivery(domain.Job{ID: "j1"})

	w.handle(context.Background(), d)

	if td.rejected == nil || !*td.rejected {
		t.Fatalf("expected retries to be exhausted and the job rejected to the DLX, got %+v", td)
	}
	if store.state("j1") != domain.JobFailed {
		t.Fatalf("expected FAILED state after exhausting retries, got %s", store.state("j1"))
	}
	if len(inline.sent) == 0 {
		t.Fatalf("expected the curator to be notified of the failure")
	}
}

func TestParseRetryCountRoundTrips(t *testing.T) {
	if got := parseRetryCount(""); got != 0 {
		t.Fatalf("expected 0 for empty last_error, got %d", got)
	}
	if got := parseRetryCount("retry 3: fetch_transient: boom"); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := parseRetryCount("not a retry marker"); got != 0 {
		t.Fatalf("expected 0 for an unrelated message, got %d", got)
	}
}

// errTransientFetch implements error; the resolver marks the item failed on
// it without retrying, and the worker's handleFailure requeues the job.
type errTransientFetch struct{}

func (errTransientFetch) Error() string { return "transient fetch failure" }
