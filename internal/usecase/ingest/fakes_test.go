package ingest

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/cptnfren/teltubby/internal/domain"
)

// fakeStore is an in-memory domain.ObjectStore.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

var _ domain.ObjectStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore { return &fakeStore{objects: make(map[string][]byte)} }

func (f *fakeStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}
func (f *fakeStore) Head(ctx context.Context, key string) (domain.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return domain.ObjectInfo{}, domain.NewIngestError(domain.ErrDedupUnavailable, nil)
	}
	return domain.ObjectInfo{Key: key, SizeBytes: int64(len(data))}, nil
}
func (f *fakeStore) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data := f.objects[key]
	return io.NopCloser(bytes.NewReader(data)), nil
}
func (f *fakeStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}
func (f *fakeStore) ListPrefix(ctx context.Context, prefix string) ([]string, error) { return nil, nil }
func (f *fakeStore) BucketUsageBytes(ctx context.Context) (int64, error)             { return 0, nil }
func (f *fakeStore) BucketQuotaBytes(ctx context.Context) (int64, bool)              { return 0, false }
func (f *fakeStore) UsedRatio(ctx context.Context) (float64, bool)                   { return 0, false }

func (f *fakeStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

// fakeDedup is an in-memory domain.DedupIndex.
type fakeDedup struct {
	mu         sync.Mutex
	byHash     map[string]domain.DedupRecord
	byUniqueID map[string]string // uniqueID -> sha256
}

var _ domain.DedupIndex = (*fakeDedup)(nil)

func newFakeDedup() *fakeDedup {
	return &fakeDedup{byHash: make(map[string]domain.DedupRecord), byUniqueID: make(map[string]string)}
}

func (f *fakeDedup) LookupByUniqueID(ctx context.Context, uniqueID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sha, ok := f.byUniqueID[uniqueID]
	return sha, ok, nil
}
func (f *fakeDedup) LookupByHash(ctx context.Context, sha256 string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.byHash[sha256]
	return rec.S3Key, ok, nil
}
func (f *fakeDedup) Register(ctx context.Context, rec domain.DedupRecord, uniqueID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.byHash[rec.SHA256]; ok {
		return existing.S3Key, true, domain.NewIngestError(domain.ErrDedupConflict, nil)
	}
	f.byHash[rec.SHA256] = rec
	if uniqueID != "" {
		f.byUniqueID[uniqueID] = rec.SHA256
	}
	return rec.S3Key, false, nil
}
func (f *fakeDedup) RecordMessage(ctx context.Context, chatID, messageID int64, groupID string) error {
	return nil
}
func (f *fakeDedup) Vacuum(ctx context.Context) error { return nil }
