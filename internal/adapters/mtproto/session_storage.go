package mtproto

import (
	"context"
	"errors"

	"github.com/cptnfren/teltubby/internal/adapters/repo"
)

// postgresStore is the subset of *repo.Postgres this adapter needs.
type postgresStore interface {
	LoadMTProtoSession(ctx context.Context, name string) ([]byte, error)
	StoreMTProtoSession(ctx context.Context, name string, data []byte) error
}

// SessionStorage adapts *repo.Postgres's named blob storage onto gotd/td's
// session.Storage interface, which carries no name of its own; every
// Collector in this process shares the single session named sessionName.
type SessionStorage struct {
	store       postgresStore
	sessionName string
}

// NewSessionStorage builds a session.Storage backed by Postgres.
func NewSessionStorage(store postgresStore, sessionName string) *SessionStorage {
	if sessionName == "" {
		sessionName = "default"
	}
	return &SessionStorage{store: store, sessionName: sessionName}
}

// LoadSession returns the stored session blob, or (nil, nil) when none has
// been persisted yet, the shape gotd/td expects for a fresh client.
func (s *SessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	data, err := s.store.LoadMTProtoSession(ctx, s.sessionName)
	if errors.Is(err, repo.ErrSessionNotFound) {
		return nil, nil
	}
	return data, err
}

// StoreSession persists data as the current session blob.
func (s *SessionStorage) StoreSession(ctx context.Context, data []byte) error {
	return s.store.StoreMTProtoSession(ctx, s.sessionName, data)
}
