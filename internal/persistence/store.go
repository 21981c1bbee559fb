// Package persistence stores and loads full room snapshots.
//
// The sync core treats storage as best-effort durability: saves happen in
// the background, are coalesced per room and retried on failure, and never
// block the update path. A Store only has to make each Save atomic.
package persistence

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Load when no snapshot exists for a room.
var ErrNotFound = errors.New("persistence: snapshot not found")

// Store is what the sync core needs from a storage backend.
type Store interface {
	// Load returns the latest snapshot for room or ErrNotFound.
	Load(ctx context.Context, room string) ([]byte, error)
	// Save replaces the snapshot for room. Readers must never observe a
	// partially written snapshot.
	Save(ctx context.Context, room string, state []byte) error
	Close() error
}

// MemoryStore keeps snapshots in process memory. Used in tests and for
// STORAGE_BACKEND=memory.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, room string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.snapshots[room]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), state...), nil
}

func (s *MemoryStore) Save(_ context.Context, room string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[room] = append([]byte(nil), state...)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
