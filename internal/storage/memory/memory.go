// Package memory is an in-memory storage.Store used by tests. It holds the same two logical tables the
// sqlite backend persists, guarded by a single RWMutex — grounded on the
// teacher's in-process cache-rebuild locking idiom rather than any
// on-disk format.
package memory

import (
	"context"
	"sync"

	"github.com/ivmcore/ivmcore/internal/storage"
)

type Store struct {
	mu          sync.RWMutex
	recordHash  map[string][]byte
	moduleState map[string][]byte
}

func New() *Store {
	return &Store{
		recordHash:  make(map[string][]byte),
		moduleState: make(map[string][]byte),
	}
}

func (s *Store) PutRecordHash(ctx context.Context, recordID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), blob...)
	s.recordHash[recordID] = cp
	return nil
}

func (s *Store) GetRecordHash(ctx context.Context, recordID string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.recordHash[recordID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), blob...), true, nil
}

func (s *Store) DeleteRecordHash(ctx context.Context, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recordHash, recordID)
	return nil
}

func (s *Store) AllRecordHashes(ctx context.Context) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.recordHash))
	for id, blob := range s.recordHash {
		out[id] = append([]byte(nil), blob...)
	}
	return out, nil
}

func (s *Store) PutModuleState(ctx context.Context, key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), blob...)
	s.moduleState[key] = cp
	return nil
}

func (s *Store) GetModuleState(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.moduleState[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), blob...), true, nil
}

func (s *Store) DeleteModuleState(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.moduleState, key)
	return nil
}

func (s *Store) Close() error { return nil }

var _ storage.Store = (*Store)(nil)
