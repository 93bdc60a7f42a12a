package kvstore

import (
	"context"
	"sync"
)

// MemoryStore is a process-local Store for tests and demos. It can be made
// to fail writes to exercise persistence error paths.
type MemoryStore struct {
	mu      sync.RWMutex
	data    map[string][]byte
	failSet error
	sets    int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte{}, v...), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSet != nil {
		return storeErr("set", key, s.failSet)
	}
	s.data[key] = append([]byte{}, value...)
	s.sets++
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// FailSets makes every following Set return err; nil restores writes.
func (s *MemoryStore) FailSets(err error) {
	s.mu.Lock()
	s.failSet = err
	s.mu.Unlock()
}

// SetCount reports how many writes succeeded.
func (s *MemoryStore) SetCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sets
}

// Has reports whether key is present.
func (s *MemoryStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok
}
