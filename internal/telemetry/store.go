// Package telemetry provides the key/value store shared with the robot
// controller: raw byte values under string keys.
package telemetry

import (
	"sync"
)

// Store reads and writes raw values by key.
type Store interface {
	// GetRaw returns the latest value of key; ok is false if none was seen.
	GetRaw(key string) (value []byte, ok bool)
	// PutRaw publishes value under key.
	PutRaw(key string, value []byte) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	writes map[string]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
		writes: make(map[string]int),
	}
}

func (s *MemoryStore) GetRaw(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (s *MemoryStore) PutRaw(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	s.writes[key]++
	return nil
}

// Writes returns how many times key was written.
func (s *MemoryStore) Writes(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes[key]
}
