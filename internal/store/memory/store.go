// Package memory contains an in-memory key-value store for tests and
// single-process development runs.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/seoscope/seoscope/internal/scrape"
)

// Store keeps values in a map. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New returns an empty memory Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Load returns the value for key or scrape.ErrNotFound.
func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, scrape.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Save stores value under key, replacing any prior value.
func (s *Store) Save(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// List returns every key with the given prefix and its value.
func (s *Store) List(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte)
	for key, value := range s.data {
		if strings.HasPrefix(key, prefix) {
			out[key] = append([]byte(nil), value...)
		}
	}
	return out, nil
}

// Close is a no-op for the memory store.
func (s *Store) Close() error {
	return nil
}
