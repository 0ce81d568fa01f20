package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore keeps the most recent entries in a bounded LRU
type MemoryStore struct {
	entries *lru.Cache[string, *Entry]
}

// NewMemoryStore creates a store holding up to capacity entries
func NewMemoryStore(capacity int) (*MemoryStore, error) {
	entries, err := lru.New[string, *Entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU: %w", err)
	}
	return &MemoryStore{entries: entries}, nil
}

// Load returns the entry stored for key
func (s *MemoryStore) Load(_ context.Context, key Key) (*Entry, bool, error) {
	e, ok := s.entries.Get(key.String())
	return e, ok, nil
}

// Save stores entry under key, evicting the least recently used on overflow
func (s *MemoryStore) Save(_ context.Context, key Key, entry *Entry) error {
	s.entries.Add(key.String(), entry)
	return nil
}

// Len returns the number of stored entries
func (s *MemoryStore) Len() int {
	return s.entries.Len()
}
