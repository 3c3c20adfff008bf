package queue

import (
	"context"
	"sync"

	"coppia/internal/core"
)

// MemoryStore keeps entries in process memory. It does not survive a
// restart and is meant for tests and ephemeral clients.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]core.QueueEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]core.QueueEntry)}
}

func (s *MemoryStore) Put(_ context.Context, e core.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = cloneEntry(e)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) LoadAll(_ context.Context) ([]core.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.QueueEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
