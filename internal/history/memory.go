package history

import (
	"context"
	"sync"
)

// MemoryStore is the process-lifetime in-memory Store. All history is lost on
// restart.
type MemoryStore struct {
	retention Retention

	mu    sync.Mutex
	turns map[int64][]Turn
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(retention Retention) *MemoryStore {
	return &MemoryStore{retention: retention, turns: map[int64][]Turn{}}
}

// Get never fails.
func (s *MemoryStore) Get(_ context.Context, conversationID int64) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.turns[conversationID]
	out := make([]Turn, len(stored))
	copy(out, stored)
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, conversationID int64, user, assistant Turn, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.turns[conversationID]
	next := make([]Turn, 0, len(stored)+2)
	next = append(next, stored...)
	next = append(next, user, assistant)
	s.turns[conversationID] = Trim(next, limit, s.retention)
	return nil
}

// Len returns the number of conversations with stored turns.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.turns {
		if len(t) > 0 {
			n++
		}
	}
	return n
}

var _ Store = (*MemoryStore)(nil)
