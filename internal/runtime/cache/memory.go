package cache

import (
	"context"
	"sync"

	"github.com/l0p7/escrowcache/internal/escrow"
)

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{entries: make(map[string]Entry)}
}

func (s *memoryStore) Load(_ context.Context, acct escrow.AccountContext) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[entryKey("", acct)]
	if !ok {
		return EmptyEntry(), false, nil
	}
	return entry.Clone(), true, nil
}

func (s *memoryStore) Save(_ context.Context, acct escrow.AccountContext, entry Entry) error {
	snapshot := entry.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entryKey("", acct)] = snapshot
	return nil
}

func (s *memoryStore) Reset(ctx context.Context, acct escrow.AccountContext) error {
	return s.Save(ctx, acct, EmptyEntry())
}

func (s *memoryStore) Size(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

func (s *memoryStore) Close(_ context.Context) error {
	return nil
}
